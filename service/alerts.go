package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"github.com/carlosotero01/edge-portal/internal/config"
	"github.com/carlosotero01/edge-portal/runtime/activity"
	"github.com/carlosotero01/edge-portal/runtime/state"
)

// AlertStatus reports the state of one alert rule.
type AlertStatus struct {
	ID         string     `json:"id"`
	Expression string     `json:"expression"`
	Message    string     `json:"message,omitempty"`
	Active     bool       `json:"active"`
	Since      *time.Time `json:"since,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

type alertRule struct {
	cfg     config.AlertConfig
	program *vm.Program
	active  bool
	since   time.Time
	lastErr string
}

type alertEngine struct {
	mu     sync.Mutex
	rules  []*alertRule
	log    activity.Sink
	logger zerolog.Logger
}

func alertEnv(r state.Reading) map[string]interface{} {
	return map[string]interface{}{
		"value_c":   r.Celsius,
		"value_f":   state.ToDisplayUnit(r.Celsius, state.Fahrenheit),
		"timestamp": r.Timestamp,
	}
}

func compileAlert(expression string) (*vm.Program, error) {
	return expr.Compile(expression, expr.Env(alertEnv(state.Reading{})), expr.AsBool())
}

func newAlertEngine(cfgs []config.AlertConfig, log activity.Sink, logger zerolog.Logger) (*alertEngine, error) {
	engine := &alertEngine{log: log, logger: logger.With().Str("component", "alerts").Logger()}
	for _, cfg := range cfgs {
		program, err := compileAlert(cfg.Expression)
		if err != nil {
			return nil, fmt.Errorf("alert %s: %w", cfg.ID, err)
		}
		engine.rules = append(engine.rules, &alertRule{cfg: cfg, program: program})
	}
	return engine, nil
}

// Evaluate runs every rule against r and logs edge transitions.
func (e *alertEngine) Evaluate(r state.Reading) {
	if e == nil || len(e.rules) == 0 {
		return
	}
	env := alertEnv(r)
	var lines, warnings []string
	e.mu.Lock()
	for _, rule := range e.rules {
		out, err := vm.Run(rule.program, env)
		if err != nil {
			rule.lastErr = err.Error()
			warnings = append(warnings, fmt.Sprintf("Alert %s evaluation failed: %v", rule.cfg.ID, err))
			continue
		}
		rule.lastErr = ""
		active, _ := out.(bool)
		switch {
		case active && !rule.active:
			rule.active = true
			rule.since = r.ReceivedAt
			message := rule.cfg.Message
			if message == "" {
				message = rule.cfg.Expression
			}
			lines = append(lines, fmt.Sprintf("Alert %s: %s", rule.cfg.ID, message))
		case !active && rule.active:
			rule.active = false
			rule.since = time.Time{}
			lines = append(lines, fmt.Sprintf("Alert %s cleared", rule.cfg.ID))
		}
	}
	e.mu.Unlock()

	for _, line := range warnings {
		e.log.Warn(line)
	}
	for _, line := range lines {
		e.log.Add(line)
	}
}

// States returns the rule states in configuration order.
func (e *alertEngine) States() []AlertStatus {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]AlertStatus, 0, len(e.rules))
	for _, rule := range e.rules {
		status := AlertStatus{
			ID:         rule.cfg.ID,
			Expression: rule.cfg.Expression,
			Message:    rule.cfg.Message,
			Active:     rule.active,
			LastError:  rule.lastErr,
		}
		if rule.active && !rule.since.IsZero() {
			since := rule.since
			status.Since = &since
		}
		out = append(out, status)
	}
	return out
}

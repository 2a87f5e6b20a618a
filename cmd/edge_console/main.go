package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/carlosotero01/edge-portal/internal/config"
	"github.com/carlosotero01/edge-portal/internal/logging"
	"github.com/carlosotero01/edge-portal/internal/reload"
	"github.com/carlosotero01/edge-portal/service"
	"github.com/carlosotero01/edge-portal/telemetry"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to configuration file")
	healthcheck := flag.Bool("healthcheck", false, "Validate configuration and device reachability, then exit")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	listen := flag.String("listen", "", "Console listen address (overrides console.listen)")
	flag.Parse()

	if *healthcheck {
		if err := executeHealthCheck(*cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *configCheck {
		os.Exit(executeConfigCheck(cfg))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	collector, err := newTelemetryCollector(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
		collector = telemetry.Noop()
	}

	if cfg.HotReload {
		if err := runWithHotReload(ctx, *cfgPath, cfg, *listen, collector); err != nil {
			if err == context.Canceled {
				return
			}
			log.Fatal().Err(err).Msg("console stopped")
		}
		return
	}

	logger, cleanup, err := logging.Setup(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	srv, err := service.New(cfg, logger, service.WithTelemetry(collector))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create console")
	}
	defer srv.Close()

	if err := srv.EnableLiveView(listenAddress(cfg, *listen)); err != nil {
		logger.Fatal().Err(err).Msg("failed to start console server")
	}

	if err := srv.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("console stopped with error")
	}
}

func listenAddress(cfg *config.Config, override string) string {
	if strings.TrimSpace(override) != "" {
		return override
	}
	return cfg.Console.Listen
}

func executeHealthCheck(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := service.Validate(cfg, zerolog.Nop()); err != nil {
		return err
	}
	timeout := cfg.Device.Timeout.Duration
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return service.CheckDevice(ctx, cfg)
}

func executeConfigCheck(cfg *config.Config) int {
	if err := service.Validate(cfg, zerolog.Nop()); err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}

	fmt.Printf("Device: %s\n", cfg.Device.BaseURL)
	fmt.Printf("  Health:      %s\n", cfg.Device.HealthPath)
	fmt.Printf("  Temperature: %s\n", cfg.Device.TemperaturePath)
	fmt.Printf("  Video:       %s\n", cfg.Device.VideoPath)
	fmt.Printf("Collection: every %ds in %s", cfg.Collection.Interval, strings.ToUpper(cfg.Collection.Units))
	if cfg.Collection.AutoStart {
		fmt.Print(" (auto start)")
	}
	fmt.Println()
	fmt.Printf("Camera: view %s", cfg.Camera.ViewMode)
	if cfg.Camera.AutoConnect {
		fmt.Print(" (auto connect)")
	}
	fmt.Println()
	if cfg.Publish.MQTT.Enabled {
		fmt.Printf("MQTT: %s -> %s\n", cfg.Publish.MQTT.Broker, cfg.Publish.MQTT.Topic)
	}
	if len(cfg.Alerts) == 0 {
		fmt.Println("Alerts: <none>")
	} else {
		fmt.Println("Alerts:")
		for _, alert := range cfg.Alerts {
			fmt.Printf("  - %s: %s\n", alert.ID, alert.Expression)
		}
	}
	fmt.Println()
	fmt.Println("Configuration check completed successfully.")
	return 0
}

func runWithHotReload(ctx context.Context, cfgPath string, initialCfg *config.Config, listenOverride string, collector telemetry.Collector) error {
	if collector == nil {
		collector = telemetry.Noop()
	}
	watcher, err := reload.NewWatcher(cfgPath, initialCfg)
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	cfg := initialCfg
	for {
		logger, cleanup, err := logging.Setup(cfg)
		if err != nil {
			return err
		}
		log.Logger = logger

		srv, err := service.New(cfg, logger, service.WithTelemetry(collector))
		if err != nil {
			cleanup()
			return err
		}

		if err := srv.EnableLiveView(listenAddress(cfg, listenOverride)); err != nil {
			srv.Close()
			cleanup()
			return err
		}

		logger.Info().Strs("files", watcher.Tracked()).Msg("watching configuration")

		runCtx, cancelRun := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Run(runCtx)
		}()

		var changed []string

	loop:
		for {
			select {
			case <-ctx.Done():
				cancelRun()
				if err := <-errCh; err != nil && err != context.Canceled && err != context.DeadlineExceeded {
					srv.Close()
					cleanup()
					return err
				}
				srv.Close()
				cleanup()
				return ctx.Err()
			case err := <-errCh:
				cancelRun()
				srv.Close()
				cleanup()
				return err
			case <-ticker.C:
				changes, err := watcher.Check()
				if err != nil {
					logger.Error().Err(err).Msg("failed to check configuration changes")
					continue
				}
				if len(changes) == 0 {
					continue
				}
				newCfg, err := config.Load(cfgPath)
				if err != nil {
					logger.Error().Err(err).Msg("failed to reload configuration")
					continue
				}
				if err := service.Validate(newCfg, logger); err != nil {
					logger.Error().Err(err).Msg("reloaded configuration invalid")
					continue
				}
				sections := watcher.Sections(newCfg)
				if len(sections) == 0 {
					logger.Debug().Strs("files", changes).Msg("configuration files touched without changes")
					if err := watcher.Update(cfgPath, newCfg); err != nil {
						logger.Error().Err(err).Msg("failed to update watcher state")
					}
					continue
				}
				if reload.Live(sections) {
					err := srv.Reconfigure(newCfg)
					if err == nil {
						logger.Info().Strs("sections", sections).Msg("configuration applied to running session")
						if err := watcher.Update(cfgPath, newCfg); err != nil {
							logger.Error().Err(err).Msg("failed to update watcher state")
						}
						for _, file := range changes {
							collector.IncHotReload(file)
						}
						cfg = newCfg
						continue
					}
					if !errors.Is(err, service.ErrRebuildRequired) {
						logger.Error().Err(err).Msg("failed to apply configuration")
						continue
					}
				}
				logger.Info().Strs("sections", sections).Msg("rebuilding console session")
				cancelRun()
				if err := <-errCh; err != nil && err != context.Canceled && err != context.DeadlineExceeded {
					logger.Error().Err(err).Msg("console stopped during reload")
				}
				srv.Close()
				cleanup()
				if err := watcher.Update(cfgPath, newCfg); err != nil {
					logger.Error().Err(err).Msg("failed to update watcher state")
				}
				changed = changes
				cfg = newCfg
				break loop
			}
		}

		for _, file := range changed {
			collector.IncHotReload(file)
		}
	}
}

func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "prometheus":
		collector, err := telemetry.NewPrometheusCollector(nil)
		if err != nil {
			return nil, err
		}
		return collector, nil
	default:
		return telemetry.Noop(), fmt.Errorf("unsupported telemetry provider %q", cfg.Provider)
	}
}

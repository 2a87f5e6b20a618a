package state

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Unit selects how the canonical Celsius value is displayed.
type Unit string

const (
	Celsius    Unit = "C"
	Fahrenheit Unit = "F"
)

// ParseUnit accepts C/F and the spelled-out names, case-insensitively.
func ParseUnit(raw string) (Unit, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "C", "CELSIUS":
		return Celsius, nil
	case "F", "FAHRENHEIT":
		return Fahrenheit, nil
	}
	return "", fmt.Errorf("unknown unit %q", raw)
}

// Symbol returns the degree symbol used in display strings.
func (u Unit) Symbol() string {
	if u == Fahrenheit {
		return "°F"
	}
	return "°C"
}

// ToDisplayUnit converts a Celsius value into unit. Any unit other than
// Fahrenheit is treated as Celsius.
func ToDisplayUnit(celsius float64, unit Unit) float64 {
	if unit == Fahrenheit {
		return celsius*9/5 + 32
	}
	return celsius
}

// FormatValue renders v with exactly two decimals.
func FormatValue(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2)
}

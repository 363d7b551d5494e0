package types

import (
	"fmt"

	"github.com/xtxerr/telemetry/internal/constants"
)

// Level is the alert level of a series.
type Level int

const (
	LevelOK Level = iota
	LevelWarn
	LevelCrit
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelOK:
		return constants.LevelOK
	case LevelWarn:
		return constants.LevelWarn
	case LevelCrit:
		return constants.LevelCrit
	default:
		return fmt.Sprintf("unknown(%d)", l)
	}
}

// IsAlert returns true for warn and crit.
func (l Level) IsAlert() bool {
	return l == LevelWarn || l == LevelCrit
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// ParseLevel parses a string into a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case constants.LevelOK:
		return LevelOK, nil
	case constants.LevelWarn:
		return LevelWarn, nil
	case constants.LevelCrit:
		return LevelCrit, nil
	default:
		return LevelOK, fmt.Errorf("unknown level: %s", s)
	}
}

// Direction is the side of a threshold that raises an alert.
type Direction int

const (
	DirectionAbove Direction = iota
	DirectionBelow
)

// String returns the string representation of the direction.
func (d Direction) String() string {
	switch d {
	case DirectionAbove:
		return constants.DirectionAbove
	case DirectionBelow:
		return constants.DirectionBelow
	default:
		return fmt.Sprintf("unknown(%d)", d)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Direction) UnmarshalText(b []byte) error {
	v, err := ParseDirection(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// ParseDirection parses a string into a Direction. Empty means above.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case constants.DirectionAbove, "":
		return DirectionAbove, nil
	case constants.DirectionBelow:
		return DirectionBelow, nil
	default:
		return DirectionAbove, fmt.Errorf("unknown direction: %s", s)
	}
}

// Threshold is the effective threshold applied to one series.
// Warn and Crit are optional.
type Threshold struct {
	Warn      *float64  `json:"warn,omitempty"`
	Crit      *float64  `json:"crit,omitempty"`
	Direction Direction `json:"direction"`
}

// IsZero returns true when neither warn nor crit is set.
func (t Threshold) IsZero() bool {
	return t.Warn == nil && t.Crit == nil
}

// Float returns a pointer to v, for building thresholds inline.
func Float(v float64) *float64 {
	return &v
}

package alert

import "github.com/xtxerr/telemetry/internal/engine/types"

// DefaultDeadbandPct is the deadband used when none is configured.
const DefaultDeadbandPct = 5.0

// RawLevel returns the level of value against th without hysteresis.
// A threshold with neither warn nor crit always yields ok.
func RawLevel(th types.Threshold, value float64) types.Level {
	switch th.Direction {
	case types.DirectionBelow:
		if th.Crit != nil && value <= *th.Crit {
			return types.LevelCrit
		}
		if th.Warn != nil && value <= *th.Warn {
			return types.LevelWarn
		}
	default:
		if th.Crit != nil && value >= *th.Crit {
			return types.LevelCrit
		}
		if th.Warn != nil && value >= *th.Warn {
			return types.LevelWarn
		}
	}
	return types.LevelOK
}

// Next returns the level to publish for value given the last published
// level. deadbandPct is a percentage (5 means 5%).
//
// The deadband only applies when the raw level is ok and the last level is
// not: the last level is held while the value stays inside the clear band
// of the threshold that raised it. A missing threshold has no clear band.
func Next(last types.Level, th types.Threshold, value, deadbandPct float64) types.Level {
	raw := RawLevel(th, value)
	if raw != types.LevelOK || last == types.LevelOK {
		return raw
	}

	db := deadbandPct / 100

	if th.Direction == types.DirectionBelow {
		switch {
		case last == types.LevelCrit && th.Crit != nil && value <= *th.Crit*(1+db):
			return types.LevelCrit
		case last == types.LevelWarn && th.Warn != nil && value <= *th.Warn*(1+db):
			return types.LevelWarn
		}
		return types.LevelOK
	}

	switch {
	case last == types.LevelCrit && th.Crit != nil && value >= *th.Crit*(1-db):
		return types.LevelCrit
	case last == types.LevelWarn && th.Warn != nil && value >= *th.Warn*(1-db):
		return types.LevelWarn
	}
	return types.LevelOK
}

// State is the hysteresis state of one series: the last published level.
// It starts at ok and is never reset.
//
// State is not safe for concurrent use.
type State struct {
	last        types.Level
	transitions int64
}

// Observe computes the level for value, records it as the last published
// level and reports whether it changed.
func (s *State) Observe(th types.Threshold, value, deadbandPct float64) (types.Level, bool) {
	next := Next(s.last, th, value, deadbandPct)
	changed := next != s.last
	if changed {
		s.transitions++
	}
	s.last = next
	return next, changed
}

// Level returns the last published level.
func (s *State) Level() types.Level {
	return s.last
}

// Transitions returns the number of level changes observed.
func (s *State) Transitions() int64 {
	return s.transitions
}

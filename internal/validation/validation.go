// Package validation checks identifiers that cross a boundary: device IDs
// and metric keys from configuration or MQTT topics, and topic prefixes.
//
// The engine itself accepts any string; these rules keep identifiers
// usable as MQTT topic levels, InfluxDB tags and file-safe names.
package validation

import (
	"fmt"
	"strings"
	"unicode"

	telerrors "github.com/xtxerr/telemetry/internal/errors"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for identifiers.
type NameRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
	AllowSlashes bool // Slash-separated levels, none empty
}

// DeviceIDRules returns the rules for device IDs. A device ID is exactly
// one topic level.
func DeviceIDRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    128,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// MetricKeyRules returns the rules for metric keys.
func MetricKeyRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    255,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
		AllowSlashes: true,
	}
}

// ValidateName validates name according to rules.
func ValidateName(name string, rules NameRules) error {
	if len(name) < rules.MinLength {
		return invalid(name, fmt.Sprintf("minimum %d characters required", rules.MinLength))
	}
	if len(name) > rules.MaxLength {
		return invalid(name, fmt.Sprintf("maximum %d characters allowed", rules.MaxLength))
	}
	if strings.HasPrefix(name, ".") {
		return invalid(name, "cannot start with '.'")
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return invalid(name, fmt.Sprintf("control character at position %d", i))
		}
		if r == '/' {
			if !rules.AllowSlashes {
				return invalid(name, fmt.Sprintf("path separator at position %d", i))
			}
			continue
		}
		if !isAllowedNameChar(r, rules) {
			return invalid(name, fmt.Sprintf("invalid character '%c' at position %d", r, i))
		}
	}

	if rules.AllowSlashes {
		for _, level := range strings.Split(name, "/") {
			if level == "" {
				return invalid(name, "empty level")
			}
		}
	}
	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	}
	return false
}

func invalid(name, reason string) error {
	return fmt.Errorf("%w %q: %s", telerrors.ErrInvalidName, name, reason)
}

// ValidateDeviceID validates a device ID.
func ValidateDeviceID(id string) error {
	return ValidateName(id, DeviceIDRules())
}

// ValidateMetricKey validates a metric key.
func ValidateMetricKey(key string) error {
	return ValidateName(key, MetricKeyRules())
}

// ValidateSeries validates both parts of a series key.
func ValidateSeries(deviceID, metricKey string) error {
	if err := ValidateDeviceID(deviceID); err != nil {
		return fmt.Errorf("device id: %w", err)
	}
	if err := ValidateMetricKey(metricKey); err != nil {
		return fmt.Errorf("metric key: %w", err)
	}
	return nil
}

// =============================================================================
// Topic Validation
// =============================================================================

// ValidateTopicPrefix validates an MQTT topic prefix: one or more
// non-empty levels without wildcards.
func ValidateTopicPrefix(prefix string) error {
	if prefix == "" {
		return invalid(prefix, "empty topic prefix")
	}
	if strings.ContainsAny(prefix, "+#") {
		return invalid(prefix, "topic prefix cannot contain wildcards")
	}
	for i, r := range prefix {
		if r < 32 || r == 127 {
			return invalid(prefix, fmt.Sprintf("control character at position %d", i))
		}
	}
	for _, level := range strings.Split(strings.TrimSuffix(prefix, "/"), "/") {
		if level == "" {
			return invalid(prefix, "empty level")
		}
	}
	return nil
}

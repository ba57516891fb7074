package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"averagerule/internal/average"
	"averagerule/internal/rule"
)

// DefaultFactor is the smoothing factor used when none is configured.
const DefaultFactor = 10

// RuleSettings is the rule section of the service configuration. Pointer
// fields distinguish "absent" from zero.
type RuleSettings struct {
	Asset       string   `yaml:"asset"`
	Deviation   *float64 `yaml:"deviation"`
	Direction   string   `yaml:"direction"`
	AverageType string   `yaml:"averageType"`
	Factor      *int     `yaml:"factor"`
}

// DefaultRuleSettings mirrors the defaults advertised in the plugin
// configuration descriptor. Asset has no default.
func DefaultRuleSettings() RuleSettings {
	deviation := 10.0
	factor := DefaultFactor
	return RuleSettings{
		Deviation:   &deviation,
		Direction:   rule.BothName,
		AverageType: average.SimpleName,
		Factor:      &factor,
	}
}

// RuleConfig validates s and converts it into a rule configuration.
// Fractional deviations are truncated to whole percent.
func (s RuleSettings) RuleConfig() (rule.Config, error) {
	var cfg rule.Config

	cfg.Asset = strings.TrimSpace(s.Asset)
	if cfg.Asset == "" {
		return cfg, fmt.Errorf("%w: asset", rule.ErrMissingField)
	}

	if s.Deviation == nil {
		return cfg, fmt.Errorf("%w: deviation", rule.ErrMissingField)
	}
	if d := *s.Deviation; math.IsNaN(d) || d < 0 || d >= math.MaxInt64 {
		return cfg, fmt.Errorf("%w: deviation %v", rule.ErrInvalidValue, d)
	}
	cfg.Deviation = int64(*s.Deviation)

	if strings.TrimSpace(s.Direction) == "" {
		return cfg, fmt.Errorf("%w: direction", rule.ErrMissingField)
	}
	dir, err := rule.ParseDirection(s.Direction)
	if err != nil {
		return cfg, err
	}
	cfg.Direction = dir

	if strings.TrimSpace(s.AverageType) == "" {
		return cfg, fmt.Errorf("%w: averageType", rule.ErrMissingField)
	}
	mode, err := average.ParseMode(s.AverageType)
	if err != nil {
		return cfg, fmt.Errorf("%w: %v", rule.ErrInvalidValue, err)
	}
	cfg.Average = mode

	switch {
	case s.Factor != nil:
		cfg.Factor = *s.Factor
	case mode == average.Exponential:
		return cfg, fmt.Errorf("%w: factor", rule.ErrMissingField)
	default:
		cfg.Factor = DefaultFactor
	}

	return cfg, cfg.Validate()
}

// ParseCategory reads a configuration category document and returns the
// rule configuration it describes. Items may be category objects
//
//	{"asset": {"type": "string", "default": "", "value": "sinusoid"}, ...}
//
// where "value" wins over "default", or plain scalars
//
//	{"asset": "sinusoid", "deviation": 10, ...}
//
// Numeric items may be given as JSON numbers or strings.
func ParseCategory(doc []byte) (rule.Config, error) {
	settings, err := ParseCategorySettings(doc)
	if err != nil {
		return rule.Config{}, err
	}
	return settings.RuleConfig()
}

// ParseCategorySettings reads a configuration category document without
// validating it.
func ParseCategorySettings(doc []byte) (RuleSettings, error) {
	var items map[string]json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(doc), &items); err != nil {
		return RuleSettings{}, fmt.Errorf("%w: category: %v", rule.ErrInvalidValue, err)
	}
	if items == nil {
		return RuleSettings{}, fmt.Errorf("%w: category is empty", rule.ErrInvalidValue)
	}

	var s RuleSettings
	if v, ok := itemValue(items["asset"]); ok {
		s.Asset = v
	}
	if v, ok := itemValue(items["direction"]); ok {
		s.Direction = v
	}
	if v, ok := itemValue(items["averageType"]); ok {
		s.AverageType = v
	}
	if v, ok := itemValue(items["deviation"]); ok && strings.TrimSpace(v) != "" {
		d, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return s, fmt.Errorf("%w: deviation %q", rule.ErrInvalidValue, v)
		}
		s.Deviation = &d
	}
	if v, ok := itemValue(items["factor"]); ok && strings.TrimSpace(v) != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
			return s, fmt.Errorf("%w: factor %q", rule.ErrInvalidValue, v)
		}
		factor := int(f)
		s.Factor = &factor
	}
	return s, nil
}

// itemValue extracts the effective value of one category item.
func itemValue(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}

	var item struct {
		Value   json.RawMessage `json:"value"`
		Default json.RawMessage `json:"default"`
	}
	if err := json.Unmarshal(raw, &item); err == nil && (item.Value != nil || item.Default != nil) {
		if v, ok := scalarValue(item.Value); ok {
			return v, true
		}
		return scalarValue(item.Default)
	}
	return scalarValue(raw)
}

func scalarValue(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

package rule

import (
	"errors"
	"fmt"
	"strings"

	"averagerule/internal/average"
)

// Direction selects which sign of deviation counts towards a trigger.
type Direction int

const (
	Both Direction = iota
	Above
	Below
)

// Configuration names for each direction.
const (
	BothName  = "Both"
	AboveName = "Above Average"
	BelowName = "Below Average"
)

// Configuration errors
var (
	ErrMissingField = errors.New("missing required configuration item")
	ErrInvalidValue = errors.New("invalid configuration value")
)

// ParseDirection maps a configuration name to a Direction.
func ParseDirection(name string) (Direction, error) {
	switch strings.TrimSpace(name) {
	case BothName:
		return Both, nil
	case AboveName:
		return Above, nil
	case BelowName:
		return Below, nil
	default:
		return Both, fmt.Errorf("%w: direction %q", ErrInvalidValue, name)
	}
}

func (d Direction) String() string {
	switch d {
	case Both:
		return BothName
	case Above:
		return AboveName
	case Below:
		return BelowName
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Exceeds applies the direction policy to a percentage deviation.
// NaN never exceeds any threshold.
func (d Direction) Exceeds(deviation float64, threshold int64) bool {
	limit := float64(threshold)
	switch d {
	case Above:
		return deviation > limit
	case Below:
		return -deviation > limit
	default:
		if deviation < 0 {
			deviation = -deviation
		}
		return deviation > limit
	}
}

// Config is a complete rule configuration. Values are immutable once handed
// to a Rule; evaluation works on a copy.
type Config struct {
	// Asset whose data points are monitored.
	Asset string
	// Deviation is the alert threshold in percent.
	Deviation int64
	Direction Direction
	Average   average.Mode
	// Factor is the smoothing factor, used only by exponential averaging.
	Factor int
}

// Validate reports structural problems with c.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Asset) == "" {
		return fmt.Errorf("%w: asset", ErrMissingField)
	}
	if c.Deviation < 0 {
		return fmt.Errorf("%w: deviation %d must not be negative", ErrInvalidValue, c.Deviation)
	}
	switch c.Direction {
	case Both, Above, Below:
	default:
		return fmt.Errorf("%w: direction %d", ErrInvalidValue, int(c.Direction))
	}
	switch c.Average {
	case average.Simple:
	case average.Exponential:
		if c.Factor < 1 {
			return fmt.Errorf("%w: factor %d must be positive for exponential averaging", ErrInvalidValue, c.Factor)
		}
	default:
		return fmt.Errorf("%w: average type %d", ErrInvalidValue, int(c.Average))
	}
	return nil
}

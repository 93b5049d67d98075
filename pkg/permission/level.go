// Package permission defines the three-tier capability levels attached to a
// session and the gates derived from them.
package permission

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidLevel is returned when a level string is not low, medium or high.
var ErrInvalidLevel = errors.New("invalid permission level")

// Level is a session capability tier.
type Level string

const (
	Low    Level = "low"
	Medium Level = "medium"
	High   Level = "high"
)

// Levels lists every level from least to most capable.
var Levels = []Level{Low, Medium, High}

// Parse normalizes s into a Level.
func Parse(s string) (Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case Low:
		return Low, nil
	case Medium:
		return Medium, nil
	case High:
		return High, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidLevel, s)
	}
}

// ParseOr returns the parsed level, or fallback when s is not a valid level.
func ParseOr(s string, fallback Level) Level {
	level, err := Parse(s)
	if err != nil {
		return fallback
	}
	return level
}

// Rank orders levels: low=1, medium=2, high=3. Unknown levels rank 0.
func (l Level) Rank() int {
	switch l {
	case Low:
		return 1
	case Medium:
		return 2
	case High:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether l grants everything other grants.
func (l Level) AtLeast(other Level) bool {
	return l.Rank() > 0 && l.Rank() >= other.Rank()
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	return l.Rank() > 0
}

func (l Level) String() string {
	return string(l)
}

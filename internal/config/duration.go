package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string at a config path.
// Blank means zero; negative values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0, got %s", path, d)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def standing in for zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// parseSpan resolves a {min,max} pair, filling each bound from def and
// swapping them when given in the wrong order.
func parseSpan(path string, r DurationRange, def Span) (Span, error) {
	lo, err := ParseDurationOrDefault(path+".min", r.Min, def.Min)
	if err != nil {
		return Span{}, err
	}
	hi, err := ParseDurationOrDefault(path+".max", r.Max, def.Max)
	if err != nil {
		return Span{}, err
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	return Span{Min: lo, Max: hi}, nil
}

// Package environment layers environment variables over file-based settings.
//
// Every helper takes the current value as its fallback, so a config loader
// can write c.X = environment.IntOr("NAME", c.X) without branching. Unset,
// empty and unparsable variables leave the fallback in place.
package environment

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// lookup returns the parsed value of name, or fallback when the variable is
// unset, empty or rejected by parse.
func lookup[T any](name string, fallback T, parse func(string) (T, error)) T {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	v, err := parse(raw)
	if err != nil {
		return fallback
	}
	return v
}

// StringOr returns the variable verbatim, or fallback when it is empty.
func StringOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// BoolOr accepts the spellings of strconv.ParseBool.
func BoolOr(name string, fallback bool) bool {
	return lookup(name, fallback, strconv.ParseBool)
}

// IntOr parses a decimal int.
func IntOr(name string, fallback int) int {
	return lookup(name, fallback, strconv.Atoi)
}

// FloatOr parses a float64.
func FloatOr(name string, fallback float64) float64 {
	return lookup(name, fallback, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

// DurationOr parses a Go duration such as "90s" or "5m".
func DurationOr(name string, fallback time.Duration) time.Duration {
	return lookup(name, fallback, time.ParseDuration)
}

// StringSliceOr splits a comma-separated list, dropping blank elements. A
// list with no elements left keeps the fallback.
func StringSliceOr(name string, fallback []string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(name), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration parses a human-readable duration, extending
// time.ParseDuration with a bare day suffix ("1d", "2d12h") the way the
// gateway's grant CLI verb expects operators to type.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	if idx := strings.IndexByte(s, 'd'); idx >= 0 {
		daysPart := s[:idx]
		rest := s[idx+1:]

		days, err := strconv.ParseFloat(daysPart, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid day component %q: %w", daysPart, err)
		}

		total := time.Duration(days * float64(24*time.Hour))
		if rest != "" {
			remainder, err := time.ParseDuration(rest)
			if err != nil {
				return 0, fmt.Errorf("invalid duration remainder %q: %w", rest, err)
			}
			total += remainder
		}
		return total, nil
	}

	return time.ParseDuration(s)
}

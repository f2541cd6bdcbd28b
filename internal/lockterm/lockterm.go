// Package lockterm parses lock-term strings such as "90d", "12w" or "3600s"
// into seconds.
package lockterm

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// termRegex matches: {count}{unit}, unit one of s, m, h, d, w or empty for
// seconds. Example: 90d
var termRegex = regexp.MustCompile(`^([0-9]+)([smhdw]?)$`)

var ErrInvalidTerm = errors.New("lockterm: invalid lock term")

var unitSeconds = map[string]uint64{
	"":  1,
	"s": 1,
	"m": 60,
	"h": 60 * 60,
	"d": 24 * 60 * 60,
	"w": 7 * 24 * 60 * 60,
}

// Parse converts a term to seconds.
func Parse(term string) (uint64, error) {
	matches := termRegex.FindStringSubmatch(strings.ToLower(strings.TrimSpace(term)))
	if matches == nil {
		return 0, fmt.Errorf("%w: %q (expected e.g. 90d, 12w, 3600s)", ErrInvalidTerm, term)
	}
	count, err := strconv.ParseUint(matches[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidTerm, term, err)
	}
	unit := unitSeconds[matches[2]]
	if count > math.MaxUint64/unit {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidTerm, term)
	}
	return count * unit, nil
}

// ParseList parses every term and rejects duplicates.
func ParseList(terms []string) ([]uint64, error) {
	out := make([]uint64, 0, len(terms))
	seen := make(map[uint64]bool, len(terms))
	for _, t := range terms {
		secs, err := Parse(t)
		if err != nil {
			return nil, err
		}
		if seen[secs] {
			return nil, fmt.Errorf("%w: duplicate term %q", ErrInvalidTerm, t)
		}
		seen[secs] = true
		out = append(out, secs)
	}
	return out, nil
}

// Format renders seconds in the largest unit that divides it exactly.
func Format(seconds uint64) string {
	if seconds == 0 {
		return "0s"
	}
	for _, u := range []string{"w", "d", "h", "m"} {
		if seconds%unitSeconds[u] == 0 {
			return strconv.FormatUint(seconds/unitSeconds[u], 10) + u
		}
	}
	return strconv.FormatUint(seconds, 10) + "s"
}

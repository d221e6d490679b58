// Package flag is the command-line front end of the gosvm tool.
package flag

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSize parses s as number[gGmMkK]. The suffix is optional; unit is
// assumed when it is absent. The number may be in any base strconv
// accepts.
func ParseSize(s, unit string) (int, error) {
	num := strings.TrimRight(s, "gGmMkK")
	if num == "" {
		return -1, fmt.Errorf("parse size %q: %w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(num, 0, 0)
	if err != nil {
		return -1, fmt.Errorf("parse size %q: %w", s, err)
	}

	if len(s) > len(num) {
		unit = s[len(num):]
	}

	var shift uint

	switch unit {
	case "g", "G":
		shift = 30
	case "m", "M":
		shift = 20
	case "k", "K":
		shift = 10
	case "":
	default:
		return -1, fmt.Errorf("parse size %q: unknown unit %q: %w",
			s, unit, strconv.ErrSyntax)
	}

	return int(amt) << shift, nil
}

package eval

import (
	"fmt"
	"strconv"
	"strings"
)

// Size is a byte count used for limits and measurements.
type Size uint64

// UnmarshalText parses sizes like "256", "64k", "512m", "4g".
func (s *Size) UnmarshalText(text []byte) error {
	t := strings.TrimSpace(strings.ToLower(string(text)))
	if t == "" {
		return fmt.Errorf("empty size")
	}
	mult := uint64(1)
	switch t[len(t)-1] {
	case 'b':
		t = t[:len(t)-1]
	case 'k':
		mult = 1 << 10
		t = t[:len(t)-1]
	case 'm':
		mult = 1 << 20
		t = t[:len(t)-1]
	case 'g':
		mult = 1 << 30
		t = t[:len(t)-1]
	}
	v, err := strconv.ParseUint(strings.TrimSpace(t), 10, 64)
	if err != nil {
		return fmt.Errorf("malformed size %q: %w", text, err)
	}
	*s = Size(v * mult)
	return nil
}

func (s Size) String() string {
	t := uint64(s)
	switch {
	case t >= 1<<30 && t%(1<<30) == 0:
		return strconv.FormatUint(t>>30, 10) + "g"
	case t >= 1<<20 && t%(1<<20) == 0:
		return strconv.FormatUint(t>>20, 10) + "m"
	case t >= 1<<10 && t%(1<<10) == 0:
		return strconv.FormatUint(t>>10, 10) + "k"
	default:
		return strconv.FormatUint(t, 10)
	}
}

// Byte returns the size as a plain byte count.
func (s Size) Byte() uint64 { return uint64(s) }

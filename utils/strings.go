package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// SplitEscaped splits s on sep, honouring backslash escapes of the
// separator. Items are trimmed and empty items dropped.
func SplitEscaped(s string, sep byte) []string {
	var items []string
	var cur strings.Builder
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			if c != sep && c != '\\' {
				cur.WriteByte('\\')
			}
			cur.WriteByte(c)
			escaped = false
		case c == '\\':
			escaped = true
		case c == sep:
			if item := strings.TrimSpace(cur.String()); item != "" {
				items = append(items, item)
			}
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if escaped {
		cur.WriteByte('\\')
	}
	if item := strings.TrimSpace(cur.String()); item != "" {
		items = append(items, item)
	}
	return items
}

// MergeEscaped joins items with "sep " escaping embedded separators.
func MergeEscaped(items []string, sep byte) string {
	var sb strings.Builder
	for _, item := range items {
		if sb.Len() > 0 {
			sb.WriteByte(sep)
			sb.WriteByte(' ')
		}
		for i := 0; i < len(item); i++ {
			if item[i] == sep || item[i] == '\\' {
				sb.WriteByte('\\')
			}
			sb.WriteByte(item[i])
		}
	}
	return sb.String()
}

var sizeUnits = map[string]uint64{
	"":  1,
	"B": 1,
	"K": 1 << 10, "KB": 1 << 10, "KIB": 1 << 10,
	"M": 1 << 20, "MB": 1 << 20, "MIB": 1 << 20,
	"G": 1 << 30, "GB": 1 << 30, "GIB": 1 << 30,
	"T": 1 << 40, "TB": 1 << 40, "TIB": 1 << 40,
	"P": 1 << 50, "PB": 1 << 50, "PIB": 1 << 50,
}

// ParseSize parses "123", "10M", "1.5G", "16GiB" into bytes.
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	i := len(s)
	for i > 0 && (s[i-1] < '0' || s[i-1] > '9') && s[i-1] != '.' {
		i--
	}
	num, unit := s[:i], strings.ToUpper(strings.TrimSpace(s[i:]))
	mult, ok := sizeUnits[unit]
	if !ok {
		return 0, fmt.Errorf("invalid size unit %q", unit)
	}
	if strings.ContainsRune(num, '.') {
		f, err := strconv.ParseFloat(num, 64)
		if err != nil || f < 0 {
			return 0, fmt.Errorf("invalid size %q", s)
		}
		return uint64(f * float64(mult)), nil
	}
	v, err := strconv.ParseUint(num, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return v * mult, nil
}

// FormatSize renders bytes without rounding loss, using the largest unit
// that divides the value.
func FormatSize(v uint64) string {
	units := []struct {
		suffix string
		mult   uint64
	}{
		{"P", 1 << 50}, {"T", 1 << 40}, {"G", 1 << 30},
		{"M", 1 << 20}, {"K", 1 << 10},
	}
	for _, u := range units {
		if v >= u.mult && v%u.mult == 0 {
			return strconv.FormatUint(v/u.mult, 10) + u.suffix
		}
	}
	return strconv.FormatUint(v, 10)
}

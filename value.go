package porto

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/fsl-jyt/porto/cgroups/fs"
	"github.com/fsl-jyt/porto/perr"
	"github.com/fsl-jyt/porto/system"
)

// String forms of property values: booleans are "true"/"false", lists
// are joined with "; ", maps are "key: value; key: value".

func formatBool(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func parseBool(s string) (bool, error) {
	switch s {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, perr.New(perr.InvalidValue, "invalid boolean value "+s)
}

func formatList(v []string) string {
	return strings.Join(v, "; ")
}

func parseList(s string) []string {
	var list []string
	for _, item := range strings.Split(s, ";") {
		item = strings.TrimSpace(item)
		if item != "" {
			list = append(list, item)
		}
	}
	return list
}

func formatUintMap(m map[string]uint64) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		if sb.Len() > 0 {
			sb.WriteString("; ")
		}
		fmt.Fprintf(&sb, "%s: %d", k, m[k])
	}
	return sb.String()
}

func parseUintMap(s string) (map[string]uint64, error) {
	m := map[string]uint64{}
	for _, line := range strings.Split(s, ";") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			return nil, perr.New(perr.InvalidValue, "invalid map format")
		}
		v, err := parseSize(strings.TrimSpace(val))
		if err != nil {
			return nil, err
		}
		m[strings.TrimSpace(key)] = v
	}
	return m, nil
}

// parseSize accepts plain bytes or binary-suffixed values like "4M".
func parseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, perr.New(perr.InvalidValue, "empty value")
	}
	mult := uint64(1)
	switch s[len(s)-1] {
	case 'K', 'k':
		mult = 1 << 10
	case 'M', 'm':
		mult = 1 << 20
	case 'G', 'g':
		mult = 1 << 30
	case 'T', 't':
		mult = 1 << 40
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, perr.New(perr.InvalidValue, "invalid unsigned integer value "+s)
	}
	return v * mult, nil
}

// parseCpuPower accepts cores with a "c" suffix ("1.5c") or a percent of
// one core ("150"). The result is in cpu power units.
func parseCpuPower(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "c") {
		cores, err := strconv.ParseFloat(s[:len(s)-1], 64)
		if err != nil || cores < 0 {
			return 0, perr.New(perr.InvalidValue, "invalid cpu value "+s)
		}
		return uint64(cores * fs.CpuPowerPerSec), nil
	}
	pct, err := strconv.ParseFloat(s, 64)
	if err != nil || pct < 0 {
		return 0, perr.New(perr.InvalidValue, "invalid cpu value "+s)
	}
	return uint64(pct * fs.CpuPowerPerSec / 100), nil
}

func formatCpuPower(v uint64) string {
	cores := float64(v) / fs.CpuPowerPerSec
	return strconv.FormatFloat(cores, 'g', -1, 64) + "c"
}

var ulimitNames = map[string]int{
	"as":      unix.RLIMIT_AS,
	"core":    unix.RLIMIT_CORE,
	"cpu":     unix.RLIMIT_CPU,
	"data":    unix.RLIMIT_DATA,
	"fsize":   unix.RLIMIT_FSIZE,
	"locks":   unix.RLIMIT_LOCKS,
	"memlock": unix.RLIMIT_MEMLOCK,
	"msgqueue": unix.RLIMIT_MSGQUEUE,
	"nice":    unix.RLIMIT_NICE,
	"nofile":  unix.RLIMIT_NOFILE,
	"nproc":   unix.RLIMIT_NPROC,
	"rss":     unix.RLIMIT_RSS,
	"rtprio":  unix.RLIMIT_RTPRIO,
	"sigpending": unix.RLIMIT_SIGPENDING,
	"stack":   unix.RLIMIT_STACK,
}

func ulimitName(resource int) string {
	for name, res := range ulimitNames {
		if res == resource {
			return name
		}
	}
	return strconv.Itoa(resource)
}

// parseUlimit accepts "nofile: 1024 2048; core: unlimited unlimited".
func parseUlimit(s string) ([]system.Rlimit, error) {
	var limits []system.Rlimit
	for _, line := range strings.Split(s, ";") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, vals, ok := strings.Cut(line, ":")
		if !ok {
			return nil, perr.New(perr.InvalidValue, "invalid ulimit format")
		}
		res, ok := ulimitNames[strings.TrimSpace(name)]
		if !ok {
			return nil, perr.New(perr.InvalidValue, "invalid ulimit name "+name)
		}
		fields := strings.Fields(vals)
		if len(fields) != 2 {
			return nil, perr.New(perr.InvalidValue, "invalid ulimit format "+line)
		}
		var lim [2]uint64
		for i, f := range fields {
			if f == "unlimited" || f == "unlim" || f == "inf" {
				lim[i] = unix.RLIM_INFINITY
				continue
			}
			v, err := parseSize(f)
			if err != nil {
				return nil, err
			}
			lim[i] = v
		}
		limits = append(limits, system.Rlimit{Resource: res, Soft: lim[0], Hard: lim[1]})
	}
	return limits, nil
}

func formatUlimit(limits []system.Rlimit) string {
	var sb strings.Builder
	for _, l := range limits {
		if sb.Len() > 0 {
			sb.WriteString("; ")
		}
		soft := "unlimited"
		if l.Soft != unix.RLIM_INFINITY {
			soft = strconv.FormatUint(l.Soft, 10)
		}
		hard := "unlimited"
		if l.Hard != unix.RLIM_INFINITY {
			hard = strconv.FormatUint(l.Hard, 10)
		}
		fmt.Fprintf(&sb, "%s: %s %s", ulimitName(l.Resource), soft, hard)
	}
	return sb.String()
}

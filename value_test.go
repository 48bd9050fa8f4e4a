package porto

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/fsl-jyt/porto/perr"
)

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
		ok   bool
	}{
		{"0", 0, true},
		{"123", 123, true},
		{"4K", 4096, true},
		{"4k", 4096, true},
		{"2M", 2 << 20, true},
		{"1G", 1 << 30, true},
		{"1T", 1 << 40, true},
		{" 8M ", 8 << 20, true},
		{"", 0, false},
		{"abc", 0, false},
		{"-1", 0, false},
	}
	for _, tc := range cases {
		v, err := parseSize(tc.in)
		if tc.ok != (err == nil) || v != tc.want {
			t.Errorf("parseSize(%q) = %d, %v", tc.in, v, err)
		}
	}
}

func TestParseCpuPower(t *testing.T) {
	v, err := parseCpuPower("1.5c")
	if err != nil || v != 1500000000 {
		t.Errorf("parseCpuPower(1.5c) = %d, %v", v, err)
	}
	v, err = parseCpuPower("150")
	if err != nil || v != 1500000000 {
		t.Errorf("parseCpuPower(150) = %d, %v", v, err)
	}
	if _, err := parseCpuPower("-1c"); perr.KindOf(err) != perr.InvalidValue {
		t.Errorf("parseCpuPower(-1c) = %v", err)
	}
	if _, err := parseCpuPower("fast"); perr.KindOf(err) != perr.InvalidValue {
		t.Errorf("parseCpuPower(fast) = %v", err)
	}
	if s := formatCpuPower(1500000000); s != "1.5c" {
		t.Errorf("formatCpuPower() = %q", s)
	}
}

func TestParseBool(t *testing.T) {
	if v, err := parseBool("true"); err != nil || !v {
		t.Errorf("parseBool(true) = %v, %v", v, err)
	}
	if v, err := parseBool("false"); err != nil || v {
		t.Errorf("parseBool(false) = %v, %v", v, err)
	}
	if _, err := parseBool("yes"); perr.KindOf(err) != perr.InvalidValue {
		t.Errorf("parseBool(yes) = %v", err)
	}
}

func TestParseList(t *testing.T) {
	l := parseList("a; b ;; c")
	if len(l) != 3 || l[0] != "a" || l[1] != "b" || l[2] != "c" {
		t.Errorf("parseList() = %v", l)
	}
	if parseList("") != nil {
		t.Error("parseList(empty) is not nil")
	}
	if s := formatList([]string{"a", "b"}); s != "a; b" {
		t.Errorf("formatList() = %q", s)
	}
}

func TestParseUintMap(t *testing.T) {
	m, err := parseUintMap("sda: 4M; sdb: 100")
	if err != nil || len(m) != 2 || m["sda"] != 4<<20 || m["sdb"] != 100 {
		t.Errorf("parseUintMap() = %v, %v", m, err)
	}
	if _, err := parseUintMap("garbage"); perr.KindOf(err) != perr.InvalidValue {
		t.Errorf("parseUintMap(garbage) = %v", err)
	}
	if s := formatUintMap(m); s != "sda: 4194304; sdb: 100" {
		t.Errorf("formatUintMap() = %q", s)
	}
}

func TestParseUlimit(t *testing.T) {
	limits, err := parseUlimit("nofile: 1024 2048; core: unlimited unlimited")
	if err != nil {
		t.Fatal(err)
	}
	if len(limits) != 2 {
		t.Fatalf("parseUlimit() = %v", limits)
	}
	if limits[0].Resource != unix.RLIMIT_NOFILE || limits[0].Soft != 1024 || limits[0].Hard != 2048 {
		t.Errorf("nofile = %+v", limits[0])
	}
	if limits[1].Resource != unix.RLIMIT_CORE || limits[1].Soft != unix.RLIM_INFINITY {
		t.Errorf("core = %+v", limits[1])
	}
	if s := formatUlimit(limits); s != "nofile: 1024 2048; core: unlimited unlimited" {
		t.Errorf("formatUlimit() = %q", s)
	}

	if _, err := parseUlimit("bogus: 1 2"); perr.KindOf(err) != perr.InvalidValue {
		t.Errorf("parseUlimit(bogus) = %v", err)
	}
	if _, err := parseUlimit("nofile: 1"); perr.KindOf(err) != perr.InvalidValue {
		t.Errorf("parseUlimit(short) = %v", err)
	}
}

func TestParseCpuSet(t *testing.T) {
	typ, arg, err := parseCpuSet("")
	if err != nil || typ != CpuSetInherit || arg != "" {
		t.Errorf("parseCpuSet(empty) = %v, %q, %v", typ, arg, err)
	}
	typ, arg, err = parseCpuSet("0-3,8")
	if err != nil || typ != CpuSetAbsolute || arg != "0-3,8" {
		t.Errorf("parseCpuSet(list) = %v, %q, %v", typ, arg, err)
	}
	typ, arg, err = parseCpuSet("cores 4")
	if err != nil || typ != CpuSetCores || arg != "4" {
		t.Errorf("parseCpuSet(cores) = %v, %q, %v", typ, arg, err)
	}
	if _, _, err := parseCpuSet("cores four"); perr.KindOf(err) != perr.InvalidValue {
		t.Errorf("parseCpuSet(cores four) = %v", err)
	}
	if _, _, err := parseCpuSet("bogus 4"); perr.KindOf(err) != perr.InvalidValue {
		t.Errorf("parseCpuSet(bogus) = %v", err)
	}
}

package utils

import (
	"reflect"
	"testing"
)

func TestSplitEscaped(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"a; b; c", []string{"a", "b", "c"}},
		{"a\\;b; c", []string{"a;b", "c"}},
		{"  ; ;", nil},
		{"one", []string{"one"}},
	}
	for _, c := range cases {
		if got := SplitEscaped(c.in, ';'); !reflect.DeepEqual(got, c.want) {
			t.Errorf("SplitEscaped(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestMergeEscapedRoundTrip(t *testing.T) {
	items := []string{"a", "b;c", "d\\e"}
	merged := MergeEscaped(items, ';')
	if got := SplitEscaped(merged, ';'); !reflect.DeepEqual(got, items) {
		t.Errorf("round trip of %v via %q = %v", items, merged, got)
	}
}

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"0", 0},
		{"123", 123},
		{"1K", 1024},
		{"10M", 10 << 20},
		{"16GiB", 16 << 30},
		{"1.5G", 3 << 29},
		{"2 T", 2 << 40},
	}
	for _, c := range cases {
		got, err := ParseSize(c.in)
		if err != nil {
			t.Fatalf("ParseSize(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("ParseSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
	for _, in := range []string{"x", "1X", "-1", "1..5G"} {
		if _, err := ParseSize(in); err == nil {
			t.Errorf("ParseSize(%q) succeeded, want error", in)
		}
	}
}

func TestFormatSize(t *testing.T) {
	cases := []struct {
		in   uint64
		want string
	}{
		{0, "0"},
		{1023, "1023"},
		{1024, "1K"},
		{10 << 20, "10M"},
		{16 << 30, "16G"},
		{(10 << 20) + 1, "10485761"},
	}
	for _, c := range cases {
		if got := FormatSize(c.in); got != c.want {
			t.Errorf("FormatSize(%d) = %q, want %q", c.in, got, c.want)
		}
	}
}

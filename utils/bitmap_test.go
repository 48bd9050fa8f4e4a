package utils

import "testing"

func TestBitMapParseFormat(t *testing.T) {
	cases := []struct {
		in     string
		out    string
		weight uint
	}{
		{"", "", 0},
		{"0", "0", 1},
		{"0-3", "0-3", 4},
		{"0-3,8,10-11\n", "0-3,8,10-11", 7},
		{"5,6,7", "5-7", 3},
	}
	for _, c := range cases {
		var b BitMap
		if err := b.Parse(c.in); err != nil {
			t.Fatalf("Parse(%q): %v", c.in, err)
		}
		if got := b.Format(); got != c.out {
			t.Errorf("Format(%q) = %q, want %q", c.in, got, c.out)
		}
		if got := b.Weight(); got != c.weight {
			t.Errorf("Weight(%q) = %d, want %d", c.in, got, c.weight)
		}
	}
}

func TestBitMapParseInvalid(t *testing.T) {
	for _, in := range []string{"x", "1-", "-1", "3-1", "1,,2"} {
		var b BitMap
		if err := b.Parse(in); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", in)
		}
	}
}

func TestBitMapSubset(t *testing.T) {
	var a, b BitMap
	if err := a.Parse("1-3"); err != nil {
		t.Fatal(err)
	}
	if err := b.Parse("0-7"); err != nil {
		t.Fatal(err)
	}
	if !a.IsSubsetOf(&b) {
		t.Error("1-3 should be a subset of 0-7")
	}
	if b.IsSubsetOf(&a) {
		t.Error("0-7 should not be a subset of 1-3")
	}
	a.SetBit(100)
	if a.IsSubsetOf(&b) {
		t.Error("bit beyond the other map must break the subset relation")
	}
}

func TestBitMapSetClear(t *testing.T) {
	var a, b BitMap
	a.SetBit(1)
	a.SetBit(65)
	b.SetMap(&a)
	if !b.Get(1) || !b.Get(65) {
		t.Fatalf("SetMap lost bits: %s", b.Format())
	}
	b.ClearMap(&a)
	if !b.IsEmpty() {
		t.Fatalf("ClearMap left bits: %s", b.Format())
	}
	if !a.IsEqual(a.Copy()) {
		t.Error("copy must equal the source")
	}
}

// Utilities for testing cgroup operations against a mock of the cgroup
// filesystem rooted in a tempdir.
package fs

import (
	"os"
	"path/filepath"
	"testing"
)

// initTestRoot repoints every hierarchy at a tempdir for one test.
func initTestRoot(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := InitTestSubsystems(dir); err != nil {
		t.Fatal(err)
	}
	return dir
}

// testCgroup creates a cgroup directory pre-seeded with knob contents.
func testCgroup(t *testing.T, h *Hierarchy, name string, knobs map[string]string) *Cgroup {
	t.Helper()
	cg := h.Cgroup(name)
	if err := cg.Create(); err != nil {
		t.Fatal(err)
	}
	for file, contents := range knobs {
		if err := writeFile(cg.Path(), file, contents); err != nil {
			t.Fatal(err)
		}
	}
	return cg
}

func knobContents(t *testing.T, cg *Cgroup, file string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(cg.Path(), file))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

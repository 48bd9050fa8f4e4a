package fs

import (
	"testing"

	"github.com/fsl-jyt/porto/perr"
)

func TestMemorySetLimit(t *testing.T) {
	initTestRoot(t)
	cg := testCgroup(t, MemorySubsystem.Hierarchy, "portod/test", nil)

	if err := MemorySubsystem.SetLimit(cg, 512*1024*1024); err != nil {
		t.Fatal(err)
	}
	if v := knobContents(t, cg, "memory.limit_in_bytes"); v != "536870912" {
		t.Errorf("limit_in_bytes = %q", v)
	}
	limit, err := MemorySubsystem.GetLimit(cg)
	if err != nil || limit != 536870912 {
		t.Errorf("GetLimit() = %d, %v", limit, err)
	}

	if err := MemorySubsystem.SetLimit(cg, 0); err != nil {
		t.Fatal(err)
	}
	if v := knobContents(t, cg, "memory.limit_in_bytes"); v != "-1" {
		t.Errorf("unlimited limit_in_bytes = %q", v)
	}
	limit, err = MemorySubsystem.GetLimit(cg)
	if err != nil || limit != 0 {
		t.Errorf("GetLimit() unlimited = %d, %v", limit, err)
	}
}

func TestMemorySoftLimit(t *testing.T) {
	initTestRoot(t)
	cg := testCgroup(t, MemorySubsystem.Hierarchy, "portod/test", nil)
	if err := MemorySubsystem.SetSoftLimit(cg, 1<<20); err != nil {
		t.Fatal(err)
	}
	if v := knobContents(t, cg, "memory.soft_limit_in_bytes"); v != "1048576" {
		t.Errorf("soft_limit_in_bytes = %q", v)
	}
	if err := MemorySubsystem.SetSoftLimit(cg, -1); err != nil {
		t.Fatal(err)
	}
	if v := knobContents(t, cg, "memory.soft_limit_in_bytes"); v != "-1" {
		t.Errorf("soft_limit_in_bytes = %q", v)
	}
}

func TestMemoryGuarantee(t *testing.T) {
	initTestRoot(t)
	cg := testCgroup(t, MemorySubsystem.Hierarchy, "portod/test", nil)

	// the root carries no low_limit knob, guarantees are unsupported
	if MemorySubsystem.SupportGuarantee() {
		t.Fatal("guarantee reported supported without the knob")
	}
	if err := MemorySubsystem.SetGuarantee(cg, 0); err != nil {
		t.Errorf("zero guarantee without support = %v", err)
	}
	if err := MemorySubsystem.SetGuarantee(cg, 1<<20); perr.KindOf(err) != perr.NotSupported {
		t.Errorf("guarantee without support = %v, want NotSupported", err)
	}

	root := MemorySubsystem.RootCgroup()
	if err := writeFile(root.Path(), "memory.low_limit_in_bytes", "0\n"); err != nil {
		t.Fatal(err)
	}
	if !MemorySubsystem.SupportGuarantee() {
		t.Fatal("guarantee reported unsupported with the knob")
	}
	if err := MemorySubsystem.SetGuarantee(cg, 1<<20); err != nil {
		t.Fatal(err)
	}
	if v := knobContents(t, cg, "memory.low_limit_in_bytes"); v != "1048576" {
		t.Errorf("low_limit_in_bytes = %q", v)
	}
}

func TestMemoryAnonLimit(t *testing.T) {
	initTestRoot(t)
	cg := testCgroup(t, MemorySubsystem.Hierarchy, "portod/test", nil)

	if err := MemorySubsystem.SetAnonLimit(cg, 0); err != nil {
		t.Errorf("zero anon limit without support = %v", err)
	}
	if err := MemorySubsystem.SetAnonLimit(cg, 1<<20); perr.KindOf(err) != perr.NotSupported {
		t.Errorf("anon limit without support = %v, want NotSupported", err)
	}

	if err := writeFile(cg.Path(), "memory.anon.limit", "-1\n"); err != nil {
		t.Fatal(err)
	}
	if err := MemorySubsystem.SetAnonLimit(cg, 1<<20); err != nil {
		t.Fatal(err)
	}
	if v := knobContents(t, cg, "memory.anon.limit"); v != "1048576" {
		t.Errorf("anon.limit = %q", v)
	}
	if err := MemorySubsystem.SetAnonLimit(cg, 0); err != nil {
		t.Fatal(err)
	}
	if v := knobContents(t, cg, "memory.anon.limit"); v != "-1" {
		t.Errorf("anon.limit unlimited = %q", v)
	}
}

func TestMemoryStatistics(t *testing.T) {
	initTestRoot(t)
	cg := testCgroup(t, MemorySubsystem.Hierarchy, "portod/test", map[string]string{
		"memory.stat": "cache 512\nrss 1024\nmapped_file 32\n",
	})
	v, err := MemorySubsystem.Statistics(cg, "rss")
	if err != nil || v != 1024 {
		t.Errorf("Statistics(rss) = %d, %v", v, err)
	}
	if _, err := MemorySubsystem.Statistics(cg, "absent"); err == nil {
		t.Error("Statistics() on a missing key did not fail")
	}
}

func TestMemoryOomEvents(t *testing.T) {
	initTestRoot(t)
	cg := testCgroup(t, MemorySubsystem.Hierarchy, "portod/test", map[string]string{
		"memory.oom_control": "oom_kill_disable 0\nunder_oom 0\noom_kill 3\n",
	})
	if n := MemorySubsystem.GetOomEvents(cg); n != 3 {
		t.Errorf("GetOomEvents() = %d, want 3", n)
	}
}

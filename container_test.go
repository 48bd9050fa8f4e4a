package porto

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/fsl-jyt/porto/cgroups"
	"github.com/fsl-jyt/porto/cgroups/fs"
	"github.com/fsl-jyt/porto/system"
)

func TestGetCgroupFreezer(t *testing.T) {
	tree := newTestTree(t)
	mustCreate(t, tree, "a")
	b := mustCreate(t, tree, "a/b")

	cg := b.GetCgroup(fs.FreezerSubsystem.Hierarchy)
	if cg.Name != "portod/a/b" {
		t.Errorf("freezer cgroup = %q", cg.Name)
	}
	root := tree.Root.GetCgroup(fs.FreezerSubsystem.Hierarchy)
	if !root.IsRoot() {
		t.Error("root container not mapped to the hierarchy root")
	}
}

func TestGetCgroupFlattening(t *testing.T) {
	tree := newTestTree(t)
	a := mustCreate(t, tree, "a")
	b := mustCreate(t, tree, "a/b")
	c := mustCreate(t, tree, "a/b/c")

	// only the first level owns the memory controller by default
	if cg := a.GetCgroup(fs.MemorySubsystem.Hierarchy); cg.Name != "portod%a" {
		t.Errorf("memory cgroup of a = %q", cg.Name)
	}
	if cg := b.GetCgroup(fs.MemorySubsystem.Hierarchy); cg.Name != "portod%a" {
		t.Errorf("memory cgroup of b = %q", cg.Name)
	}

	// a deeper owner flattens the non-owning level into the name
	if err := c.EnableControllers(cgroups.Memory); err != nil {
		t.Fatal(err)
	}
	if cg := c.GetCgroup(fs.MemorySubsystem.Hierarchy); cg.Name != "portod%a/b%c" {
		t.Errorf("memory cgroup of c = %q", cg.Name)
	}
}

func TestEnableControllers(t *testing.T) {
	tree := newTestTree(t)
	b := mustCreate(t, tree, "a")
	if err := b.EnableControllers(cgroups.Pids); err != nil {
		t.Fatal(err)
	}
	if b.Controllers&cgroups.Pids == 0 || b.RequiredControllers&cgroups.Pids == 0 {
		t.Error("controller not enabled on stopped container")
	}
}

func TestIsMeta(t *testing.T) {
	tree := newTestTree(t)
	ct := mustCreate(t, tree, "a")
	if !ct.IsMeta() {
		t.Error("container without command is not meta")
	}
	ct.Command = "sleep 1000"
	if ct.IsMeta() {
		t.Error("container with command is meta")
	}
	ct.VirtMode = "meta"
	if !ct.IsMeta() {
		t.Error("virt_mode=meta is not meta")
	}
}

func TestSetStateCounters(t *testing.T) {
	tree := newTestTree(t)
	a := mustCreate(t, tree, "a")
	b := mustCreate(t, tree, "a/b")

	b.SetState(Starting)
	if a.StartingChildren != 1 || tree.Root.StartingChildren != 1 {
		t.Errorf("StartingChildren = %d, %d", a.StartingChildren, tree.Root.StartingChildren)
	}
	b.SetState(Running)
	if a.StartingChildren != 0 || a.RunningChildren != 1 {
		t.Errorf("after running: starting %d running %d", a.StartingChildren, a.RunningChildren)
	}
	b.SetState(Dead)
	if a.RunningChildren != 0 {
		t.Errorf("RunningChildren = %d", a.RunningChildren)
	}
	// setting the same state again is a no-op
	b.SetState(Dead)
	if a.RunningChildren != 0 || a.StartingChildren != 0 {
		t.Error("repeated transition moved the counters")
	}
}

func TestSubtreeOrder(t *testing.T) {
	tree := newTestTree(t)
	a := mustCreate(t, tree, "a")
	mustCreate(t, tree, "a/b")
	mustCreate(t, tree, "a/b/c")

	list := a.Subtree()
	if len(list) != 3 {
		t.Fatalf("Subtree() = %d containers", len(list))
	}
	if list[0].Name != "a/b/c" || list[1].Name != "a/b" || list[2].Name != "a" {
		t.Errorf("Subtree() order = %s, %s, %s", list[0].Name, list[1].Name, list[2].Name)
	}
}

func TestGetUlimitMerge(t *testing.T) {
	tree := newTestTree(t)
	a := mustCreate(t, tree, "a")
	b := mustCreate(t, tree, "a/b")

	a.Ulimit = []system.Rlimit{
		{Resource: unix.RLIMIT_NOFILE, Soft: 1024, Hard: 2048},
		{Resource: unix.RLIMIT_CORE, Soft: 0, Hard: 0},
	}
	b.Ulimit = []system.Rlimit{
		{Resource: unix.RLIMIT_NOFILE, Soft: 4096, Hard: 4096},
	}

	merged := map[int]system.Rlimit{}
	for _, l := range b.GetUlimit() {
		merged[l.Resource] = l
	}
	if len(merged) != 2 {
		t.Fatalf("GetUlimit() = %v", merged)
	}
	if merged[unix.RLIMIT_NOFILE].Soft != 4096 {
		t.Error("own ulimit did not override the parent")
	}
	if merged[unix.RLIMIT_CORE].Hard != 0 {
		t.Error("parent ulimit not inherited")
	}
}

func TestHasPidFor(t *testing.T) {
	tree := newTestTree(t)
	a := mustCreate(t, tree, "a")
	b := mustCreate(t, tree, "a/b")
	c := mustCreate(t, tree, "c")

	// b shares the pid namespace of a when not isolated
	b.Isolate = false
	if !a.HasPidFor(b) {
		t.Error("parent cannot see non-isolated child")
	}
	b.Isolate = true
	if !b.HasPidFor(b) {
		t.Error("container cannot see itself")
	}
	if c.HasPidFor(b) {
		t.Error("sibling sees an isolated container")
	}
}

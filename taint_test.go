package porto

import (
	"strings"
	"testing"

	"github.com/fsl-jyt/porto/cgroups"
	"github.com/fsl-jyt/porto/cgroups/fs"
)

func hasTaint(taints []string, substr string) bool {
	for _, s := range taints {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

func TestTaintClean(t *testing.T) {
	tree := newTestTree(t)
	ct := mustCreate(t, tree, "a")
	if taints := ct.Taint(); len(taints) != 0 {
		t.Errorf("fresh container tainted: %v", taints)
	}
}

func TestTaintGuaranteeAboveLimit(t *testing.T) {
	tree := newTestTree(t)
	ct := mustCreate(t, tree, "a")

	ct.MemLimit = 1 << 20
	ct.MemGuarantee = 2 << 20
	if !hasTaint(ct.Taint(), "memory guarantee is above memory limit") {
		t.Errorf("Taint() = %v", ct.Taint())
	}

	ct.AnonLimit = 2 << 20
	if !hasTaint(ct.Taint(), "anon limit is above memory limit") {
		t.Errorf("Taint() = %v", ct.Taint())
	}

	ct.CpuLimit = fs.CpuPowerPerSec
	ct.CpuGuarantee = 2 * fs.CpuPowerPerSec
	if !hasTaint(ct.Taint(), "cpu guarantee is above cpu limit") {
		t.Errorf("Taint() = %v", ct.Taint())
	}
}

func TestTaintRespawnMeta(t *testing.T) {
	tree := newTestTree(t)
	ct := mustCreate(t, tree, "a")
	ct.AutoRespawn = true
	if !hasTaint(ct.Taint(), "respawn has no effect on meta container") {
		t.Errorf("Taint() = %v", ct.Taint())
	}
	ct.Command = "sleep 1000"
	if hasTaint(ct.Taint(), "respawn") {
		t.Error("respawn taint on non-meta container")
	}
}

func TestTaintOomWithoutMemory(t *testing.T) {
	tree := newTestTree(t)
	mustCreate(t, tree, "a")
	b := mustCreate(t, tree, "a/b")

	// second-level containers carry only the freezer by default
	if b.Controllers&cgroups.Memory != 0 {
		t.Fatal("unexpected memory controller")
	}
	if !hasTaint(b.Taint(), "oom detection without memory controller") {
		t.Errorf("Taint() = %v", b.Taint())
	}
	b.OomIsFatal = false
	if hasTaint(b.Taint(), "oom detection") {
		t.Error("oom taint with oom_is_fatal=false")
	}
}

func TestTaintParentMemLimit(t *testing.T) {
	tree := newTestTree(t)
	a := mustCreate(t, tree, "a")
	b := mustCreate(t, tree, "a/b")

	a.MemLimit = 1 << 20
	b.MemGuarantee = 2 << 20
	if !hasTaint(b.Taint(), "memory guarantee is above parent memory limit") {
		t.Errorf("Taint() = %v", b.Taint())
	}
}

func TestTaintProperty(t *testing.T) {
	tree := newTestTree(t)
	ct := mustCreate(t, tree, "a")
	ct.AutoRespawn = true
	v, err := ct.GetProperty("taint")
	if err != nil || !strings.Contains(v, "respawn has no effect") {
		t.Errorf("taint property = %q, %v", v, err)
	}
}

package porto

import (
	"testing"

	"github.com/fsl-jyt/porto/perr"
)

func TestSetGetProperty(t *testing.T) {
	tree := newTestTree(t)
	ct := mustCreate(t, tree, "a")

	if err := ct.SetProperty("command", "sleep 1000"); err != nil {
		t.Fatal(err)
	}
	v, err := ct.GetProperty("command")
	if err != nil || v != "sleep 1000" {
		t.Errorf("command = %q, %v", v, err)
	}
	if !ct.HasProp(PropCommand) {
		t.Error("command property not marked set")
	}

	if err := ct.SetProperty("memory_limit", "512M"); err != nil {
		t.Fatal(err)
	}
	if ct.MemLimit != 512<<20 {
		t.Errorf("MemLimit = %d", ct.MemLimit)
	}
}

func TestSetPropertyRoot(t *testing.T) {
	tree := newTestTree(t)
	err := tree.Root.SetProperty("command", "true")
	if perr.KindOf(err) != perr.Permission {
		t.Errorf("SetProperty(root) = %v, want Permission", err)
	}
}

func TestSetPropertyUnknown(t *testing.T) {
	tree := newTestTree(t)
	ct := mustCreate(t, tree, "a")
	if err := ct.SetProperty("bogus", "1"); perr.KindOf(err) != perr.InvalidProperty {
		t.Errorf("SetProperty(bogus) = %v", err)
	}
	if _, err := ct.GetProperty("bogus"); perr.KindOf(err) != perr.InvalidProperty {
		t.Errorf("GetProperty(bogus) = %v", err)
	}
}

func TestSetPropertyReadOnly(t *testing.T) {
	tree := newTestTree(t)
	ct := mustCreate(t, tree, "a")
	if err := ct.SetProperty("exit_status", "1"); perr.KindOf(err) != perr.InvalidProperty {
		t.Errorf("SetProperty(exit_status) = %v", err)
	}
	if err := ct.SetProperty("state", "dead"); perr.KindOf(err) != perr.InvalidProperty {
		t.Errorf("SetProperty(state) = %v", err)
	}
}

func TestSetPropertyBadValue(t *testing.T) {
	tree := newTestTree(t)
	ct := mustCreate(t, tree, "a")
	if err := ct.SetProperty("memory_limit", "lots"); perr.KindOf(err) != perr.InvalidValue {
		t.Errorf("SetProperty(bad size) = %v", err)
	}
	if ct.HasProp(PropMemLimit) {
		t.Error("failed set marked the property")
	}
	if err := ct.SetProperty("virt_mode", "vm"); perr.KindOf(err) != perr.InvalidValue {
		t.Errorf("SetProperty(bad virt mode) = %v", err)
	}
}

func TestEnvIndexed(t *testing.T) {
	tree := newTestTree(t)
	ct := mustCreate(t, tree, "a")

	if err := ct.SetProperty("env", "A=1; B=2"); err != nil {
		t.Fatal(err)
	}
	if err := ct.SetProperty("env[B]", "3"); err != nil {
		t.Fatal(err)
	}
	if err := ct.SetProperty("env[C]", "4"); err != nil {
		t.Fatal(err)
	}
	v, err := ct.GetProperty("env[B]")
	if err != nil || v != "3" {
		t.Errorf("env[B] = %q, %v", v, err)
	}
	v, err = ct.GetProperty("env")
	if err != nil || v != "A=1; B=3; C=4" {
		t.Errorf("env = %q, %v", v, err)
	}
	if _, err := ct.GetProperty("env[D]"); perr.KindOf(err) != perr.InvalidValue {
		t.Errorf("env[D] = %v", err)
	}
	if err := ct.SetProperty("env", "PLAIN"); perr.KindOf(err) != perr.InvalidValue {
		t.Errorf("env without '=' = %v", err)
	}
}

func TestPropertyNotIndexed(t *testing.T) {
	tree := newTestTree(t)
	ct := mustCreate(t, tree, "a")
	if err := ct.SetProperty("command[x]", "1"); perr.KindOf(err) != perr.InvalidProperty {
		t.Errorf("SetProperty(command[x]) = %v", err)
	}
}

func TestControllersIndexed(t *testing.T) {
	tree := newTestTree(t)
	ct := mustCreate(t, tree, "a")

	v, err := ct.GetProperty("controllers[freezer]")
	if err != nil || v != "true" {
		t.Errorf("controllers[freezer] = %q, %v", v, err)
	}
	if err := ct.SetProperty("controllers[freezer]", "false"); perr.KindOf(err) != perr.InvalidValue {
		t.Errorf("disabling freezer = %v", err)
	}
}

func TestRuntimeOnlyProperty(t *testing.T) {
	tree := newTestTree(t)
	ct := mustCreate(t, tree, "a")
	if _, err := ct.GetProperty("root_pid"); perr.KindOf(err) != perr.InvalidState {
		t.Errorf("root_pid in stopped state = %v", err)
	}
}

func TestReadOnlyGetters(t *testing.T) {
	tree := newTestTree(t)
	ct := mustCreate(t, tree, "a")

	if v, err := ct.GetProperty("id"); err != nil || v == "" {
		t.Errorf("id = %q, %v", v, err)
	}
	if v, err := ct.GetProperty("name"); err != nil || v != "a" {
		t.Errorf("name = %q, %v", v, err)
	}
	if v, err := ct.GetProperty("level"); err != nil || v != "1" {
		t.Errorf("level = %q, %v", v, err)
	}
	if v, err := ct.GetProperty("state"); err != nil || v != "stopped" {
		t.Errorf("state = %q, %v", v, err)
	}
	if _, err := ct.GetProperty("exit_status"); perr.KindOf(err) != perr.NoValue {
		t.Errorf("exit_status before exit = %v", err)
	}
}

func TestKnobPropertyStopped(t *testing.T) {
	tree := newTestTree(t)
	ct := mustCreate(t, tree, "a")
	if _, err := ct.GetProperty("memory.stat"); perr.KindOf(err) != perr.InvalidState {
		t.Errorf("cgroup knob in stopped state = %v", err)
	}
}

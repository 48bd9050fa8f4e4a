package porto

import (
	"testing"

	"github.com/fsl-jyt/porto/kv"
)

func TestSaveRestoreRoundtrip(t *testing.T) {
	tree := newTestTree(t)
	a := mustCreate(t, tree, "a")
	b := mustCreate(t, tree, "a/b")

	if err := a.SetProperty("command", "sleep 1000"); err != nil {
		t.Fatal(err)
	}
	if err := a.SetProperty("memory_limit", "512M"); err != nil {
		t.Fatal(err)
	}
	if err := a.SetProperty("env", "A=1; B=2"); err != nil {
		t.Fatal(err)
	}
	if err := a.SetProperty("respawn", "true"); err != nil {
		t.Fatal(err)
	}
	if err := b.SetLabel("TEST.x", "42"); err != nil {
		t.Fatal(err)
	}

	restored := NewTree(tree.Store)
	restored.RestoreAll()

	ra, err := restored.Find("a")
	if err != nil {
		t.Fatal(err)
	}
	if ra.Id != a.Id {
		t.Errorf("restored id = %d, want %d", ra.Id, a.Id)
	}
	if ra.Command != "sleep 1000" || ra.MemLimit != 512<<20 || !ra.AutoRespawn {
		t.Errorf("restored: command %q limit %d respawn %v", ra.Command, ra.MemLimit, ra.AutoRespawn)
	}
	if len(ra.Env) != 2 || ra.Env[0] != "A=1" {
		t.Errorf("restored env = %v", ra.Env)
	}
	if ra.State() != Stopped {
		t.Errorf("restored state = %v", ra.State())
	}

	rb, err := restored.Find("a/b")
	if err != nil {
		t.Fatal(err)
	}
	if rb.Parent != ra {
		t.Error("restored child not linked to restored parent")
	}
	if v, err := rb.GetLabel("TEST.x"); err != nil || v != "42" {
		t.Errorf("restored label = %q, %v", v, err)
	}

	if restored.Stats.ContainersRestored != 2 || restored.Stats.RestoreFailed != 0 {
		t.Errorf("stats = %+v", restored.Stats)
	}
}

func TestRestoreOrphanDropped(t *testing.T) {
	tree := newTestTree(t)
	if err := tree.Store.Save(50, []kv.Record{
		{Key: "name", Value: "ghost/x"},
		{Key: "command", Value: "true"},
	}); err != nil {
		t.Fatal(err)
	}

	restored := NewTree(tree.Store)
	restored.RestoreAll()

	if restored.Stats.RestoreFailed != 1 {
		t.Errorf("RestoreFailed = %d", restored.Stats.RestoreFailed)
	}
	// a failed record must not resurface on the next restart
	ids, err := tree.Store.List()
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range ids {
		if id == 50 {
			t.Error("orphan record kept in the store")
		}
	}
}

func TestRestoreNamelessDropped(t *testing.T) {
	tree := newTestTree(t)
	if err := tree.Store.Save(60, []kv.Record{{Key: "command", Value: "true"}}); err != nil {
		t.Fatal(err)
	}
	restored := NewTree(tree.Store)
	restored.RestoreAll()
	if restored.Stats.RestoreFailed != 1 {
		t.Errorf("RestoreFailed = %d", restored.Stats.RestoreFailed)
	}
}

func TestRestoreUnknownKeySkipped(t *testing.T) {
	tree := newTestTree(t)
	if err := tree.Store.Save(70, []kv.Record{
		{Key: "name", Value: "a"},
		{Key: "command", Value: "true"},
		{Key: "flux_capacitor", Value: "1.21"},
	}); err != nil {
		t.Fatal(err)
	}
	restored := NewTree(tree.Store)
	restored.RestoreAll()
	ct, err := restored.Find("a")
	if err != nil {
		t.Fatal(err)
	}
	if ct.Command != "true" {
		t.Errorf("command = %q", ct.Command)
	}
}

func TestRestoreDeadState(t *testing.T) {
	tree := newTestTree(t)
	if err := tree.Store.Save(80, []kv.Record{
		{Key: "name", Value: "a"},
		{Key: "command", Value: "sleep 1000"},
		{Key: "state", Value: "dead"},
		{Key: "exit_status", Value: "9"},
		{Key: "oom_killed", Value: "true"},
		{Key: "death_time", Value: "2026-08-06 10:00:00"},
	}); err != nil {
		t.Fatal(err)
	}
	restored := NewTree(tree.Store)
	restored.RestoreAll()
	ct, err := restored.Find("a")
	if err != nil {
		t.Fatal(err)
	}
	if ct.State() != Dead {
		t.Errorf("state = %v", ct.State())
	}
	if ct.ExitStatus != 9 || !ct.OomKilled {
		t.Errorf("exit status %d oom %v", ct.ExitStatus, ct.OomKilled)
	}
	if ct.DeathTime.IsZero() {
		t.Error("death time not restored")
	}
}

func TestRestoreInterruptedStart(t *testing.T) {
	tree := newTestTree(t)
	if err := tree.Store.Save(90, []kv.Record{
		{Key: "name", Value: "a"},
		{Key: "command", Value: "sleep 1000"},
		{Key: "state", Value: "starting"},
	}); err != nil {
		t.Fatal(err)
	}
	restored := NewTree(tree.Store)
	restored.RestoreAll()
	ct, err := restored.Find("a")
	if err != nil {
		t.Fatal(err)
	}
	if ct.State() != Dead {
		t.Errorf("interrupted start restored as %v, want dead", ct.State())
	}
	if ct.DeathTime.IsZero() {
		t.Error("death time not set for interrupted start")
	}
}

func TestRestoreLostCgroup(t *testing.T) {
	tree := newTestTree(t)
	if err := tree.Store.Save(95, []kv.Record{
		{Key: "name", Value: "a"},
		{Key: "state", Value: "meta"},
	}); err != nil {
		t.Fatal(err)
	}
	restored := NewTree(tree.Store)
	restored.RestoreAll()
	ct, err := restored.Find("a")
	if err != nil {
		t.Fatal(err)
	}
	// the freezer cgroup is gone, the container fell back to stopped
	if ct.State() != Stopped {
		t.Errorf("state = %v", ct.State())
	}
}

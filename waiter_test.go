package porto

import (
	"testing"
	"time"

	"github.com/fsl-jyt/porto/perr"
)

func TestWaitStateChange(t *testing.T) {
	tree := newTestTree(t)
	ct := mustCreate(t, tree, "a")

	w := tree.NewWaiter(false)
	w.Targets = []string{"a"}
	w.Activate()

	ct.SetState(Dead)
	ev, err := w.Wait(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Name != "a" || ev.State != "dead" {
		t.Errorf("event = %+v", ev)
	}

	// a synchronous waiter detaches after the first event
	ct.SetState(Stopped)
	if _, err := w.Wait(0); perr.KindOf(err) != perr.Busy {
		t.Errorf("second wait on sync waiter = %v, want Busy", err)
	}
}

func TestWaitTransientStatesSilent(t *testing.T) {
	tree := newTestTree(t)
	ct := mustCreate(t, tree, "a")

	w := tree.NewWaiter(true)
	w.Targets = []string{"a"}
	w.Activate()
	defer w.Deactivate()

	ct.SetState(Starting)
	ct.SetState(Stopping)
	if _, err := w.Wait(0); perr.KindOf(err) != perr.Busy {
		t.Error("transient states woke the waiter")
	}
	ct.SetState(Dead)
	ev, err := w.Wait(time.Second)
	if err != nil || ev.State != "dead" {
		t.Errorf("event = %+v, %v", ev, err)
	}
}

func TestWaitMissingTarget(t *testing.T) {
	tree := newTestTree(t)
	w := tree.NewWaiter(false)
	w.Targets = []string{"ghost"}
	w.Activate()

	ev, err := w.Wait(0)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Name != "ghost" || ev.State != "destroyed" {
		t.Errorf("event = %+v", ev)
	}
}

func TestWaitWildcard(t *testing.T) {
	tree := newTestTree(t)
	mustCreate(t, tree, "a")
	b := mustCreate(t, tree, "a/b")
	c := mustCreate(t, tree, "c")

	w := tree.NewWaiter(true)
	w.Wildcards = []string{"a/*"}
	w.Activate()
	defer w.Deactivate()

	c.SetState(Dead)
	if _, err := w.Wait(0); perr.KindOf(err) != perr.Busy {
		t.Error("non-matching container woke the waiter")
	}
	b.SetState(Dead)
	ev, err := w.Wait(time.Second)
	if err != nil || ev.Name != "a/b" {
		t.Errorf("event = %+v, %v", ev, err)
	}
}

func TestWaitLabels(t *testing.T) {
	tree := newTestTree(t)
	ct := mustCreate(t, tree, "a")

	w := tree.NewWaiter(true)
	w.Targets = []string{"a"}
	w.Labels = []string{"TEST.*"}
	w.Activate()
	defer w.Deactivate()

	other := tree.NewWaiter(true)
	other.Targets = []string{"a"}
	other.Labels = []string{"OTHER.*"}
	other.Activate()
	defer other.Deactivate()

	if err := ct.SetLabel("TEST.progress", "50"); err != nil {
		t.Fatal(err)
	}
	ev, err := w.Wait(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Label != "TEST.progress" || ev.Value != "50" {
		t.Errorf("event = %+v", ev)
	}
	if _, err := other.Wait(0); perr.KindOf(err) != perr.Busy {
		t.Error("label event reached a waiter with another pattern")
	}
}

func TestWaitTimeout(t *testing.T) {
	tree := newTestTree(t)
	mustCreate(t, tree, "a")

	w := tree.NewWaiter(false)
	w.Targets = []string{"a"}
	w.Activate()
	defer w.Deactivate()

	start := time.Now()
	if _, err := w.Wait(10 * time.Millisecond); perr.KindOf(err) != perr.Busy {
		t.Errorf("Wait() = %v, want Busy", err)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout took too long")
	}
}

func TestWaitDestroy(t *testing.T) {
	tree := newTestTree(t)
	ct := mustCreate(t, tree, "a")

	w := tree.NewWaiter(false)
	w.Targets = []string{"a"}
	w.Activate()

	if err := ct.LockWrite(); err != nil {
		t.Fatal(err)
	}
	if err := ct.Destroy(); err != nil {
		t.Fatal(err)
	}
	ct.Unlock()

	ev, err := w.Wait(time.Second)
	if err != nil || ev.State != "destroyed" {
		t.Errorf("event = %+v, %v", ev, err)
	}
}

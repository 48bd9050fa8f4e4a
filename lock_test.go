package porto

import (
	"testing"
	"time"

	"github.com/fsl-jyt/porto/perr"
)

func TestReadLockShared(t *testing.T) {
	tree := newTestTree(t)
	ct := mustCreate(t, tree, "a")

	if err := ct.LockRead(); err != nil {
		t.Fatal(err)
	}
	if err := ct.LockRead(); err != nil {
		t.Fatal(err)
	}
	ct.Unlock()
	ct.Unlock()
}

func TestWriteLockExclusive(t *testing.T) {
	tree := newTestTree(t)
	ct := mustCreate(t, tree, "a")

	if err := ct.LockWrite(); err != nil {
		t.Fatal(err)
	}
	if err := ct.TryLockWrite(); perr.KindOf(err) != perr.Busy {
		t.Errorf("second write lock = %v, want Busy", err)
	}
	ct.Unlock()
	if err := ct.TryLockWrite(); err != nil {
		t.Fatal(err)
	}
	ct.Unlock()
}

func TestLockBlocksSubtree(t *testing.T) {
	tree := newTestTree(t)
	a := mustCreate(t, tree, "a")
	b := mustCreate(t, tree, "a/b")

	if err := b.LockRead(); err != nil {
		t.Fatal(err)
	}
	// a child read lock keeps writers out of every ancestor
	if err := a.TryLockWrite(); perr.KindOf(err) != perr.Busy {
		t.Errorf("parent write lock under child reader = %v, want Busy", err)
	}
	if err := tree.Root.TryLockWrite(); perr.KindOf(err) != perr.Busy {
		t.Errorf("root write lock under child reader = %v, want Busy", err)
	}
	b.Unlock()

	if err := a.LockWrite(); err != nil {
		t.Fatal(err)
	}
	// a held ancestor blocks both modes below
	done := make(chan error, 1)
	go func() {
		err := b.LockRead()
		if err == nil {
			b.Unlock()
		}
		done <- err
	}()
	select {
	case <-done:
		t.Fatal("child lock went through under a write-locked parent")
	case <-time.After(50 * time.Millisecond):
	}
	a.Unlock()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestDowngradeUpgrade(t *testing.T) {
	tree := newTestTree(t)
	ct := mustCreate(t, tree, "a")

	if err := ct.LockWrite(); err != nil {
		t.Fatal(err)
	}
	ct.DowngradeLock()
	// readers may join a downgraded lock
	if err := ct.LockRead(); err != nil {
		t.Fatal(err)
	}
	ct.Unlock()
	ct.UpgradeLock()
	if err := ct.TryLockWrite(); perr.KindOf(err) != perr.Busy {
		t.Errorf("lock after upgrade = %v, want Busy", err)
	}
	ct.Unlock()
}

func TestLockDestroyed(t *testing.T) {
	tree := newTestTree(t)
	ct := mustCreate(t, tree, "a")
	if err := ct.LockWrite(); err != nil {
		t.Fatal(err)
	}
	if err := ct.Destroy(); err != nil {
		t.Fatal(err)
	}
	ct.Unlock()
	if err := ct.LockRead(); perr.KindOf(err) != perr.ContainerDoesNotExist {
		t.Errorf("lock of destroyed container = %v", err)
	}
}

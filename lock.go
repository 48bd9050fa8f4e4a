package porto

import (
	"github.com/sirupsen/logrus"

	"github.com/fsl-jyt/porto/perr"
)

// The lock manager serializes operations over subtrees. One mutex and
// one condvar in the Tree cover all nodes; each node carries its own
// counters: locked (positive = readers, -1 = writer), pendingWrite
// blocks new readers while a writer waits, and subtreeRead/subtreeWrite
// count locks held somewhere below on every ancestor.

// lockLocked acquires the node with the tree mutex already held.
func (t *Tree) lockLocked(c *Container, forRead, try bool) error {
	op := "Lock"
	if try {
		op = "TryLock"
	}
	mode := "write"
	if forRead {
		mode = "read"
	}
	logrus.Debugf("%s %s CT%d:%s", op, mode, c.Id, c.Name)

	for {
		if c.state == Destroyed {
			logrus.Debugf("Lock failed, CT%d:%s was destroyed", c.Id, c.Name)
			return perr.New(perr.ContainerDoesNotExist, "container was destroyed")
		}
		var busy bool
		if forRead {
			busy = c.locked < 0 || c.pendingWrite || c.subtreeWrite != 0
		} else {
			busy = c.locked != 0 || c.subtreeRead != 0 || c.subtreeWrite != 0
		}
		for p := c.Parent; !busy && p != nil; p = p.Parent {
			if forRead {
				busy = p.pendingWrite || p.locked < 0
			} else {
				busy = p.pendingWrite || p.locked != 0
			}
		}
		if !busy {
			break
		}
		if try {
			logrus.Debugf("TryLock %s failed CT%d:%s", mode, c.Id, c.Name)
			return perr.New(perr.Busy, "container is busy: "+c.Name)
		}
		if !forRead {
			c.pendingWrite = true
		}
		t.cond.Wait()
	}
	c.pendingWrite = false
	if forRead {
		c.locked++
	} else {
		c.locked--
	}
	for p := c.Parent; p != nil; p = p.Parent {
		if forRead {
			p.subtreeRead++
		} else {
			p.subtreeWrite++
		}
	}
	return nil
}

func (t *Tree) unlockLocked(c *Container) {
	mode := "write"
	if c.locked > 0 {
		mode = "read"
	}
	logrus.Debugf("Unlock %s CT%d:%s", mode, c.Id, c.Name)
	for p := c.Parent; p != nil; p = p.Parent {
		if c.locked > 0 {
			p.subtreeRead--
		} else {
			p.subtreeWrite--
		}
	}
	if c.locked > 0 {
		c.locked--
	} else {
		c.locked++
	}
	// not the fairest scheme but a simple one
	t.cond.Broadcast()
}

// LockRead takes a shared lock on the subtree.
func (c *Container) LockRead() error {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	return c.tree.lockLocked(c, true, false)
}

// LockWrite takes the exclusive lock on the subtree.
func (c *Container) LockWrite() error {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	return c.tree.lockLocked(c, false, false)
}

// TryLockWrite fails with Busy instead of waiting.
func (c *Container) TryLockWrite() error {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	return c.tree.lockLocked(c, false, true)
}

func (c *Container) Unlock() {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	c.tree.unlockLocked(c)
}

// DowngradeLock converts the held write lock into a read lock without a
// window for other writers.
func (c *Container) DowngradeLock() {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	logrus.Debugf("Downgrading write to read CT%d:%s", c.Id, c.Name)
	for p := c.Parent; p != nil; p = p.Parent {
		p.subtreeRead++
		p.subtreeWrite--
	}
	c.locked = 1
	c.tree.cond.Broadcast()
}

// UpgradeLock converts the held read lock back into a write lock,
// waiting out the other readers.
func (c *Container) UpgradeLock() {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	logrus.Debugf("Upgrading read back to write CT%d:%s", c.Id, c.Name)
	c.pendingWrite = true
	for p := c.Parent; p != nil; p = p.Parent {
		p.subtreeRead--
		p.subtreeWrite++
	}
	for c.locked != 1 {
		c.tree.cond.Wait()
	}
	c.locked = -1
	c.pendingWrite = false
}

// DumpLocks logs every node with lock state, for debugging stalls.
func (t *Tree) DumpLocks() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ct := range t.containers {
		if ct.locked != 0 || ct.pendingWrite || ct.subtreeRead != 0 || ct.subtreeWrite != 0 {
			logrus.Infof("CT%d:%s Locked %d Read %d Write %d PendingWrite %v",
				ct.Id, ct.Name, ct.locked, ct.subtreeRead, ct.subtreeWrite, ct.pendingWrite)
		}
	}
}

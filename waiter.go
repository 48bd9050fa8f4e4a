package porto

import (
	"path"
	"time"

	"github.com/fsl-jyt/porto/perr"
)

// WaitEvent is one wakeup delivered to a waiter: a container reached a
// non-transient state or changed a watched label.
type WaitEvent struct {
	Name  string
	State string
	When  time.Time
	Label string
	Value string
}

// waiterBacklog bounds the async event buffer, the oldest event is
// dropped on overflow.
const waiterBacklog = 128

// Waiter follows a set of containers. Exact targets attach the waiter to
// the container nodes, wildcard patterns are matched against the name of
// every reported container. A synchronous waiter detaches after the
// first event, an async one stays until deactivated.
type Waiter struct {
	tree *Tree

	Targets   []string
	Wildcards []string
	Labels    []string
	Async     bool

	// guarded by tree.waitMu
	active bool
	ch     chan WaitEvent
}

// NewWaiter builds an inactive waiter, Activate arms it.
func (t *Tree) NewWaiter(async bool) *Waiter {
	return &Waiter{
		tree:  t,
		Async: async,
		ch:    make(chan WaitEvent, waiterBacklog),
	}
}

// Activate attaches the waiter to its targets. A target that does not
// resolve produces an immediate destroyed event, so the caller never
// blocks on a container that is already gone.
func (w *Waiter) Activate() {
	t := w.tree
	var found []*Container
	var missing []string
	for _, name := range w.Targets {
		ct, err := t.Find(name)
		if err != nil {
			missing = append(missing, name)
			continue
		}
		found = append(found, ct)
	}

	t.waitMu.Lock()
	w.active = true
	for _, ct := range found {
		ct.waiters = append(ct.waiters, w)
	}
	if len(w.Wildcards) > 0 {
		t.wildcardWaiters = append(t.wildcardWaiters, w)
	}
	for _, name := range missing {
		if !w.deliverLocked(WaitEvent{Name: name, State: "destroyed", When: time.Now()}) {
			break
		}
	}
	t.waitMu.Unlock()
}

// Deactivate stops delivery. Pointers left in container lists are swept
// out at the next notification.
func (w *Waiter) Deactivate() {
	t := w.tree
	t.waitMu.Lock()
	w.active = false
	for i, reg := range t.wildcardWaiters {
		if reg == w {
			t.wildcardWaiters = append(t.wildcardWaiters[:i], t.wildcardWaiters[i+1:]...)
			break
		}
	}
	t.waitMu.Unlock()
}

// Wait blocks for the next event. A negative timeout waits forever, zero
// polls, otherwise the wait gives up after the timeout.
func (w *Waiter) Wait(timeout time.Duration) (WaitEvent, error) {
	if timeout < 0 {
		return <-w.ch, nil
	}
	if timeout == 0 {
		select {
		case ev := <-w.ch:
			return ev, nil
		default:
			return WaitEvent{}, perr.New(perr.Busy, "wait timed out")
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-w.ch:
		return ev, nil
	case <-timer.C:
		return WaitEvent{}, perr.New(perr.Busy, "wait timed out")
	}
}

// matchWildcard checks the container name against the waiter patterns,
// component-wise as in path globbing.
func (w *Waiter) matchWildcard(name string) bool {
	for _, pattern := range w.Wildcards {
		if ok, err := path.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// matchLabel checks a label key against the waiter label patterns.
func (w *Waiter) matchLabel(key string) bool {
	for _, pattern := range w.Labels {
		if ok, err := path.Match(pattern, key); err == nil && ok {
			return true
		}
	}
	return false
}

// deliverLocked pushes the event and reports whether the waiter stays
// attached. The caller holds waitMu.
func (w *Waiter) deliverLocked(ev WaitEvent) bool {
	if !w.active {
		return false
	}
	select {
	case w.ch <- ev:
	default:
		// backlog full, drop the oldest event
		select {
		case <-w.ch:
		default:
		}
		select {
		case w.ch <- ev:
		default:
		}
	}
	if !w.Async {
		w.active = false
		return false
	}
	return true
}

// deliverWaitEvent fans one event out to the attached and matching
// wildcard waiters, sweeping dead entries on the way. Safe with or
// without the tree mutex held.
func (c *Container) deliverWaitEvent(ev WaitEvent, labeled bool) {
	t := c.tree
	t.waitMu.Lock()
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if labeled && !w.matchLabel(ev.Label) {
			if w.active {
				kept = append(kept, w)
			}
			continue
		}
		if w.deliverLocked(ev) {
			kept = append(kept, w)
		}
	}
	c.waiters = kept

	wild := t.wildcardWaiters[:0]
	for _, w := range t.wildcardWaiters {
		if !w.matchWildcard(ev.Name) || (labeled && !w.matchLabel(ev.Label)) {
			if w.active {
				wild = append(wild, w)
			}
			continue
		}
		if w.deliverLocked(ev) {
			wild = append(wild, w)
		}
	}
	t.wildcardWaiters = wild
	t.waitMu.Unlock()
}

// notifyWaiters reports the current state of the container to everyone
// watching it.
func (c *Container) notifyWaiters() {
	c.deliverWaitEvent(WaitEvent{
		Name:  c.Name,
		State: c.state.String(),
		When:  time.Now(),
	}, false)
}

// notifyLabelWaiters reports a label change to waiters that asked for
// label wakeups.
func (c *Container) notifyLabelWaiters(key, value string) {
	c.deliverWaitEvent(WaitEvent{
		Name:  c.Name,
		State: c.state.String(),
		When:  time.Now(),
		Label: key,
		Value: value,
	}, true)
}

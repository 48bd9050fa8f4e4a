package porto

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/fsl-jyt/porto/config"
	"github.com/fsl-jyt/porto/system"
)

type exitEvent struct {
	pid    int
	status int
}

// EventQueue drives the asynchronous side of the daemon: task exits
// coming from the reaper, OOM notifications over eventfds, respawn
// timers, stdio log rotation and aging of dead containers.
type EventQueue struct {
	tree  *Tree
	epoll *system.Epoll

	mu      sync.Mutex
	oomFds  map[int]*Container
	stopped bool

	exits chan exitEvent
	stop  chan struct{}
	wg    sync.WaitGroup
}

// NewEventQueue builds the queue, Start launches its loops.
func NewEventQueue(tree *Tree) (*EventQueue, error) {
	epoll, err := system.NewEpoll()
	if err != nil {
		return nil, err
	}
	q := &EventQueue{
		tree:   tree,
		epoll:  epoll,
		oomFds: make(map[int]*Container),
		exits:  make(chan exitEvent, 256),
		stop:   make(chan struct{}),
	}
	tree.Queue = q
	return q, nil
}

// Start launches the exit, oom and housekeeping loops.
func (q *EventQueue) Start() {
	q.wg.Add(3)
	go q.exitLoop()
	go q.oomLoop()
	go q.gcLoop()
}

// Stop terminates the loops and closes the epoll set. Armed OOM fds stay
// open, they belong to their containers.
func (q *EventQueue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()
	close(q.stop)
	q.wg.Wait()
	q.epoll.Close()
}

// ReportExit hands a reaped wait status to the queue. Called from the
// per-task reaper goroutines.
func (q *EventQueue) ReportExit(pid, status int) {
	select {
	case q.exits <- exitEvent{pid: pid, status: status}:
	case <-q.stop:
	}
}

func (q *EventQueue) exitLoop() {
	defer q.wg.Done()
	for {
		select {
		case ev := <-q.exits:
			q.handleExit(ev.pid, ev.status)
		case <-q.stop:
			return
		}
	}
}

// findByWaitTask maps a reaped pid back onto its container.
func (t *Tree) findByWaitTask(pid int) *Container {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ct := range t.containers {
		if ct.WaitTask == pid && ct.WaitTask != 0 {
			return ct
		}
	}
	return nil
}

func (q *EventQueue) handleExit(pid, status int) {
	ct := q.tree.findByWaitTask(pid)
	if ct == nil {
		logrus.Debugf("Exit of alien task %d status %#x", pid, status)
		return
	}
	if err := ct.LockWrite(); err != nil {
		return
	}
	defer ct.Unlock()
	if ct.WaitTask != pid {
		return
	}
	logrus.Infof("Exit of CT%d:%s task %d status %#x", ct.Id, ct.Name, pid, status)
	if err := ct.Exit(status, false); err != nil {
		logrus.Warnf("Cannot handle exit of CT%d:%s: %v", ct.Id, ct.Name, err)
	}
}

// AddOomSource arms an eventfd for the container in the epoll set.
func (q *EventQueue) AddOomSource(ct *Container, fd int) {
	q.mu.Lock()
	q.oomFds[fd] = ct
	q.mu.Unlock()
	if err := q.epoll.Add(fd); err != nil {
		logrus.Warnf("Cannot watch OOM fd of CT%d:%s: %v", ct.Id, ct.Name, err)
	}
}

// RemoveOomSource drops the eventfd before the owner closes it.
func (q *EventQueue) RemoveOomSource(fd int) {
	q.mu.Lock()
	delete(q.oomFds, fd)
	q.mu.Unlock()
	if err := q.epoll.Remove(fd); err != nil {
		logrus.Warnf("Cannot unwatch OOM fd %d: %v", fd, err)
	}
}

func (q *EventQueue) oomLoop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		default:
		}
		fds, err := q.epoll.Wait(1000)
		if err != nil {
			logrus.Errorf("OOM loop: %v", err)
			return
		}
		for _, fd := range fds {
			q.mu.Lock()
			ct := q.oomFds[fd]
			q.mu.Unlock()
			if ct != nil {
				q.handleOom(ct)
			}
		}
	}
}

// handleOom drains the notification. A fatal OOM kills the container as
// if the kernel delivered SIGKILL to the root task.
func (q *EventQueue) handleOom(ct *Container) {
	if err := ct.LockWrite(); err != nil {
		return
	}
	defer ct.Unlock()
	if !ct.RecvOomEvents() {
		return
	}
	if !ct.OomIsFatal {
		return
	}
	switch ct.state {
	case Running, Meta, Starting:
		if err := ct.Exit(int(unix.SIGKILL), true); err != nil {
			logrus.Warnf("Cannot kill CT%d:%s after OOM: %v", ct.Id, ct.Name, err)
		}
	}
}

// ScheduleRespawn arms a one-shot timer that restarts the dead container
// after its respawn delay.
func (q *EventQueue) ScheduleRespawn(ct *Container) {
	delay := ct.RespawnDelay
	time.AfterFunc(delay, func() {
		if err := ct.LockWrite(); err != nil {
			return
		}
		defer ct.Unlock()
		if ct.state != Dead || !ct.AutoRespawn {
			return
		}
		if err := ct.Respawn(); err != nil {
			logrus.Warnf("Cannot respawn CT%d:%s: %v", ct.Id, ct.Name, err)
		}
	})
}

// seizePollInterval paces the liveness polls of seized tasks, restored
// tasks the daemon cannot wait on.
const seizePollInterval = 5 * time.Second

func (q *EventQueue) gcLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(config.Get().RotateLogsPeriod)
	defer ticker.Stop()
	seize := time.NewTicker(seizePollInterval)
	defer seize.Stop()
	for {
		select {
		case <-ticker.C:
			q.rotateLogs()
			q.destroyAged()
		case <-seize.C:
			q.checkSeized()
		case <-q.stop:
			return
		}
	}
}

// checkSeized reaps seized tasks that are gone. Their exit status is
// lost with the old daemon, a clean zero is reported instead.
func (q *EventQueue) checkSeized() {
	for _, ct := range q.tree.Walk() {
		pid := ct.SeizeTask
		if pid == 0 || (system.TaskAlive(pid) && !system.TaskZombie(pid)) {
			continue
		}
		if err := ct.LockWrite(); err != nil {
			continue
		}
		if ct.SeizeTask == pid && (!system.TaskAlive(pid) || system.TaskZombie(pid)) {
			logrus.Infof("Seized task %d of CT%d:%s is gone", pid, ct.Id, ct.Name)
			if err := ct.Exit(0, false); err != nil {
				logrus.Warnf("Cannot handle exit of CT%d:%s: %v", ct.Id, ct.Name, err)
			}
		}
		ct.Unlock()
	}
}

// rotateLogs trims the stdio files of live containers down to their
// limit.
func (q *EventQueue) rotateLogs() {
	for _, ct := range q.tree.Walk() {
		if ct.IsRoot() {
			continue
		}
		if err := ct.LockRead(); err != nil {
			continue
		}
		switch ct.state {
		case Running, Meta, Dead:
			trimFile(ct.StdoutFile(), ct.StdoutLimit)
			trimFile(ct.StderrFile(), ct.StdoutLimit)
		}
		ct.Unlock()
	}
}

// destroyAged removes dead containers that outlived their aging time.
func (q *EventQueue) destroyAged() {
	for _, ct := range q.tree.Walk() {
		if ct.State() != Dead {
			continue
		}
		if err := ct.TryLockWrite(); err != nil {
			continue
		}
		if ct.state == Dead && ct.AgingTime > 0 &&
			time.Since(ct.DeathTime) >= ct.AgingTime {
			logrus.Infof("Destroy aged CT%d:%s", ct.Id, ct.Name)
			if err := ct.Destroy(); err != nil {
				logrus.Warnf("Cannot destroy aged CT%d:%s: %v", ct.Id, ct.Name, err)
			}
		}
		ct.Unlock()
	}
}

// DestroyWeak removes every weak container, called when their owner
// connection goes away.
func (t *Tree) DestroyWeak() {
	for _, ct := range t.Walk() {
		if !ct.IsWeak {
			continue
		}
		if err := ct.LockWrite(); err != nil {
			continue
		}
		if ct.IsWeak && ct.state != Destroyed {
			logrus.Infof("Destroy weak CT%d:%s", ct.Id, ct.Name)
			if err := ct.Destroy(); err != nil {
				logrus.Warnf("Cannot destroy weak CT%d:%s: %v", ct.Id, ct.Name, err)
			}
		}
		ct.Unlock()
	}
}

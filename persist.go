package porto

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fsl-jyt/porto/cgroups/fs"
	"github.com/fsl-jyt/porto/kv"
	"github.com/fsl-jyt/porto/perr"
	"github.com/fsl-jyt/porto/system"
)

// Raw record keys that live next to the named properties in the store.
// The underscore keeps them out of the property namespace.
const (
	rawNameKey  = "name"
	rawTaskKey  = "_task"
	rawWaitKey  = "_wait_task"
	rawSeizeKey = "_seize_task"
)

// save dumps the persistent properties of the container into its
// key-value record. Called after every visible change.
func (c *Container) save() error {
	records := []kv.Record{{Key: rawNameKey, Value: c.Name}}
	for _, name := range propertyOrder {
		p := properties[name]
		if !p.persist || p.prop >= numProps || !c.HasProp(p.prop) {
			continue
		}
		v, err := p.get(c)
		if err != nil {
			if perr.KindOf(err) != perr.NoValue {
				logrus.Warnf("Cannot dump %s of CT%d:%s: %v", name, c.Id, c.Name, err)
			}
			continue
		}
		records = append(records, kv.Record{Key: name, Value: v})
	}
	if c.Task != 0 {
		records = append(records, kv.Record{Key: rawTaskKey, Value: strconv.Itoa(c.Task)})
	}
	if c.WaitTask != 0 && c.WaitTask != c.Task {
		records = append(records, kv.Record{Key: rawWaitKey, Value: strconv.Itoa(c.WaitTask)})
	}
	if c.SeizeTask != 0 {
		records = append(records, kv.Record{Key: rawSeizeKey, Value: strconv.Itoa(c.SeizeTask)})
	}
	return c.tree.Store.Save(c.Id, records)
}

// RestoreAll reloads the saved containers, parents before children, and
// reconciles each of them with what survived in the kernel. Records without
// a name or that cannot be rebuilt are deleted from the store; a record
// that fails to load is skipped and kept.
func (t *Tree) RestoreAll() {
	ids, err := t.Store.List()
	if err != nil {
		logrus.Errorf("Cannot list container records: %v", err)
		return
	}
	type saved struct {
		id      int
		name    string
		records []kv.Record
	}
	var all []saved
	for _, id := range ids {
		if id == rootContainerId {
			continue
		}
		records, err := t.Store.Load(id)
		if err != nil {
			logrus.Warnf("Cannot load record %d: %v", id, err)
			t.Stats.RestoreFailed++
			continue
		}
		name := ""
		for _, r := range records {
			if r.Key == rawNameKey {
				name = r.Value
				break
			}
		}
		if name == "" {
			logrus.Warnf("Record %d has no container name, dropping", id)
			t.Stats.RestoreFailed++
			if err := t.Store.Delete(id); err != nil {
				logrus.Warnf("Cannot delete record %d: %v", id, err)
			}
			continue
		}
		all = append(all, saved{id: id, name: name, records: records})
	}

	sort.Slice(all, func(i, j int) bool {
		li := strings.Count(all[i].name, "/")
		lj := strings.Count(all[j].name, "/")
		if li != lj {
			return li < lj
		}
		return all[i].name < all[j].name
	})

	for _, s := range all {
		if err := t.restore(s.id, s.name, s.records); err != nil {
			logrus.Errorf("Cannot restore CT%d:%s: %v", s.id, s.name, err)
			t.Stats.RestoreFailed++
			if err := t.Store.Delete(s.id); err != nil {
				logrus.Warnf("Cannot delete record %d: %v", s.id, err)
			}
		}
	}

	if fs.CpusetSubsystem.Supported {
		if err := t.Root.DistributeCpus(); err != nil {
			logrus.Warnf("Cannot redistribute cpus after restore: %v", err)
		}
	}
}

// restore rebuilds one container from its record and registers it.
func (t *Tree) restore(id int, name string, records []kv.Record) error {
	t.mu.Lock()
	parent := t.findLocked(ParentName(name))
	t.mu.Unlock()
	if parent == nil {
		return perr.New(perr.ContainerDoesNotExist, "parent of "+name+" not found")
	}

	logrus.Infof("Restore CT%d:%s", id, name)
	ct := newContainer(t, parent, id, name)

	state := Stopped
	for _, r := range records {
		switch r.Key {
		case rawNameKey:
			continue
		case rawTaskKey:
			ct.Task, _ = strconv.Atoi(r.Value)
			if ct.WaitTask == 0 {
				ct.WaitTask = ct.Task
			}
			continue
		case rawWaitKey:
			ct.WaitTask, _ = strconv.Atoi(r.Value)
			continue
		case rawSeizeKey:
			ct.SeizeTask, _ = strconv.Atoi(r.Value)
			continue
		case "state":
			if st, ok := ParseState(r.Value); ok {
				state = st
			}
			continue
		}
		p := properties[r.Key]
		if p == nil || p.set == nil {
			logrus.Warnf("Unknown record %q in CT%d:%s", r.Key, id, name)
			continue
		}
		if err := p.set(ct, r.Value); err != nil {
			logrus.Warnf("Cannot restore %s of CT%d:%s: %v", r.Key, id, name, err)
			continue
		}
		ct.SetProp(p.prop)
	}
	ct.SanitizeCapabilities()

	if err := t.registerRestored(ct); err != nil {
		return err
	}
	if state != Stopped {
		ct.SetState(state)
	}

	// the kernel already carries whatever was applied before the restart
	t.mu.Lock()
	ct.propDirty = 0
	t.mu.Unlock()

	ct.SyncState()
	return ct.save()
}

// SyncState reconciles a restored container with the live kernel state.
// A lost freezer cgroup means the container is gone, a lost task means
// it died while the daemon was away. A surviving task was reparented and
// cannot be waited on anymore, it is seized and polled instead.
func (c *Container) SyncState() {
	if c.IsRoot() {
		return
	}
	cg := c.GetCgroup(fs.FreezerSubsystem.Hierarchy)

	switch c.state {
	case Stopped:

	case Starting:
		// an interrupted start cannot be picked up
		c.DeathTime = time.Now()
		c.SetProp(PropDeathTime)
		c.SetState(Dead)

	case Stopping:
		if err := c.Terminate(time.Time{}); err != nil {
			logrus.Warnf("Cannot terminate CT%d:%s: %v", c.Id, c.Name, err)
		}
		c.ForgetPid()
		c.FreeResources()
		c.SetState(Stopped)

	case Running, Meta:
		if !cg.Exists() {
			c.ForgetPid()
			c.FreeResources()
			c.SetState(Stopped)
			return
		}
		if !c.IsMeta() {
			if c.Task == 0 || !system.TaskAlive(c.Task) {
				if err := c.Reap(false); err != nil {
					logrus.Warnf("Cannot reap CT%d:%s: %v", c.Id, c.Name, err)
				}
				return
			}
			c.SeizeTask = c.Task
		}
		if err := c.PrepareOomMonitor(); err != nil {
			logrus.Warnf("Cannot rearm OOM monitor of CT%d:%s: %v", c.Id, c.Name, err)
		}

	case Paused:
		if !cg.Exists() {
			c.ForgetPid()
			c.FreeResources()
			c.SetState(Stopped)
			return
		}
		if !fs.FreezerSubsystem.IsFrozen(cg) {
			if c.IsMeta() {
				c.SetState(Meta)
			} else {
				c.SetState(Running)
			}
		}
		if !c.IsMeta() && c.Task != 0 && system.TaskAlive(c.Task) {
			c.SeizeTask = c.Task
		}
		if err := c.PrepareOomMonitor(); err != nil {
			logrus.Warnf("Cannot rearm OOM monitor of CT%d:%s: %v", c.Id, c.Name, err)
		}

	case Dead:
		// kept for inspection until aging removes it
	}
}

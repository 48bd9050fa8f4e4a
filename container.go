// Package porto implements the container lifecycle engine: the container
// tree, hierarchical locking, the property model, resource resolution
// over cgroups and the event machinery that drives reaping, respawn and
// client waits.
package porto

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fsl-jyt/porto/capabilities"
	"github.com/fsl-jyt/porto/cgroups"
	"github.com/fsl-jyt/porto/cgroups/fs"
	"github.com/fsl-jyt/porto/config"
	"github.com/fsl-jyt/porto/perr"
	"github.com/fsl-jyt/porto/system"
	"github.com/fsl-jyt/porto/utils"
)

// Cred identifies an owner or task user.
type Cred struct {
	Uid    int
	Gid    int
	Groups []int
}

func (c Cred) IsRootUser() bool {
	return c.Uid == 0
}

// CpuSetType selects how a container claims cpus from its parent.
type CpuSetType int

const (
	CpuSetInherit CpuSetType = iota
	CpuSetAbsolute
	CpuSetNode
	CpuSetCores
	CpuSetThreads
	CpuSetReserve
)

// Container is one node of the tree. Fields are protected by the tree
// mutex unless the container is locked for write.
type Container struct {
	tree *Tree

	Id        int
	Name      string
	FirstName string
	Level     int

	Parent   *Container
	children []*Container

	state             State
	StartingChildren  int
	RunningChildren   int

	OwnerCred Cred
	TaskCred  Cred

	// lock manager counters, see lock.go
	locked       int
	pendingWrite bool
	subtreeRead  int
	subtreeWrite int

	propSet   uint64
	propDirty uint64

	Task      int
	WaitTask  int
	SeizeTask int

	ExitStatus int
	OomKilled  bool
	OomEvents  uint64
	oomFd      int

	StartTime time.Time
	DeathTime time.Time
	CreationTime time.Time

	Command    string
	Env        []string
	Isolate    bool
	VirtMode   string
	Root       string
	Cwd        string
	Hostname   string
	ResolvConf string

	StdoutPath  string
	StderrPath  string
	StdoutLimit uint64

	MemLimit          uint64
	MemGuarantee      uint64
	NewMemGuarantee   uint64
	MemSoftLimit      int64
	AnonLimit         uint64
	DirtyLimit        uint64
	HugetlbLimit      int64
	RechargeOnPgfault bool
	PressurizeOnDeath bool
	OomIsFatal        bool
	OomScoreAdj       int

	CpuLimit        uint64
	CpuGuarantee    uint64
	CpuLimitSum     uint64
	CpuGuaranteeSum uint64
	CpuLimitCur     uint64
	CpuGuaranteeCur uint64
	CpuPolicy       string
	CpuWeight       uint64
	CpuPeriod       uint64

	CpuSetType CpuSetType
	CpuSetArg  string
	NewCpuSet  bool

	CpuAffinity utils.BitMap
	CpuVacant   utils.BitMap
	CpuReserve  utils.BitMap
	CpuMems     string

	IoPolicy    string
	IoWeight    uint64
	IoLimit     map[string]uint64
	IoOpsLimit  map[string]uint64

	ThreadLimit uint64
	Ulimit      []system.Rlimit

	CapLimit   capabilities.Set
	CapBound   capabilities.Set
	CapAllowed capabilities.Set
	CapAmbient capabilities.Set

	Devices []string

	Controllers         uint64
	RequiredControllers uint64

	AutoRespawn  bool
	RespawnLimit int64
	RespawnCount uint64
	RespawnDelay time.Duration

	AgingTime time.Duration
	IsWeak    bool
	Private   string

	Labels map[string]string

	waiters []*Waiter
}

// newContainer fills the defaults of a fresh node. Root gets the whole
// machine as its cpu limit, first-level containers a full controller set.
func newContainer(tree *Tree, parent *Container, id int, name string) *Container {
	ct := &Container{
		tree:   tree,
		Id:     id,
		Name:   name,
		Parent: parent,
		oomFd:  -1,
	}
	if parent != nil {
		ct.Level = parent.Level + 1
		if parent.IsRoot() {
			ct.FirstName = name
		} else {
			ct.FirstName = name[len(parent.Name)+1:]
		}
	}
	cfg := config.Get()

	ct.CreationTime = time.Now()
	ct.Root = "/"
	ct.Isolate = true
	ct.VirtMode = "app"
	ct.StdoutPath = "stdout"
	ct.StderrPath = "stderr"
	ct.StdoutLimit = cfg.StdoutLimit

	ct.CpuPolicy = "normal"
	ct.CpuWeight = 100
	ct.CpuPeriod = uint64(100 * time.Millisecond)
	ct.IoWeight = 100
	ct.OomIsFatal = true
	ct.PressurizeOnDeath = cfg.PressurizeOnDeath

	ct.RespawnLimit = -1
	ct.RespawnDelay = cfg.RespawnDelay
	ct.AgingTime = cfg.AgingTime

	ct.Controllers = cgroups.Freezer
	ct.RequiredControllers = cgroups.Freezer
	if ct.Level <= 1 {
		ct.Controllers |= cgroups.Memory | cgroups.Cpu | cgroups.Cpuacct |
			cgroups.Netcls | cgroups.Devices
		if fs.BlkioSubsystem.Supported {
			ct.Controllers |= cgroups.Blkio
		}
		if fs.CpusetSubsystem.Supported {
			ct.Controllers |= cgroups.Cpuset
		}
		if fs.HugetlbSubsystem.Supported {
			ct.Controllers |= cgroups.Hugetlb
		}
	}
	if ct.Level == 1 && fs.PidsSubsystem.Supported {
		ct.Controllers |= cgroups.Pids
	}
	ct.SetProp(PropControllers)

	if ct.IsRoot() {
		ct.CpuLimit = uint64(system.NumCores()) * fs.CpuPowerPerSec
		ct.SetProp(PropCpuLimit)
		ct.SetProp(PropMemLimit)
	}
	ct.SetProp(PropState)
	ct.SetProp(PropCreationTime)
	return ct
}

func (c *Container) IsRoot() bool {
	return c.Level == 0
}

// IsMeta reports whether the container carries no command of its own.
func (c *Container) IsMeta() bool {
	return c.Command == "" || c.VirtMode == "meta"
}

func (c *Container) OsMode() bool {
	return c.VirtMode == "os"
}

func (c *Container) State() State {
	return c.state
}

func (c *Container) IsChildOf(other *Container) bool {
	for p := c.Parent; p != nil; p = p.Parent {
		if p == other {
			return true
		}
	}
	return false
}

// HasPidFor reports whether c lives in the pid namespace that holds the
// tasks of ct.
func (c *Container) HasPidFor(ct *Container) bool {
	ns := ct
	for !ns.Isolate && ns.Parent != nil {
		ns = ns.Parent
	}
	return ns == c || c.IsChildOf(ns)
}

// Subtree returns the subtree in DFS post-order, children before
// parents, self last.
func (c *Container) Subtree() []*Container {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	return c.subtreeLocked()
}

func (c *Container) subtreeLocked() []*Container {
	var list []*Container
	var walk func(ct *Container)
	walk = func(ct *Container) {
		for _, child := range ct.children {
			walk(child)
		}
		list = append(list, ct)
	}
	walk(c)
	return list
}

// Childs snapshots the current children list.
func (c *Container) Childs() []*Container {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	childs := make([]*Container, len(c.children))
	copy(childs, c.children)
	return childs
}

// SetState performs a state transition, maintains the starting/running
// counters on ancestors and wakes waiters on every state but the
// transient Starting and Stopping.
func (c *Container) SetState(next State) {
	if c.state == next {
		return
	}
	logrus.Infof("Change CT%d:%s state %s -> %s", c.Id, c.Name, c.state, next)

	c.tree.mu.Lock()
	prev := c.state
	c.state = next

	if prev == Starting || next == Starting {
		d := -1
		if next == Starting {
			d = 1
		}
		for p := c.Parent; p != nil; p = p.Parent {
			p.StartingChildren += d
		}
	}

	if prev == Running || next == Running {
		d := -1
		if next == Running {
			d = 1
		}
		for p := c.Parent; p != nil; p = p.Parent {
			p.RunningChildren += d
			if p.RunningChildren == 0 && p.state == Meta {
				p.notifyWaiters()
			}
		}
	}

	if next != Starting && next != Stopping {
		c.notifyWaiters()
	}
	c.tree.mu.Unlock()
}

// GetCgroup maps the container onto its cgroup in one hierarchy. The
// freezer hierarchy mirrors the container tree under the daemon prefix.
// Other hierarchies keep a directory per owning level and flatten
// non-owning levels into the name with "%".
func (c *Container) GetCgroup(h *fs.Hierarchy) *fs.Cgroup {
	if c.IsRoot() {
		return h.RootCgroup()
	}
	prefix := config.Get().CgroupPrefix

	if h.Controllers&cgroups.Freezer != 0 {
		return h.Cgroup(prefix + "/" + c.Name)
	}

	if h.Controllers&cgroups.Systemd != 0 {
		if c.Controllers&cgroups.Systemd != 0 {
			return h.Cgroup(prefix + "%" + strings.ReplaceAll(c.Name, "/", "%"))
		}
		return h.RootCgroup()
	}

	var cg string
	for ct := c; !ct.IsRoot(); ct = ct.Parent {
		enabled := ct.Controllers&h.Controllers != 0
		if cg != "" {
			if enabled {
				cg = "/" + cg
			} else {
				cg = "%" + cg
			}
		}
		if cg != "" || enabled {
			cg = ct.FirstName + cg
		}
	}
	if cg == "" {
		return h.RootCgroup()
	}
	return h.Cgroup(prefix + "%" + cg)
}

// EnableControllers turns controllers on. A stopped container may grow
// its set, a running one must already have them.
func (c *Container) EnableControllers(controllers uint64) error {
	if c.state == Stopped {
		c.Controllers |= controllers
		c.RequiredControllers |= controllers
	} else if c.Controllers&controllers != controllers {
		return perr.New(perr.NotSupported, "cannot enable controllers in runtime")
	}
	return nil
}

// RecvOomEvents drains the armed OOM eventfd and accumulates the count.
func (c *Container) RecvOomEvents() bool {
	if c.oomFd < 0 {
		return false
	}
	n := system.ReadEvents(c.oomFd)
	if n > 0 {
		c.OomEvents += n
		c.tree.Stats.ContainersOOM += n
		logrus.Errorf("OOM in CT%d:%s", c.Id, c.Name)
		return true
	}
	return false
}

// GetUlimit merges own ulimits over the ancestors' ones.
func (c *Container) GetUlimit() []system.Rlimit {
	merged := map[int]system.Rlimit{}
	for p := c.Parent; p != nil; p = p.Parent {
		for _, l := range p.Ulimit {
			if _, ok := merged[l.Resource]; !ok {
				merged[l.Resource] = l
			}
		}
	}
	for _, l := range c.Ulimit {
		merged[l.Resource] = l
	}
	var res []system.Rlimit
	for _, l := range merged {
		res = append(res, l)
	}
	return res
}

// HasProp reports whether the property differs from its default.
func (c *Container) HasProp(p Prop) bool {
	return c.propSet&(1<<uint(p)) != 0
}

// SetProp marks the property set and pending kernel apply.
func (c *Container) SetProp(p Prop) {
	c.propSet |= 1 << uint(p)
	c.propDirty |= 1 << uint(p)
}

func (c *Container) ClearProp(p Prop) {
	c.propSet &^= 1 << uint(p)
	c.propDirty |= 1 << uint(p)
}

// TestClearPropDirty consumes the dirty bit.
func (c *Container) TestClearPropDirty(p Prop) bool {
	if c.propDirty&(1<<uint(p)) == 0 {
		return false
	}
	c.propDirty &^= 1 << uint(p)
	return true
}

func (c *Container) TestPropDirty(p Prop) bool {
	return c.propDirty&(1<<uint(p)) != 0
}

func (c *Container) ClearPropDirty(p Prop) {
	c.propDirty &^= 1 << uint(p)
}

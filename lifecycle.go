package porto

import (
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/fsl-jyt/porto/capabilities"
	"github.com/fsl-jyt/porto/cgroups"
	"github.com/fsl-jyt/porto/cgroups/fs"
	"github.com/fsl-jyt/porto/config"
	"github.com/fsl-jyt/porto/netclass"
	"github.com/fsl-jyt/porto/perr"
	"github.com/fsl-jyt/porto/system"
)

// TaskStarter launches the main task of a container and returns its pid
// together with the pid the daemon waits on.
type TaskStarter interface {
	Start(ct *Container) (task, waitTask int, err error)
}

// VolumeLinker attaches storage to starting containers and detaches it
// on stop.
type VolumeLinker interface {
	MountLink(ct *Container) error
	UmountLink(ct *Container) error
	CheckRequired(ct *Container) error
}

// NetClassInitializer provisions the traffic class of a container.
type NetClassInitializer interface {
	InitClass(ct *Container) error
	RemoveClass(ct *Container) error
	Classid(ct *Container) uint32
}

type noVolumes struct{}

func (noVolumes) MountLink(ct *Container) error     { return nil }
func (noVolumes) UmountLink(ct *Container) error    { return nil }
func (noVolumes) CheckRequired(ct *Container) error { return nil }

// noNetClass hands out classids without shaping anything.
type noNetClass struct{}

func (noNetClass) InitClass(ct *Container) error   { return nil }
func (noNetClass) RemoveClass(ct *Container) error { return nil }
func (noNetClass) Classid(ct *Container) uint32    { return netclass.ContainerHandle(ct.Id) }

// HtbNetClass materializes classids as HTB classes on the host uplinks.
type HtbNetClass struct {
	Mgr *netclass.Manager
}

func (n HtbNetClass) InitClass(ct *Container) error {
	return n.Mgr.SetupClass(netclass.ContainerHandle(ct.Id), 3, 0, 0)
}

func (n HtbNetClass) RemoveClass(ct *Container) error {
	return n.Mgr.DeleteClass(netclass.ContainerHandle(ct.Id))
}

func (n HtbNetClass) Classid(ct *Container) uint32 {
	return netclass.ContainerHandle(ct.Id)
}

// execStarter runs container tasks as child processes of the daemon.
type execStarter struct{}

func (execStarter) Start(ct *Container) (int, int, error) {
	stdout, err := os.OpenFile(ct.StdoutFile(), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return 0, 0, perr.System("open stdout", err)
	}
	defer stdout.Close()
	stderr, err := os.OpenFile(ct.StderrFile(), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return 0, 0, perr.System("open stderr", err)
	}
	defer stderr.Close()

	cmd := exec.Command("/bin/sh", "-c", ct.Command)
	cmd.Dir = ct.GetCwd()
	cmd.Env = ct.taskEnv()
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	attr := &syscall.SysProcAttr{
		Setsid: true,
		Credential: &syscall.Credential{
			Uid: uint32(ct.TaskCred.Uid),
			Gid: uint32(ct.TaskCred.Gid),
		},
	}
	for _, g := range ct.TaskCred.Groups {
		attr.Credential.Groups = append(attr.Credential.Groups, uint32(g))
	}
	if ct.Root != "/" {
		attr.Chroot = ct.Root
		cmd.Dir = "/"
		if ct.Cwd != "" {
			cmd.Dir = ct.Cwd
		}
	}
	if ct.Isolate {
		attr.Cloneflags |= syscall.CLONE_NEWPID | syscall.CLONE_NEWIPC
	}
	if ct.Hostname != "" {
		attr.Cloneflags |= syscall.CLONE_NEWUTS
	}
	for i := uint(0); i < 64; i++ {
		if ct.CapAmbient.Mask&(1<<i) != 0 {
			attr.AmbientCaps = append(attr.AmbientCaps, uintptr(i))
		}
	}
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		return 0, 0, perr.System("start task", err)
	}
	pid := cmd.Process.Pid
	go reapTask(ct.tree, pid, cmd)
	return pid, pid, nil
}

// reapTask waits the child out and reports the raw wait status to the
// event queue.
func reapTask(t *Tree, pid int, cmd *exec.Cmd) {
	err := cmd.Wait()
	var status int
	if exitErr, ok := err.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			status = int(ws)
		}
	}
	if t.Queue != nil {
		t.Queue.ReportExit(pid, status)
	}
}

// WorkPath is the per-container work directory, the default location of
// cwd and stdio files.
func (c *Container) WorkPath() string {
	return filepath.Join(config.Get().WorkDir, c.Name)
}

func (c *Container) CreateWorkDir() error {
	path := c.WorkPath()
	if err := os.MkdirAll(path, 0775); err != nil {
		return perr.System("mkdir "+path, err)
	}
	if err := os.Chown(path, c.TaskCred.Uid, c.TaskCred.Gid); err != nil {
		return perr.System("chown "+path, err)
	}
	return nil
}

func (c *Container) RemoveWorkDir() {
	if err := os.RemoveAll(c.WorkPath()); err != nil {
		logrus.Warnf("Cannot remove work dir of CT%d:%s: %v", c.Id, c.Name, err)
	}
}

func (c *Container) stdioFile(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.WorkPath(), path)
}

func (c *Container) StdoutFile() string { return c.stdioFile(c.StdoutPath) }
func (c *Container) StderrFile() string { return c.stdioFile(c.StderrPath) }

// trimFile cuts a log file down to limit, keeping the tail.
func trimFile(path string, limit uint64) {
	if path == "" || limit == 0 {
		return
	}
	st, err := os.Stat(path)
	if err != nil || uint64(st.Size()) <= limit {
		return
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return
	}
	defer f.Close()
	keep := int64(limit / 2)
	buf := make([]byte, keep)
	n, err := f.ReadAt(buf, st.Size()-keep)
	if err != nil && err != io.EOF {
		return
	}
	if _, err := f.WriteAt(buf[:n], 0); err != nil {
		return
	}
	f.Truncate(int64(n))
}

// GetCwd resolves the working directory: own and ancestor cwds join up
// until one is absolute, a chroot resets the base to its root, otherwise
// the work directory is the default.
func (c *Container) GetCwd() string {
	var suffix string
	for ct := c; ct != nil; ct = ct.Parent {
		if ct.Cwd != "" {
			suffix = filepath.Join(ct.Cwd, suffix)
			if filepath.IsAbs(suffix) {
				return suffix
			}
			continue
		}
		if ct.IsRoot() {
			break
		}
		if ct.Root != "/" {
			return filepath.Join("/", suffix)
		}
	}
	if suffix != "" {
		return filepath.Join("/", suffix)
	}
	if c.IsRoot() {
		return "/"
	}
	return c.WorkPath()
}

func (c *Container) inChroot() bool {
	for ct := c; ct != nil; ct = ct.Parent {
		if ct.Root != "/" {
			return true
		}
	}
	return false
}

// taskEnv builds the task environment: fixed entries, then ancestor env
// from the root down, own entries last. Later entries replace earlier
// ones with the same name.
func (c *Container) taskEnv() []string {
	hostname, _ := os.Hostname()
	env := []string{
		"PATH=/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=" + c.GetCwd(),
		"USER=" + userName(c.TaskCred.Uid),
		"container=lxc",
		"PORTO_NAME=" + c.Name,
		"PORTO_HOST=" + hostname,
	}
	var chain []*Container
	for ct := c; ct != nil; ct = ct.Parent {
		chain = append(chain, ct)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		for _, e := range chain[i].Env {
			env = mergeEnv(env, e)
		}
	}
	return env
}

func mergeEnv(env []string, entry string) []string {
	name, _, _ := strings.Cut(entry, "=")
	for i, e := range env {
		if strings.HasPrefix(e, name+"=") {
			env[i] = entry
			return env
		}
	}
	return append(env, entry)
}

// SanitizeCapabilities recomputes the capability bounds from the owner,
// the ancestor limits and the container configuration.
func (c *Container) SanitizeCapabilities() {
	if c.OwnerCred.IsRootUser() {
		if c.HasProp(PropCapabilities) {
			c.CapBound = c.CapLimit
		} else {
			c.CapBound = capabilities.HostBound()
		}
		c.CapAllowed = c.CapBound
	} else {
		bound := capabilities.HostBound()
		for p := c.Parent; p != nil; p = p.Parent {
			if p.HasProp(PropCapabilities) {
				bound = bound.And(p.CapLimit)
			}
		}

		var remove capabilities.Set
		pidns := false
		for ct := c; ct != nil && !ct.IsRoot(); ct = ct.Parent {
			if ct.Isolate {
				pidns = true
				break
			}
		}
		if !pidns {
			remove = remove.Or(capabilities.PidNs)
		}
		memcg := false
		for ct := c; ct != nil; ct = ct.Parent {
			if ct.MemLimit != 0 {
				memcg = true
				break
			}
		}
		if !memcg {
			remove = remove.Or(capabilities.MemCg)
		}

		if c.inChroot() {
			c.CapBound = bound.And(capabilities.ChrootBound).AndNot(remove)
			c.CapAllowed = c.CapBound
		} else {
			c.CapBound = bound.AndNot(remove)
			c.CapAllowed = capabilities.HostAllowed.And(c.CapBound)
		}
	}
	if !c.HasProp(PropCapabilities) {
		c.CapLimit = c.CapBound
	}
}

// PrepareStart verifies the configuration right before the transition
// into Starting.
func (c *Container) PrepareStart() error {
	c.SanitizeCapabilities()
	if !c.OwnerCred.IsRootUser() && !c.CapLimit.IsSubsetOf(c.CapBound) {
		return perr.New(perr.Permission,
			"capabilities out of bounds: "+c.CapLimit.AndNot(c.CapBound).Format())
	}
	if !c.CapAmbient.IsSubsetOf(c.CapAllowed) {
		return perr.New(perr.Permission,
			"ambient capabilities not allowed: "+c.CapAmbient.AndNot(c.CapAllowed).Format())
	}
	return nil
}

// Start launches the container, starting stopped ancestors on the way as
// meta containers. The caller must hold the write lock.
func (c *Container) Start() error {
	if c.IsRoot() {
		return perr.New(perr.Permission, "cannot start root container")
	}
	if c.state != Stopped {
		return perr.New(perr.InvalidState,
			"cannot start container in state "+c.state.String())
	}
	if err := c.PrepareStart(); err != nil {
		return err
	}
	if err := c.startParents(); err != nil {
		return err
	}
	if p := c.Parent; p.state != Running && p.state != Meta {
		return perr.New(perr.InvalidState,
			"parent container is in state "+p.state.String())
	}
	return c.start()
}

// startParents boots the topmost stopped ancestor until the parent is
// alive. The held write lock on the subtree keeps ancestors stable.
func (c *Container) startParents() error {
	pcg := c.Parent.GetCgroup(fs.FreezerSubsystem.Hierarchy)
	if c.Parent.state == Paused ||
		(!pcg.IsRoot() && pcg.Exists() && fs.FreezerSubsystem.IsFrozen(pcg)) {
		return perr.New(perr.InvalidState, "parent container is paused")
	}
	for {
		var top *Container
		for ct := c.Parent; ct != nil; ct = ct.Parent {
			if ct.state == Stopped {
				top = ct
			}
		}
		if top == nil {
			return nil
		}
		if err := top.PrepareStart(); err != nil {
			return err
		}
		if err := top.start(); err != nil {
			return err
		}
	}
}

func (c *Container) start() error {
	logrus.Infof("Start CT%d:%s", c.Id, c.Name)

	c.SetState(Starting)
	c.StartTime = time.Now()
	c.SetProp(PropStartTime)

	if err := c.PrepareResources(); err != nil {
		c.SetState(Stopped)
		c.tree.Stats.ContainersFailedStart++
		return err
	}

	if c.IsMeta() {
		c.SetState(Meta)
		c.PropagateCpuLimit()
		c.tree.Stats.ContainersStarted++
		return c.save()
	}

	c.DowngradeLock()
	err := c.startTask()
	c.UpgradeLock()
	if err != nil {
		c.SetState(Stopping)
		if terr := c.Terminate(time.Time{}); terr != nil {
			logrus.Warnf("Cannot terminate CT%d:%s: %v", c.Id, c.Name, terr)
		}
		c.FreeResources()
		c.SetState(Stopped)
		c.tree.Stats.ContainersFailedStart++
		return err
	}

	c.SetState(Running)
	c.SetProp(PropRootPid)
	c.PropagateCpuLimit()
	c.tree.Stats.ContainersStarted++

	if err := c.save(); err != nil {
		logrus.Errorf("Cannot save CT%d:%s: %v", c.Id, c.Name, err)
		c.Reap(false)
		return err
	}
	return nil
}

// startTask pushes the whole configuration into the kernel, launches the
// task and moves it into the cgroups.
func (c *Container) startTask() error {
	c.tree.mu.Lock()
	c.propDirty |= c.propSet
	c.tree.mu.Unlock()
	c.ClearPropDirty(PropResolvConf)
	c.ClearPropDirty(PropDevices)
	c.ClearPropDirty(PropCpuSet)
	c.ClearPropDirty(PropCpuSetAffinity)

	if err := c.ApplyDynamicProperties(); err != nil {
		return err
	}
	if err := c.ApplyResolvConf(); err != nil {
		return err
	}

	task, waitTask, err := c.tree.Starter.Start(c)
	if err != nil {
		return err
	}
	c.Task = task
	c.WaitTask = waitTask
	logrus.Infof("Started task %d for CT%d:%s", task, c.Id, c.Name)

	if err := c.attachTask(task); err != nil {
		system.Kill(task, syscall.SIGKILL)
		c.ForgetPid()
		return err
	}

	if err := system.ApplyRlimits(task, c.GetUlimit()); err != nil {
		logrus.Warnf("Cannot apply ulimits for CT%d:%s: %v", c.Id, c.Name, err)
	}
	if err := c.ApplySchedPolicy(); err != nil {
		logrus.Warnf("Cannot apply sched policy for CT%d:%s: %v", c.Id, c.Name, err)
	}
	if err := c.ApplyIoPolicy(); err != nil {
		logrus.Warnf("Cannot apply io policy for CT%d:%s: %v", c.Id, c.Name, err)
	}
	if c.HasProp(PropOomScoreAdj) {
		if err := system.SetOomScoreAdj(task, c.OomScoreAdj); err != nil {
			logrus.Warnf("Cannot set oom score adj for CT%d:%s: %v", c.Id, c.Name, err)
		}
	}

	if c.RecvOomEvents() {
		return perr.New(perr.ResourceNotAvailable, "OOM at container start")
	}
	return nil
}

// attachTask moves the task into every enabled cgroup.
func (c *Container) attachTask(pid int) error {
	for _, h := range fs.Hierarchies {
		if !h.Supported || c.Controllers&h.Controllers == 0 {
			continue
		}
		cg := c.GetCgroup(h)
		if cg.IsRoot() {
			continue
		}
		if err := cg.Attach(pid); err != nil {
			return err
		}
	}
	return nil
}

// PrepareResources provisions everything the task needs: admission
// checks, the work directory, cgroups, cpu placement, network class and
// volumes. A failure rolls the container back to a clean state.
func (c *Container) PrepareResources() error {
	logrus.Debugf("Prepare resources for CT%d:%s", c.Id, c.Name)

	if err := c.tree.CheckMemGuarantee(c, c.NewMemGuarantee); err != nil {
		return err
	}
	if err := c.CreateWorkDir(); err != nil {
		return err
	}
	if err := c.PrepareCgroups(); err != nil {
		c.FreeResources()
		return err
	}
	if c.Controllers&cgroups.Cpuset != 0 && fs.CpusetSubsystem.Supported {
		c.SetProp(PropCpuSetAffinity)
		if err := c.tree.Root.DistributeCpus(); err != nil {
			c.FreeResources()
			return err
		}
	}
	if err := c.tree.NetMgr.InitClass(c); err != nil {
		c.FreeResources()
		return err
	}
	if err := c.tree.Volumes.MountLink(c); err != nil {
		c.FreeResources()
		return err
	}
	if err := c.tree.Volumes.CheckRequired(c); err != nil {
		c.FreeResources()
		return err
	}
	c.PropagateCpuLimit()
	return nil
}

// PrepareCgroups creates the enabled cgroups and applies the static
// per-cgroup configuration.
func (c *Container) PrepareCgroups() error {
	for _, h := range fs.Hierarchies {
		if !h.Supported || c.Controllers&h.Controllers == 0 {
			continue
		}
		cg := c.GetCgroup(h)
		if cg.IsRoot() {
			continue
		}
		if err := cg.Create(); err != nil {
			return err
		}
	}
	if c.Controllers&cgroups.Memory != 0 && fs.MemorySubsystem.Supported {
		cg := c.GetCgroup(fs.MemorySubsystem.Hierarchy)
		if err := fs.MemorySubsystem.UseHierarchy(cg); err != nil {
			logrus.Warnf("Cannot set use_hierarchy for %s: %v", cg, err)
		}
	}
	if c.Controllers&cgroups.Netcls != 0 && fs.NetclsSubsystem.Supported {
		cg := c.GetCgroup(fs.NetclsSubsystem.Hierarchy)
		if err := fs.NetclsSubsystem.SetClassid(cg, c.tree.NetMgr.Classid(c)); err != nil {
			return err
		}
	}
	if err := c.ApplyDeviceConf(); err != nil {
		return err
	}
	return c.PrepareOomMonitor()
}

// PrepareOomMonitor arms the OOM eventfd on the memory cgroup.
func (c *Container) PrepareOomMonitor() error {
	if c.Controllers&cgroups.Memory == 0 || !fs.MemorySubsystem.Supported {
		return nil
	}
	cg := c.GetCgroup(fs.MemorySubsystem.Hierarchy)
	if cg.IsRoot() {
		return nil
	}
	fd, err := fs.MemorySubsystem.SetupOOMEvent(cg)
	if err != nil {
		return err
	}
	c.oomFd = fd
	if c.tree.Queue != nil {
		c.tree.Queue.AddOomSource(c, fd)
	}
	return nil
}

func (c *Container) ShutdownOom() {
	if c.oomFd < 0 {
		return
	}
	if c.tree.Queue != nil {
		c.tree.Queue.RemoveOomSource(c.oomFd)
	}
	unix.Close(c.oomFd)
	c.oomFd = -1
}

// FreeRuntimeResources releases what a dead container no longer needs
// while its cgroups stay around for inspection.
func (c *Container) FreeRuntimeResources() error {
	c.ShutdownOom()
	if err := c.UpdateSoftLimit(); err != nil {
		logrus.Warnf("Cannot update soft limit for CT%d:%s: %v", c.Id, c.Name, err)
	}
	if c.CpuSetType != CpuSetInherit && c.Parent != nil {
		if err := c.Parent.DistributeCpus(); err != nil {
			logrus.Warnf("Cannot redistribute cpus for CT%d:%s: %v", c.Id, c.Name, err)
		}
	}
	c.PropagateCpuLimit()
	for p := c.Parent; p != nil; p = p.Parent {
		if err := p.ApplyCpuGuarantee(); err != nil {
			logrus.Warnf("Cannot apply cpu guarantee for CT%d:%s: %v", p.Id, p.Name, err)
		}
		if !config.Get().PropagateCpuGuarantee {
			break
		}
	}
	return nil
}

// FreeResources returns the container to the resource state of Stopped.
func (c *Container) FreeResources() {
	c.FreeRuntimeResources()

	for i := len(fs.Hierarchies) - 1; i >= 0; i-- {
		h := fs.Hierarchies[i]
		if !h.Supported || c.Controllers&h.Controllers == 0 {
			continue
		}
		cg := c.GetCgroup(h)
		if cg.IsRoot() || !cg.Exists() {
			continue
		}
		if h.Controllers&cgroups.Systemd != 0 {
			fs.SystemdSubsystem.TryRemove(cg)
			continue
		}
		if err := cg.Remove(); err != nil {
			logrus.Warnf("Cannot remove cgroup %s: %v", cg, err)
		}
	}

	if err := c.tree.NetMgr.RemoveClass(c); err != nil {
		logrus.Warnf("Cannot remove net class of CT%d:%s: %v", c.Id, c.Name, err)
	}
	if err := c.tree.Volumes.UmountLink(c); err != nil {
		logrus.Warnf("Cannot umount volumes of CT%d:%s: %v", c.Id, c.Name, err)
	}
	c.RemoveWorkDir()
	c.MemGuarantee = 0
	c.MemSoftLimit = 0
	c.CpuLimitCur = 0
	c.CpuGuaranteeCur = 0
}

// ApplyResolvConf writes the configured resolver into the chroot.
func (c *Container) ApplyResolvConf() error {
	if c.ResolvConf == "" || c.Root == "/" {
		return nil
	}
	path := filepath.Join(c.Root, "etc/resolv.conf")
	data := strings.ReplaceAll(c.ResolvConf, ";", "\n") + "\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		return perr.System("write "+path, err)
	}
	return nil
}

// ApplyDeviceConf rewrites the device access lists when the container
// carries an explicit device configuration.
func (c *Container) ApplyDeviceConf() error {
	if !c.HasProp(PropDevices) ||
		c.Controllers&cgroups.Devices == 0 || !fs.DevicesSubsystem.Supported {
		return nil
	}
	cg := c.GetCgroup(fs.DevicesSubsystem.Hierarchy)
	if cg.IsRoot() {
		return nil
	}
	return fs.DevicesSubsystem.ApplyPolicy(cg, c.Devices)
}

// schedPolicy maps the cpu policy onto a kernel scheduler, nice and rt
// priority.
func (c *Container) schedPolicy() (policy, nice, prio int) {
	switch c.CpuPolicy {
	case "rt":
		return system.SchedRR, -10, 10
	case "high":
		return system.SchedOther, -10, 0
	case "batch":
		return system.SchedBatch, 0, 0
	case "idle":
		return system.SchedIdle, 0, 0
	case "iso":
		return system.SchedIso, 4, 0
	}
	return system.SchedOther, 0, 0
}

// ApplySchedPolicy pushes the scheduling class onto every task thread.
func (c *Container) ApplySchedPolicy() error {
	policy, nice, prio := c.schedPolicy()
	cg := c.GetCgroup(fs.FreezerSubsystem.Hierarchy)
	tids, err := cg.Tasks()
	if err != nil {
		return err
	}
	for _, tid := range tids {
		if system.GetScheduler(tid) != policy {
			if err := system.SetScheduler(tid, policy, prio); err != nil {
				logrus.Warnf("Cannot set scheduler for %d: %v", tid, err)
			}
		}
		if err := system.SetNice(tid, nice); err != nil {
			logrus.Warnf("Cannot set nice for %d: %v", tid, err)
		}
	}
	return nil
}

// ApplyIoPolicy maps the io policy onto per-task io priorities.
func (c *Container) ApplyIoPolicy() error {
	class, prio := system.IoPrioClassBe, 4
	switch c.IoPolicy {
	case "rt":
		class, prio = system.IoPrioClassRt, 4
	case "high":
		class, prio = system.IoPrioClassBe, 0
	case "batch":
		class, prio = system.IoPrioClassBe, 7
	case "idle":
		class, prio = system.IoPrioClassIdle, 7
	case "", "normal":
	default:
		return nil
	}
	cg := c.GetCgroup(fs.FreezerSubsystem.Hierarchy)
	tids, err := cg.Tasks()
	if err != nil {
		return err
	}
	for _, tid := range tids {
		if err := system.SetIoPrio(tid, class, prio); err != nil {
			logrus.Warnf("Cannot set io priority for %d: %v", tid, err)
		}
	}
	return nil
}

// ApplyUlimits pushes the merged rlimits onto every thread, retrying
// until no new threads show up between two passes.
func (c *Container) ApplyUlimits() error {
	cg := c.GetCgroup(fs.FreezerSubsystem.Hierarchy)
	limits := c.GetUlimit()
	var prev []int
	for attempt := 0; attempt < 10; attempt++ {
		tids, err := cg.Tasks()
		if err != nil {
			return err
		}
		again := false
		for _, tid := range tids {
			if !containsInt(prev, tid) {
				again = true
			}
			if err := system.ApplyRlimits(tid, limits); err != nil {
				return err
			}
		}
		if !again {
			return nil
		}
		prev = tids
	}
	return perr.Newf(perr.Busy, "cannot apply ulimits to all tasks in CT%d:%s", c.Id, c.Name)
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// ApplyDynamicProperties consumes the dirty property bits and writes the
// corresponding kernel state.
func (c *Container) ApplyDynamicProperties() error {
	hasMem := c.Controllers&cgroups.Memory != 0 && fs.MemorySubsystem.Supported
	hasBlk := c.Controllers&cgroups.Blkio != 0 && fs.BlkioSubsystem.Supported

	if c.TestClearPropDirty(PropMemGuarantee) && hasMem {
		cg := c.GetCgroup(fs.MemorySubsystem.Hierarchy)
		if err := fs.MemorySubsystem.SetGuarantee(cg, c.NewMemGuarantee); err != nil {
			logrus.Errorf("Cannot set memory guarantee for CT%d:%s: %v", c.Id, c.Name, err)
			return err
		}
		c.MemGuarantee = c.NewMemGuarantee
	}
	if c.TestClearPropDirty(PropMemLimit) && hasMem {
		cg := c.GetCgroup(fs.MemorySubsystem.Hierarchy)
		if err := fs.MemorySubsystem.SetLimit(cg, c.MemLimit); err != nil {
			return err
		}
	}
	if c.TestClearPropDirty(PropAnonLimit) && hasMem {
		cg := c.GetCgroup(fs.MemorySubsystem.Hierarchy)
		if err := fs.MemorySubsystem.SetAnonLimit(cg, c.AnonLimit); err != nil {
			return err
		}
	}
	if c.TestClearPropDirty(PropDirtyLimit) && hasMem {
		cg := c.GetCgroup(fs.MemorySubsystem.Hierarchy)
		if err := fs.MemorySubsystem.SetDirtyLimit(cg, c.DirtyLimit); err != nil {
			return err
		}
	}
	if c.TestClearPropDirty(PropRechargeOnPgfault) && hasMem {
		cg := c.GetCgroup(fs.MemorySubsystem.Hierarchy)
		if err := fs.MemorySubsystem.RechargeOnPgfault(cg, c.RechargeOnPgfault); err != nil {
			return err
		}
	}
	if c.TestClearPropDirty(PropPressurizeOnDeath) {
		if err := c.UpdateSoftLimit(); err != nil {
			return err
		}
	}
	if c.TestClearPropDirty(PropIoLimit) {
		if hasMem {
			cg := c.GetCgroup(fs.MemorySubsystem.Hierarchy)
			if err := fs.MemorySubsystem.SetIoLimit(cg, c.IoLimit["fs"]); err != nil {
				return err
			}
		}
		if hasBlk {
			cg := c.GetCgroup(fs.BlkioSubsystem.Hierarchy)
			if err := fs.BlkioSubsystem.SetIoLimit(cg, c.IoLimit, false); err != nil {
				return err
			}
		}
	}
	if c.TestClearPropDirty(PropIoOpsLimit) {
		if hasMem {
			cg := c.GetCgroup(fs.MemorySubsystem.Hierarchy)
			if err := fs.MemorySubsystem.SetIopsLimit(cg, c.IoOpsLimit["fs"]); err != nil {
				return err
			}
		}
		if hasBlk {
			cg := c.GetCgroup(fs.BlkioSubsystem.Hierarchy)
			if err := fs.BlkioSubsystem.SetIoLimit(cg, c.IoOpsLimit, true); err != nil {
				return err
			}
		}
	}
	ioWeightDirty := c.TestClearPropDirty(PropIoWeight)
	ioPolicyDirty := c.TestClearPropDirty(PropIoPolicy)
	if (ioWeightDirty || ioPolicyDirty) && hasBlk {
		cg := c.GetCgroup(fs.BlkioSubsystem.Hierarchy)
		if err := fs.BlkioSubsystem.SetIoWeight(cg, c.IoPolicy, c.IoWeight); err != nil {
			return err
		}
	}
	if ioPolicyDirty && c.state != Starting {
		if err := c.ApplyIoPolicy(); err != nil {
			logrus.Warnf("Cannot apply io policy for CT%d:%s: %v", c.Id, c.Name, err)
		}
	}
	if c.TestClearPropDirty(PropHugetlbLimit) &&
		c.Controllers&cgroups.Hugetlb != 0 && fs.HugetlbSubsystem.Supported {
		cg := c.GetCgroup(fs.HugetlbSubsystem.Hierarchy)
		if err := fs.HugetlbSubsystem.SetHugeLimit(cg, c.HugetlbLimit); err != nil {
			return err
		}
		if fs.HugetlbSubsystem.SupportGigaPages() {
			if err := fs.HugetlbSubsystem.SetGigaLimit(cg, 0); err != nil {
				logrus.Warnf("Cannot forbid 1GB pages for CT%d:%s: %v", c.Id, c.Name, err)
			}
		}
	}

	if c.TestPropDirty(PropCpuPeriod) || c.TestClearPropDirty(PropCpuGuarantee) {
		for ct := c; ct != nil; ct = ct.Parent {
			if err := ct.ApplyCpuGuarantee(); err != nil {
				return err
			}
			if !config.Get().PropagateCpuGuarantee {
				break
			}
		}
	}
	if c.TestPropDirty(PropCpuLimit) {
		c.PropagateCpuLimit()
	}
	cpuPolicyDirty := c.TestClearPropDirty(PropCpuPolicy)
	cpuWeightDirty := c.TestClearPropDirty(PropCpuWeight)
	cpuLimitDirty := c.TestClearPropDirty(PropCpuLimit)
	cpuPeriodDirty := c.TestClearPropDirty(PropCpuPeriod)
	if (cpuPolicyDirty || cpuWeightDirty || cpuLimitDirty || cpuPeriodDirty) &&
		c.Controllers&cgroups.Cpu != 0 && fs.CpuSubsystem.Supported {
		if err := c.ApplyCpuLimit(); err != nil {
			return err
		}
	}
	if (cpuPolicyDirty || cpuWeightDirty) && c.state != Starting {
		if err := c.ApplySchedPolicy(); err != nil {
			logrus.Warnf("Cannot apply sched policy for CT%d:%s: %v", c.Id, c.Name, err)
		}
	}
	if c.TestClearPropDirty(PropCpuSet) {
		if err := c.tree.Root.DistributeCpus(); err != nil {
			return err
		}
	}

	if c.TestClearPropDirty(PropThreadLimit) &&
		c.Controllers&cgroups.Pids != 0 && fs.PidsSubsystem.Supported {
		cg := c.GetCgroup(fs.PidsSubsystem.Hierarchy)
		if err := fs.PidsSubsystem.SetLimit(cg, c.ThreadLimit); err != nil {
			return err
		}
	}
	if c.TestClearPropDirty(PropUlimit) && c.state != Starting {
		for _, ct := range c.Subtree() {
			if ct.state == Stopped || ct.state == Dead {
				continue
			}
			if err := ct.ApplyUlimits(); err != nil {
				logrus.Warnf("Cannot apply ulimits for CT%d:%s: %v", ct.Id, ct.Name, err)
			}
		}
	}
	if c.TestClearPropDirty(PropOomScoreAdj) && c.Task != 0 {
		if err := system.SetOomScoreAdj(c.Task, c.OomScoreAdj); err != nil {
			logrus.Warnf("Cannot set oom score adj for CT%d:%s: %v", c.Id, c.Name, err)
		}
	}
	if c.TestClearPropDirty(PropDevices) && c.state != Starting {
		if err := c.ApplyDeviceConf(); err != nil {
			return err
		}
	}
	return nil
}

// Kill delivers a signal to the main task.
func (c *Container) Kill(sig syscall.Signal) error {
	if c.state != Running {
		return perr.New(perr.InvalidState,
			"cannot kill container in state "+c.state.String())
	}
	logrus.Infof("Kill CT%d:%s with %v", c.Id, c.Name, sig)
	return system.Kill(c.Task, sig)
}

const sigRtMin = 32

// Terminate tears the task group down. A non-zero deadline grants a
// graceful window: the main task gets SIGTERM, or SIGPWR for an isolated
// os-mode init, before the whole group is killed.
func (c *Container) Terminate(deadline time.Time) error {
	if c.IsRoot() {
		return perr.New(perr.Permission, "cannot terminate root container")
	}
	cg := c.GetCgroup(fs.FreezerSubsystem.Hierarchy)
	if !cg.Exists() || cg.IsEmpty() {
		return nil
	}
	logrus.Infof("Terminate tasks in CT%d:%s", c.Id, c.Name)

	if fs.FreezerSubsystem.IsFrozen(cg) {
		if err := cg.KillAll(syscall.SIGKILL); err != nil {
			return err
		}
		if fs.FreezerSubsystem.IsSelfFreezing(cg) {
			return fs.FreezerSubsystem.Thaw(cg, false)
		}
		return nil
	}

	if !deadline.IsZero() && c.Task != 0 && !c.IsMeta() && system.TaskAlive(c.Task) {
		sig := syscall.SIGTERM
		if c.OsMode() && c.Isolate {
			sig = syscall.SIGPWR
		}
		if sig == syscall.SIGTERM &&
			!system.SignalHandled(system.TaskHandledSignals(c.Task), syscall.SIGTERM) {
			sig = 0
		}
		if sig != 0 {
			if err := system.Kill(c.Task, sig); err == nil {
				for time.Now().Before(deadline) &&
					system.TaskAlive(c.Task) && !system.TaskZombie(c.Task) {
					time.Sleep(100 * time.Millisecond)
				}
			}
		}
	}

	if c.Task != 0 && c.Isolate {
		system.Kill(c.Task, syscall.SIGKILL)
	}
	return cg.KillAll(syscall.SIGKILL)
}

func (c *Container) ForgetPid() {
	c.Task = 0
	c.WaitTask = 0
	c.SeizeTask = 0
}

// Stop terminates the subtree and frees its resources. A zero timeout
// skips the graceful window and kills everything outright.
func (c *Container) Stop(timeout time.Duration) error {
	if c.state == Stopped {
		return nil
	}
	cg := c.GetCgroup(fs.FreezerSubsystem.Hierarchy)
	if !cg.IsRoot() && cg.Exists() && fs.FreezerSubsystem.IsParentFreezing(cg) {
		return perr.New(perr.InvalidState, "parent container is paused")
	}

	logrus.Infof("Stop CT%d:%s", c.Id, c.Name)
	subtree := c.Subtree()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		c.DowngradeLock()
	} else {
		for i := len(subtree) - 1; i >= 0; i-- {
			if task := subtree[i].Task; task != 0 {
				system.Kill(task, syscall.SIGKILL)
			}
		}
	}

	for _, ct := range subtree {
		if ct.state == Stopped {
			continue
		}
		ct.SetState(Stopping)
		if err := ct.Terminate(deadline); err != nil {
			logrus.Warnf("Cannot terminate CT%d:%s: %v", ct.Id, ct.Name, err)
		}
		ccg := ct.GetCgroup(fs.FreezerSubsystem.Hierarchy)
		if ccg.Exists() && fs.FreezerSubsystem.IsSelfFreezing(ccg) {
			if err := fs.FreezerSubsystem.Thaw(ccg, false); err != nil {
				logrus.Warnf("Cannot thaw CT%d:%s: %v", ct.Id, ct.Name, err)
			}
		}
	}

	if timeout > 0 {
		c.UpgradeLock()
	}

	for _, ct := range subtree {
		if ct.state == Stopped {
			continue
		}
		ct.ForgetPid()
		ct.StartTime = time.Time{}
		ct.ClearProp(PropStartTime)
		ct.ClearProp(PropRootPid)
		ct.DeathTime = time.Time{}
		ct.ClearProp(PropDeathTime)
		ct.ExitStatus = 0
		ct.ClearProp(PropExitStatus)
		ct.OomKilled = false
		ct.ClearProp(PropOomKilled)
		ct.OomEvents = 0
		ct.FreeResources()
		ct.SetState(Stopped)
		if err := ct.save(); err != nil {
			logrus.Warnf("Cannot save CT%d:%s: %v", ct.Id, ct.Name, err)
		}
	}
	return nil
}

// Reap finishes a container whose task exited: records the death,
// releases runtime resources and schedules respawn when configured.
func (c *Container) Reap(oomKilled bool) error {
	if err := c.Terminate(time.Time{}); err != nil {
		logrus.Warnf("Cannot terminate CT%d:%s: %v", c.Id, c.Name, err)
	}
	c.DeathTime = time.Now()
	c.SetProp(PropDeathTime)
	if oomKilled {
		c.OomKilled = true
		c.SetProp(PropOomKilled)
	}
	c.ForgetPid()
	trimFile(c.StdoutFile(), c.StdoutLimit)
	trimFile(c.StderrFile(), c.StdoutLimit)
	c.SetState(Dead)
	if err := c.FreeRuntimeResources(); err != nil {
		logrus.Warnf("Cannot free runtime resources of CT%d:%s: %v", c.Id, c.Name, err)
	}
	if err := c.save(); err != nil {
		logrus.Warnf("Cannot save CT%d:%s: %v", c.Id, c.Name, err)
	}
	if c.AutoRespawn && c.MayRespawn() == nil {
		c.ScheduleRespawn()
	}
	return nil
}

// Exit handles the death of the main task and reaps the whole subtree.
func (c *Container) Exit(status int, oomKilled bool) error {
	if c.state == Stopped || c.state == Destroyed {
		return nil
	}
	if c.RecvOomEvents() {
		oomKilled = true
	}

	// a reparented wait task reports signal deaths as exit codes
	ws := syscall.WaitStatus(status)
	if c.WaitTask != c.Task && ws.Exited() {
		code := ws.ExitStatus()
		if code > 128 && code < 128+2*sigRtMin {
			sig := code - 128
			if sig > sigRtMin {
				sig -= sigRtMin
			}
			status = sig
		}
	}

	c.ExitStatus = status
	c.SetProp(PropExitStatus)

	if !oomKilled && c.OomIsFatal &&
		c.Controllers&cgroups.Memory != 0 && fs.MemorySubsystem.Supported {
		cg := c.GetCgroup(fs.MemorySubsystem.Hierarchy)
		if fs.MemorySubsystem.GetOomEvents(cg) > 0 {
			oomKilled = true
		}
	}

	logrus.Infof("Exit CT%d:%s status %#x oom %v", c.Id, c.Name, status, oomKilled)

	for _, ct := range c.Subtree() {
		if ct.state == Stopped || ct.state == Dead {
			continue
		}
		if err := ct.Reap(oomKilled && ct == c); err != nil {
			logrus.Warnf("Cannot reap CT%d:%s: %v", ct.Id, ct.Name, err)
		}
	}
	return nil
}

// Pause freezes the subtree.
func (c *Container) Pause() error {
	if c.state != Running && c.state != Meta {
		return perr.New(perr.InvalidState,
			"cannot pause container in state "+c.state.String())
	}
	cg := c.GetCgroup(fs.FreezerSubsystem.Hierarchy)
	if err := fs.FreezerSubsystem.Freeze(cg); err != nil {
		return err
	}
	for _, ct := range c.Subtree() {
		if ct.state == Running || ct.state == Meta {
			ct.SetState(Paused)
			ct.PropagateCpuLimit()
			if err := ct.save(); err != nil {
				logrus.Warnf("Cannot save CT%d:%s: %v", ct.Id, ct.Name, err)
			}
		}
	}
	return nil
}

// Resume thaws the subtree. Containers frozen below the target thaw too.
func (c *Container) Resume() error {
	cg := c.GetCgroup(fs.FreezerSubsystem.Hierarchy)
	if fs.FreezerSubsystem.IsParentFreezing(cg) {
		return perr.New(perr.InvalidState, "parent container is paused")
	}
	if !fs.FreezerSubsystem.IsSelfFreezing(cg) {
		return perr.New(perr.InvalidState, "container is not paused")
	}
	if err := fs.FreezerSubsystem.Thaw(cg, true); err != nil {
		return err
	}
	for _, ct := range c.Subtree() {
		if ct != c {
			ccg := ct.GetCgroup(fs.FreezerSubsystem.Hierarchy)
			if ccg.Exists() && fs.FreezerSubsystem.IsSelfFreezing(ccg) {
				if err := fs.FreezerSubsystem.Thaw(ccg, false); err != nil {
					logrus.Warnf("Cannot thaw CT%d:%s: %v", ct.Id, ct.Name, err)
				}
			}
		}
		if ct.state == Paused {
			if ct.IsMeta() {
				ct.SetState(Meta)
			} else {
				ct.SetState(Running)
			}
		}
		ct.PropagateCpuLimit()
		if err := ct.save(); err != nil {
			logrus.Warnf("Cannot save CT%d:%s: %v", ct.Id, ct.Name, err)
		}
	}
	return nil
}

// MayRespawn reports whether an automatic restart is allowed right now.
func (c *Container) MayRespawn() error {
	if c.state != Dead {
		return perr.New(perr.InvalidState,
			"cannot respawn container in state "+c.state.String())
	}
	if p := c.Parent; p != nil && p.state != Running && p.state != Meta {
		return perr.New(perr.InvalidState,
			"cannot respawn, parent container is in state "+p.state.String())
	}
	if c.RespawnLimit >= 0 && c.RespawnCount >= uint64(c.RespawnLimit) {
		return perr.Newf(perr.ResourceNotAvailable,
			"respawn limit %d has been reached", c.RespawnLimit)
	}
	return nil
}

// Respawn restarts a dead container, counting the attempt.
func (c *Container) Respawn() error {
	if err := c.MayRespawn(); err != nil {
		return err
	}
	if err := c.Stop(0); err != nil {
		return err
	}
	c.RespawnCount++
	c.SetProp(PropRespawnCount)
	logrus.Infof("Respawn CT%d:%s [%d]", c.Id, c.Name, c.RespawnCount)
	return c.Start()
}

func (c *Container) ScheduleRespawn() {
	if c.tree.Queue != nil {
		c.tree.Queue.ScheduleRespawn(c)
	}
}

// Destroy stops the subtree and removes every node, children first. The
// caller must hold the write lock.
func (c *Container) Destroy() error {
	if c.IsRoot() {
		return perr.New(perr.Permission, "cannot destroy root container")
	}
	if c.state != Stopped {
		if err := c.Stop(0); err != nil {
			return err
		}
	}
	for _, ct := range c.Subtree() {
		logrus.Infof("Destroy CT%d:%s", ct.Id, ct.Name)
		ct.ShutdownOom()
		if err := ct.tree.Store.Delete(ct.Id); err != nil {
			logrus.Warnf("Cannot delete record of CT%d:%s: %v", ct.Id, ct.Name, err)
		}
		ct.tree.unregister(ct)
		ct.notifyWaiters()
	}
	return nil
}

package fs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/fsl-jyt/porto/perr"
)

// Cgroup is one directory of a controller hierarchy. Name is relative to
// the mount point; the empty name is the controller root.
type Cgroup struct {
	h    *Hierarchy
	Name string
}

func (c *Cgroup) Hierarchy() *Hierarchy {
	return c.h
}

func (c *Cgroup) String() string {
	return c.h.Type + ":/" + c.Name
}

func (c *Cgroup) IsRoot() bool {
	return c.Name == ""
}

func (c *Cgroup) Path() string {
	return filepath.Join(c.h.MountPoint, c.Name)
}

func (c *Cgroup) Equal(other *Cgroup) bool {
	return other != nil && c.h == other.h && c.Name == other.Name
}

// Parent returns the enclosing cgroup, or the root for top-level groups.
func (c *Cgroup) Parent() *Cgroup {
	dir := filepath.Dir(c.Name)
	if dir == "." || dir == "/" {
		dir = ""
	}
	return &Cgroup{h: c.h, Name: dir}
}

func (c *Cgroup) Exists() bool {
	st, err := os.Stat(c.Path())
	return err == nil && st.IsDir()
}

func (c *Cgroup) Create() error {
	logrus.Infof("Create cgroup %s", c)
	if err := os.MkdirAll(c.Path(), 0755); err != nil {
		return perr.System("mkdir "+c.Path(), err)
	}
	return nil
}

// Remove deletes the cgroup directory. The kernel releases emptied groups
// asynchronously, so EBUSY is retried for a bounded time.
func (c *Cgroup) Remove() error {
	if c.IsRoot() {
		return perr.New(perr.Permission, "cannot remove root cgroup")
	}
	var err error
	for attempt := 0; attempt < 50; attempt++ {
		err = os.Remove(c.Path())
		if err == nil || os.IsNotExist(err) {
			return nil
		}
		if errnoOf(err) != syscall.EBUSY {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	logrus.Warnf("Cannot remove cgroup %s: %v", c, err)
	return perr.System("rmdir "+c.Path(), err)
}

// Knob reads a control file with the trailing newline removed.
func (c *Cgroup) Knob(key string) (string, error) {
	data, err := readFile(c.Path(), key)
	if err != nil {
		return "", perr.System("read "+c.String()+" "+key, err)
	}
	return strings.TrimRight(data, "\n"), nil
}

func (c *Cgroup) KnobUint64(key string) (uint64, error) {
	s, err := c.Knob(key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, perr.Newf(perr.Unknown, "invalid %s %s value %q", c, key, s)
	}
	return v, nil
}

func (c *Cgroup) KnobInt64(key string) (int64, error) {
	s, err := c.Knob(key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, perr.Newf(perr.Unknown, "invalid %s %s value %q", c, key, s)
	}
	return v, nil
}

func (c *Cgroup) KnobLines(key string) ([]string, error) {
	s, err := c.Knob(key)
	if err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	return strings.Split(s, "\n"), nil
}

func (c *Cgroup) SetKnob(key, value string) error {
	logrus.Debugf("Set %s %s = %q", c, key, value)
	if err := writeFile(c.Path(), key, value); err != nil {
		return perr.System("write "+c.String()+" "+key, err)
	}
	return nil
}

func (c *Cgroup) SetKnobUint64(key string, value uint64) error {
	return c.SetKnob(key, strconv.FormatUint(value, 10))
}

func (c *Cgroup) SetKnobInt64(key string, value int64) error {
	return c.SetKnob(key, strconv.FormatInt(value, 10))
}

// Attach moves a whole process into the cgroup.
func (c *Cgroup) Attach(pid int) error {
	logrus.Infof("Attach %d to %s", pid, c)
	return c.SetKnob("cgroup.procs", strconv.Itoa(pid))
}

// AttachThread moves a single thread.
func (c *Cgroup) AttachThread(tid int) error {
	return c.SetKnob("tasks", strconv.Itoa(tid))
}

// AttachAll moves every process out of another cgroup into this one,
// retrying because attached processes may fork concurrently.
func (c *Cgroup) AttachAll(from *Cgroup) error {
	logrus.Infof("Attach all processes from %s to %s", from, c)
	for attempt := 0; attempt < 10; attempt++ {
		pids, err := from.Procs()
		if err != nil {
			return err
		}
		if len(pids) == 0 {
			return nil
		}
		for _, pid := range pids {
			if err := c.Attach(pid); err != nil && perr.ErrnoOf(err) != syscall.ESRCH {
				return err
			}
		}
	}
	return perr.Newf(perr.Busy, "cannot move all processes from %s", from)
}

// Procs returns the pids of member processes.
func (c *Cgroup) Procs() ([]int, error) {
	data, err := readFile(c.Path(), "cgroup.procs")
	if err != nil {
		return nil, perr.System("read "+c.String()+" cgroup.procs", err)
	}
	return parsePids(data), nil
}

// Tasks returns the tids of member threads.
func (c *Cgroup) Tasks() ([]int, error) {
	data, err := readFile(c.Path(), "tasks")
	if err != nil {
		return nil, perr.System("read "+c.String()+" tasks", err)
	}
	return parsePids(data), nil
}

// Count returns the number of member threads or processes.
func (c *Cgroup) Count(threads bool) (uint64, error) {
	var pids []int
	var err error
	if threads {
		pids, err = c.Tasks()
	} else {
		pids, err = c.Procs()
	}
	if err != nil {
		return 0, err
	}
	return uint64(len(pids)), nil
}

func (c *Cgroup) IsEmpty() bool {
	pids, err := c.Tasks()
	return err == nil && len(pids) == 0
}

// KillAll signals every member process, retrying while new members show up.
func (c *Cgroup) KillAll(sig syscall.Signal) error {
	logrus.Infof("Kill all processes in %s with %v", c, sig)
	var prev []int
	for attempt := 0; attempt < 10; attempt++ {
		pids, err := c.Procs()
		if err != nil {
			return err
		}
		if len(pids) == 0 {
			return nil
		}
		retry := false
		for _, pid := range pids {
			if !containsPid(prev, pid) {
				retry = true
			}
			if err := unix.Kill(pid, sig); err != nil && err != unix.ESRCH {
				return perr.System(fmt.Sprintf("kill %d", pid), err)
			}
		}
		if !retry {
			return nil
		}
		prev = pids
	}
	return perr.Newf(perr.Busy, "cannot kill all processes in %s", c)
}

func containsPid(pids []int, pid int) bool {
	for _, p := range pids {
		if p == pid {
			return true
		}
	}
	return false
}

// TaskCgroup resolves the cgroup of a task within this hierarchy from
// /proc/<pid>/cgroup.
func (h *Hierarchy) TaskCgroup(pid int) (*Cgroup, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/cgroup", pid))
	if err != nil {
		return nil, perr.System("open /proc/<pid>/cgroup", err)
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		// hierarchy-id:controller-list:cgroup-path
		parts := strings.SplitN(s.Text(), ":", 3)
		if len(parts) != 3 {
			continue
		}
		for _, ctrl := range strings.Split(parts[1], ",") {
			if ctrl == h.Type || ctrl == "name="+h.Type {
				return h.Cgroup(strings.TrimPrefix(parts[2], "/")), nil
			}
		}
	}
	if err := s.Err(); err != nil {
		return nil, perr.System("read /proc/<pid>/cgroup", err)
	}
	return nil, perr.Newf(perr.NotSupported, "task %d has no %s cgroup", pid, h.Type)
}

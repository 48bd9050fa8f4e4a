package fs

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/fsl-jyt/porto/perr"
)

type MemoryGroup struct {
	*Hierarchy
}

const memUnlimited = int64(-1)

// SetLimit writes memory.limit_in_bytes. Zero means unlimited. A kernel
// EBUSY means the group already uses more than the new limit.
func (s *MemoryGroup) SetLimit(cg *Cgroup, limit uint64) error {
	var err error
	if limit == 0 {
		err = cg.SetKnobInt64("memory.limit_in_bytes", memUnlimited)
	} else {
		err = cg.SetKnobUint64("memory.limit_in_bytes", limit)
	}
	if perr.ErrnoOf(err) == syscall.EBUSY {
		return perr.Newf(perr.InvalidValue, "memory limit %d is too low", limit)
	}
	return err
}

func (s *MemoryGroup) GetLimit(cg *Cgroup) (uint64, error) {
	v, err := cg.KnobInt64("memory.limit_in_bytes")
	if err != nil || v < 0 {
		return 0, err
	}
	return uint64(v), nil
}

func (s *MemoryGroup) SetSoftLimit(cg *Cgroup, limit int64) error {
	return cg.SetKnobInt64("memory.soft_limit_in_bytes", limit)
}

// SetGuarantee writes memory.low_limit_in_bytes, a knob present only in
// kernels with memory guarantee support.
func (s *MemoryGroup) SetGuarantee(cg *Cgroup, guarantee uint64) error {
	if !s.SupportGuarantee() {
		if guarantee == 0 {
			return nil
		}
		return perr.New(perr.NotSupported, "memory guarantee is not supported")
	}
	return cg.SetKnobUint64("memory.low_limit_in_bytes", guarantee)
}

func (s *MemoryGroup) SupportGuarantee() bool {
	return s.RootCgroup().HasKnob("memory.low_limit_in_bytes")
}

func (s *MemoryGroup) SetAnonLimit(cg *Cgroup, limit uint64) error {
	if !cg.HasKnob("memory.anon.limit") {
		if limit == 0 {
			return nil
		}
		return perr.New(perr.NotSupported, "anon memory limit is not supported")
	}
	if limit == 0 {
		return cg.SetKnob("memory.anon.limit", "-1")
	}
	return cg.SetKnobUint64("memory.anon.limit", limit)
}

func (s *MemoryGroup) SetDirtyLimit(cg *Cgroup, limit uint64) error {
	if !cg.HasKnob("memory.dirty_limit_in_bytes") {
		if limit == 0 {
			return nil
		}
		return perr.New(perr.NotSupported, "dirty memory limit is not supported")
	}
	return cg.SetKnobUint64("memory.dirty_limit_in_bytes", limit)
}

func (s *MemoryGroup) SetIoLimit(cg *Cgroup, limit uint64) error {
	if !cg.HasKnob("memory.fs_bps_limit") {
		return nil
	}
	return cg.SetKnobUint64("memory.fs_bps_limit", limit)
}

func (s *MemoryGroup) SetIopsLimit(cg *Cgroup, limit uint64) error {
	if !cg.HasKnob("memory.fs_iops_limit") {
		return nil
	}
	return cg.SetKnobUint64("memory.fs_iops_limit", limit)
}

func (s *MemoryGroup) RechargeOnPgfault(cg *Cgroup, enable bool) error {
	if !cg.HasKnob("memory.recharge_on_pgfault") {
		if !enable {
			return nil
		}
		return perr.New(perr.NotSupported, "recharge on pgfault is not supported")
	}
	v := "0"
	if enable {
		v = "1"
	}
	return cg.SetKnob("memory.recharge_on_pgfault", v)
}

func (s *MemoryGroup) UseHierarchy(cg *Cgroup) error {
	return cg.SetKnob("memory.use_hierarchy", "1")
}

func (s *MemoryGroup) Usage(cg *Cgroup) (uint64, error) {
	return cg.KnobUint64("memory.usage_in_bytes")
}

// Statistics returns one counter out of memory.stat.
func (s *MemoryGroup) Statistics(cg *Cgroup, name string) (uint64, error) {
	lines, err := cg.KnobLines("memory.stat")
	if err != nil {
		return 0, err
	}
	for _, line := range lines {
		key, value, err := getCgroupParamKeyValue(line)
		if err != nil {
			continue
		}
		if key == name {
			return value, nil
		}
	}
	return 0, perr.Newf(perr.InvalidValue, "invalid memory cgroup stat: %s", name)
}

// GetOomEvents returns the kernel oom kill counter of the group.
func (s *MemoryGroup) GetOomEvents(cg *Cgroup) uint64 {
	lines, err := cg.KnobLines("memory.oom_control")
	if err != nil {
		return 0
	}
	for _, line := range lines {
		key, value, err := getCgroupParamKeyValue(line)
		if err == nil && key == "oom_kill" {
			return value
		}
	}
	return 0
}

// SetupOOMEvent arms OOM notification for the group and returns an eventfd
// that becomes readable on every OOM inside it.
func (s *MemoryGroup) SetupOOMEvent(cg *Cgroup) (int, error) {
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, perr.System("eventfd", err)
	}
	ctrl, err := unix.Open(cg.Path()+"/memory.oom_control", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		unix.Close(efd)
		return -1, perr.System("open memory.oom_control", err)
	}
	err = cg.SetKnob("cgroup.event_control", fmt.Sprintf("%d %d", efd, ctrl))
	unix.Close(ctrl)
	if err != nil {
		unix.Close(efd)
		return -1, err
	}
	logrus.Debugf("Armed OOM event for %s at fd %d", cg, efd)
	return efd, nil
}

// HasKnob reports whether the control file exists in the cgroup directory.
func (c *Cgroup) HasKnob(key string) bool {
	_, err := os.Stat(filepath.Join(c.Path(), key))
	return err == nil
}

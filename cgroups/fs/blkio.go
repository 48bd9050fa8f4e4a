package fs

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/fsl-jyt/porto/perr"
)

type BlkioGroup struct {
	*Hierarchy
}

// SetIoWeight writes blkio.weight, scaled by the io policy. Weight is a
// percentage around the default of 100.
func (s *BlkioGroup) SetIoWeight(cg *Cgroup, policy string, weight uint64) error {
	knob := "blkio.weight"
	if !cg.HasKnob(knob) {
		// CFQ disabled, only BFQ weight available
		knob = "blkio.bfq.weight"
		if !cg.HasKnob(knob) {
			if weight == 100 {
				return nil
			}
			return perr.New(perr.NotSupported, "io weight is not supported")
		}
	}
	v := 500 * weight / 100
	switch policy {
	case "rt", "high":
		v = 1000
	case "batch", "idle":
		v = 10
	}
	if v < 10 {
		v = 10
	}
	if v > 1000 {
		v = 1000
	}
	return cg.SetKnobUint64(knob, v)
}

// SetIoLimit writes throttle limits. Map keys are block device paths, map
// values bytes (or operations) per second. The "fs" key is handled by the
// memory controller and skipped here.
func (s *BlkioGroup) SetIoLimit(cg *Cgroup, limits map[string]uint64, ops bool) error {
	knob := "blkio.throttle.write_bps_device"
	readKnob := "blkio.throttle.read_bps_device"
	if ops {
		knob = "blkio.throttle.write_iops_device"
		readKnob = "blkio.throttle.read_iops_device"
	}
	for dev, limit := range limits {
		if dev == "fs" {
			continue
		}
		major, minor, err := deviceNumbers(dev)
		if err != nil {
			return err
		}
		line := fmt.Sprintf("%d:%d %d", major, minor, limit)
		if err := cg.SetKnob(knob, line); err != nil {
			return err
		}
		if err := cg.SetKnob(readKnob, line); err != nil {
			return err
		}
		logrus.Infof("Set io limit %s for %s in %s", line, dev, cg)
	}
	return nil
}

func deviceNumbers(path string) (uint32, uint32, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, 0, perr.System("stat "+path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFBLK {
		return 0, 0, perr.Newf(perr.InvalidValue, "%s is not a block device", path)
	}
	dev := uint64(st.Rdev)
	return unix.Major(dev), unix.Minor(dev), nil
}

type DevicesGroup struct {
	*Hierarchy
}

// ApplyPolicy rewrites the device access lists: deny everything, then
// allow each configured rule, e.g. "c 1:3 rwm".
func (s *DevicesGroup) ApplyPolicy(cg *Cgroup, allowed []string) error {
	if err := cg.SetKnob("devices.deny", "a"); err != nil {
		return err
	}
	for _, rule := range allowed {
		if err := cg.SetKnob("devices.allow", rule); err != nil {
			return err
		}
	}
	return nil
}

type HugetlbGroup struct {
	*Hierarchy
}

func (s *HugetlbGroup) SetHugeLimit(cg *Cgroup, limit int64) error {
	knob := "hugetlb.2MB.limit_in_bytes"
	if !cg.HasKnob(knob) {
		if limit < 0 {
			return nil
		}
		return perr.New(perr.NotSupported, "hugetlb limit is not supported")
	}
	if limit < 0 {
		return cg.SetKnobInt64(knob, -1)
	}
	return cg.SetKnobInt64(knob, limit)
}

func (s *HugetlbGroup) SupportGigaPages() bool {
	return s.RootCgroup().HasKnob("hugetlb.1GB.limit_in_bytes")
}

// SetGigaLimit bounds 1GB huge pages, which cannot be reclaimed at all.
func (s *HugetlbGroup) SetGigaLimit(cg *Cgroup, limit int64) error {
	return cg.SetKnobInt64("hugetlb.1GB.limit_in_bytes", limit)
}

type PidsGroup struct {
	*Hierarchy
}

func (s *PidsGroup) SetLimit(cg *Cgroup, limit uint64) error {
	if limit == 0 {
		return cg.SetKnob("pids.max", "max")
	}
	return cg.SetKnobUint64("pids.max", limit)
}

func (s *PidsGroup) GetUsage(cg *Cgroup) (uint64, error) {
	return cg.KnobUint64("pids.current")
}

type NetclsGroup struct {
	*Hierarchy
}

func (s *NetclsGroup) SetClassid(cg *Cgroup, classid uint32) error {
	return cg.SetKnobUint64("net_cls.classid", uint64(classid))
}

func (s *NetclsGroup) GetClassid(cg *Cgroup) (uint32, error) {
	v, err := cg.KnobUint64("net_cls.classid")
	return uint32(v), err
}

type SystemdGroup struct {
	*Hierarchy
}

// Remove of a systemd cgroup is best-effort: systemd owns the hierarchy
// and may have removed it already.
func (s *SystemdGroup) TryRemove(cg *Cgroup) {
	if err := os.Remove(cg.Path()); err != nil && !os.IsNotExist(err) {
		logrus.Debugf("Cannot remove systemd cgroup %s: %v", cg, err)
	}
}

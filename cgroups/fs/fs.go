// Package fs drives cgroup controllers through the cgroup filesystem.
//
// Each mounted controller is a Hierarchy; a Cgroup is one directory inside
// it. Typed wrappers (MemoryGroup, FreezerGroup, ...) add the knobs a
// single controller understands.
package fs

import (
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/fsl-jyt/porto/cgroups"
	"github.com/fsl-jyt/porto/perr"
)

// Hierarchy is one mounted cgroup controller tree.
type Hierarchy struct {
	Type        string
	Controllers uint64
	MountPoint  string
	Supported   bool
}

func (h *Hierarchy) String() string {
	return h.Type
}

// RootCgroup returns the controller's root directory.
func (h *Hierarchy) RootCgroup() *Cgroup {
	return &Cgroup{h: h}
}

// Cgroup returns the directory at the given path relative to the
// controller root, e.g. "portod/a".
func (h *Hierarchy) Cgroup(name string) *Cgroup {
	return &Cgroup{h: h, Name: name}
}

var (
	MemorySubsystem  = &MemoryGroup{&Hierarchy{Type: "memory", Controllers: cgroups.Memory}}
	FreezerSubsystem = &FreezerGroup{&Hierarchy{Type: "freezer", Controllers: cgroups.Freezer}}
	CpuSubsystem     = &CpuGroup{&Hierarchy{Type: "cpu", Controllers: cgroups.Cpu}}
	CpuacctSubsystem = &CpuacctGroup{&Hierarchy{Type: "cpuacct", Controllers: cgroups.Cpuacct}}
	CpusetSubsystem  = &CpusetGroup{&Hierarchy{Type: "cpuset", Controllers: cgroups.Cpuset}}
	NetclsSubsystem  = &NetclsGroup{&Hierarchy{Type: "net_cls", Controllers: cgroups.Netcls}}
	BlkioSubsystem   = &BlkioGroup{&Hierarchy{Type: "blkio", Controllers: cgroups.Blkio}}
	DevicesSubsystem = &DevicesGroup{&Hierarchy{Type: "devices", Controllers: cgroups.Devices}}
	HugetlbSubsystem = &HugetlbGroup{&Hierarchy{Type: "hugetlb", Controllers: cgroups.Hugetlb}}
	PidsSubsystem    = &PidsGroup{&Hierarchy{Type: "pids", Controllers: cgroups.Pids}}
	SystemdSubsystem = &SystemdGroup{&Hierarchy{Type: "systemd", Controllers: cgroups.Systemd}}
)

// Hierarchies lists every known hierarchy in registration order.
var Hierarchies = []*Hierarchy{
	MemorySubsystem.Hierarchy,
	FreezerSubsystem.Hierarchy,
	CpuSubsystem.Hierarchy,
	CpuacctSubsystem.Hierarchy,
	CpusetSubsystem.Hierarchy,
	NetclsSubsystem.Hierarchy,
	BlkioSubsystem.Hierarchy,
	DevicesSubsystem.Hierarchy,
	HugetlbSubsystem.Hierarchy,
	PidsSubsystem.Hierarchy,
	SystemdSubsystem.Hierarchy,
}

// InitSubsystems discovers controller mount points. The freezer hierarchy
// is mandatory; everything else degrades to Supported=false.
func InitSubsystems() error {
	for _, h := range Hierarchies {
		mp, err := cgroups.FindCgroupMountpoint(h.Type)
		if err != nil {
			if !cgroups.IsNotFound(err) {
				return err
			}
			h.Supported = false
			logrus.Warnf("cgroup controller %s is not mounted", h.Type)
			continue
		}
		h.MountPoint = mp
		h.Supported = true
	}
	if !FreezerSubsystem.Supported {
		return perr.New(perr.NotSupported, "freezer cgroup is not mounted")
	}
	return nil
}

// InitTestSubsystems roots every hierarchy under dir, creating the
// directories. Tests use it in place of InitSubsystems.
func InitTestSubsystems(dir string) error {
	for _, h := range Hierarchies {
		h.MountPoint = filepath.Join(dir, h.Type)
		h.Supported = true
		if err := mkdirAll(h.MountPoint); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the hierarchy for a controller name, NotSupported when the
// name is unknown or the controller is not mounted.
func Get(typ string) (*Hierarchy, error) {
	for _, h := range Hierarchies {
		if h.Type == typ {
			if !h.Supported {
				return nil, perr.Newf(perr.NotSupported, "cgroup controller %s is not supported", typ)
			}
			return h, nil
		}
	}
	return nil, perr.Newf(perr.NotSupported, "unknown cgroup controller %s", typ)
}

// Package cgroups describes the cgroup controllers the daemon knows about
// and locates their mount points.
package cgroups

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Controller bitmask. A container's enabled-controllers field and every
// property's required-controllers field use these bits.
const (
	Memory uint64 = 1 << iota
	Freezer
	Cpu
	Cpuacct
	Cpuset
	Netcls
	Blkio
	Devices
	Hugetlb
	Pids
	Systemd
)

var controllerNames = map[uint64]string{
	Memory:  "memory",
	Freezer: "freezer",
	Cpu:     "cpu",
	Cpuacct: "cpuacct",
	Cpuset:  "cpuset",
	Netcls:  "net_cls",
	Blkio:   "blkio",
	Devices: "devices",
	Hugetlb: "hugetlb",
	Pids:    "pids",
	Systemd: "systemd",
}

// Known lists every controller in registration order.
var Known = []uint64{
	Memory, Freezer, Cpu, Cpuacct, Cpuset, Netcls,
	Blkio, Devices, Hugetlb, Pids, Systemd,
}

func ControllerName(mask uint64) string {
	if name, ok := controllerNames[mask]; ok {
		return name
	}
	return "unknown"
}

// ParseController maps a controller name to its bit.
func ParseController(name string) (uint64, bool) {
	for mask, n := range controllerNames {
		if n == name {
			return mask, true
		}
	}
	return 0, false
}

// Format renders a controller mask as "memory;cpu".
func Format(mask uint64) string {
	var names []string
	for _, bit := range Known {
		if mask&bit != 0 {
			names = append(names, controllerNames[bit])
		}
	}
	return strings.Join(names, ";")
}

type NotFoundError struct {
	Subsystem string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("mountpoint for %s not found", e.Subsystem)
}

func NewNotFoundError(sub string) error {
	return &NotFoundError{Subsystem: sub}
}

func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*NotFoundError)
	return ok
}

// FindCgroupMountpoint returns the mount point of the hierarchy carrying
// the given subsystem.
func FindCgroupMountpoint(subsystem string) (string, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return "", err
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		txt := s.Text()
		fields := strings.Split(txt, " ")
		for _, opt := range strings.Split(fields[len(fields)-1], ",") {
			if opt == subsystem || opt == "name="+subsystem {
				return fields[4], nil
			}
		}
	}
	if err := s.Err(); err != nil {
		return "", err
	}

	return "", NewNotFoundError(subsystem)
}

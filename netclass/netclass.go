// Package netclass assigns traffic-control handles to containers and
// materializes them as HTB classes on the host uplinks. The cgroup side,
// writing the classid into net_cls, stays with the cgroup driver.
package netclass

import (
	"net"
	"runtime"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"github.com/fsl-jyt/porto/perr"
)

const (
	rootMajor    = 1
	defaultMinor = 2
)

// ContainerHandle derives the tc classid for a container id. Major 1 is
// the daemon's qdisc, minor is the container id.
func ContainerHandle(id int) uint32 {
	return netlink.MakeHandle(rootMajor, uint16(id))
}

// Manager owns the HTB hierarchy on the physical uplinks.
type Manager struct{}

func NewManager() *Manager {
	return &Manager{}
}

func (m *Manager) uplinks() ([]netlink.Link, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, perr.System("link list", err)
	}
	var ups []netlink.Link
	for _, link := range links {
		attrs := link.Attrs()
		if attrs.Flags&net.FlagLoopback != 0 || attrs.Flags&net.FlagUp == 0 {
			continue
		}
		ups = append(ups, link)
	}
	return ups, nil
}

// InitRoot installs the root HTB qdisc on every uplink. Traffic without
// a class lands in the default minor.
func (m *Manager) InitRoot() error {
	links, err := m.uplinks()
	if err != nil {
		return err
	}
	for _, link := range links {
		qdisc := netlink.NewHtb(netlink.QdiscAttrs{
			LinkIndex: link.Attrs().Index,
			Handle:    netlink.MakeHandle(rootMajor, 0),
			Parent:    netlink.HANDLE_ROOT,
		})
		qdisc.Defcls = defaultMinor
		if err := netlink.QdiscReplace(qdisc); err != nil {
			return perr.System("qdisc replace on "+link.Attrs().Name, err)
		}
		logrus.Debugf("Installed root htb qdisc on %s", link.Attrs().Name)
	}
	return nil
}

// SetupClass creates or updates the HTB class for classid on every
// uplink. Zero rate and ceil leave the class effectively unshaped.
func (m *Manager) SetupClass(classid uint32, prio uint32, rate, ceil uint64) error {
	links, err := m.uplinks()
	if err != nil {
		return err
	}
	const unshaped = uint64(1 << 35)
	if rate == 0 {
		rate = unshaped
	}
	if ceil == 0 {
		ceil = unshaped
	}
	for _, link := range links {
		class := netlink.NewHtbClass(netlink.ClassAttrs{
			LinkIndex: link.Attrs().Index,
			Handle:    classid,
			Parent:    netlink.MakeHandle(rootMajor, 0),
		}, netlink.HtbClassAttrs{
			Rate: rate,
			Ceil: ceil,
			Prio: prio,
		})
		if err := netlink.ClassReplace(class); err != nil {
			return perr.System("class replace on "+link.Attrs().Name, err)
		}
	}
	return nil
}

// DeleteClass removes the class from all uplinks. A class the kernel no
// longer knows is skipped.
func (m *Manager) DeleteClass(classid uint32) error {
	links, err := m.uplinks()
	if err != nil {
		return err
	}
	for _, link := range links {
		class := netlink.NewHtbClass(netlink.ClassAttrs{
			LinkIndex: link.Attrs().Index,
			Handle:    classid,
			Parent:    netlink.MakeHandle(rootMajor, 0),
		}, netlink.HtbClassAttrs{})
		if err := netlink.ClassDel(class); err != nil {
			logrus.Debugf("Cannot delete class %x on %s: %v",
				classid, link.Attrs().Name, err)
		}
	}
	return nil
}

// InNamespace runs fn with the calling thread moved into the network
// namespace of pid, restoring the host namespace afterwards.
func InNamespace(pid int, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	host, err := netns.Get()
	if err != nil {
		return perr.System("get host netns", err)
	}
	defer host.Close()
	target, err := netns.GetFromPid(pid)
	if err != nil {
		return perr.System("get netns", err)
	}
	defer target.Close()
	if err := netns.Set(target); err != nil {
		return perr.System("enter netns", err)
	}
	defer func() {
		if err := netns.Set(host); err != nil {
			logrus.Errorf("Cannot return to host netns: %v", err)
		}
	}()
	return fn()
}

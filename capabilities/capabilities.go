// Package capabilities models Linux capability sets as bitmasks over the
// names known to gocapability, plus the fixed masks the daemon uses to
// bound what containers may keep.
package capabilities

import (
	"os"
	"strings"

	"github.com/syndtr/gocapability/capability"

	"github.com/fsl-jyt/porto/perr"
)

// Set is a capability bitmask, bit index is the capability number.
type Set struct {
	Mask uint64
}

var capNames = map[string]capability.Cap{}

func init() {
	for _, c := range capability.List() {
		capNames[strings.ToUpper(c.String())] = c
	}
}

func caps(list ...capability.Cap) Set {
	var s Set
	for _, c := range list {
		s.Mask |= 1 << uint(c)
	}
	return s
}

var (
	Nothing = Set{}

	// HostAllowed is what a non-root owner may keep outside chroot.
	HostAllowed = caps(
		capability.CAP_CHOWN, capability.CAP_DAC_OVERRIDE,
		capability.CAP_FOWNER, capability.CAP_FSETID,
		capability.CAP_KILL, capability.CAP_SETGID,
		capability.CAP_SETUID, capability.CAP_SETPCAP,
		capability.CAP_LINUX_IMMUTABLE, capability.CAP_NET_BIND_SERVICE,
		capability.CAP_NET_ADMIN, capability.CAP_NET_RAW,
		capability.CAP_IPC_LOCK, capability.CAP_SYS_CHROOT,
		capability.CAP_SYS_PTRACE, capability.CAP_SYS_NICE,
		capability.CAP_SYS_RESOURCE, capability.CAP_MKNOD,
		capability.CAP_AUDIT_WRITE, capability.CAP_SETFCAP)

	// ChrootBound caps the bounding set of chrooted containers.
	ChrootBound = caps(
		capability.CAP_CHOWN, capability.CAP_DAC_OVERRIDE,
		capability.CAP_FOWNER, capability.CAP_FSETID,
		capability.CAP_KILL, capability.CAP_SETGID,
		capability.CAP_SETUID, capability.CAP_SETPCAP,
		capability.CAP_NET_BIND_SERVICE, capability.CAP_NET_ADMIN,
		capability.CAP_NET_RAW, capability.CAP_IPC_LOCK,
		capability.CAP_SYS_CHROOT, capability.CAP_SYS_PTRACE,
		capability.CAP_SYS_NICE, capability.CAP_SYS_RESOURCE,
		capability.CAP_MKNOD, capability.CAP_AUDIT_WRITE,
		capability.CAP_SETFCAP)

	// PidNs caps require an own pid namespace.
	PidNs = caps(capability.CAP_KILL, capability.CAP_SYS_BOOT)

	// MemCg caps require an own memory limit.
	MemCg = caps(capability.CAP_IPC_LOCK)

	// NetNs caps require an own network namespace.
	NetNs = caps(
		capability.CAP_NET_BIND_SERVICE, capability.CAP_NET_ADMIN,
		capability.CAP_NET_RAW)
)

// HostBound returns the daemon's own bounding set, the upper bound for
// every container. A probe failure falls back to the full known set.
func HostBound() Set {
	pcaps, err := capability.NewPid2(os.Getpid())
	if err == nil {
		err = pcaps.Load()
	}
	if err != nil {
		return All()
	}
	var s Set
	for _, c := range capability.List() {
		if pcaps.Get(capability.BOUNDING, c) {
			s.Mask |= 1 << uint(c)
		}
	}
	return s
}

// All returns every capability known to the library.
func All() Set {
	var s Set
	for _, c := range capability.List() {
		s.Mask |= 1 << uint(c)
	}
	return s
}

func (s Set) Has(c capability.Cap) bool   { return s.Mask&(1<<uint(c)) != 0 }
func (s Set) IsEmpty() bool               { return s.Mask == 0 }
func (s Set) IsSubsetOf(other Set) bool   { return s.Mask&^other.Mask == 0 }
func (s Set) And(other Set) Set           { return Set{s.Mask & other.Mask} }
func (s Set) Or(other Set) Set            { return Set{s.Mask | other.Mask} }
func (s Set) AndNot(other Set) Set        { return Set{s.Mask &^ other.Mask} }

// Format renders the set in the list value form, e.g. "CHOWN; KILL".
func (s Set) Format() string {
	var names []string
	for _, c := range capability.List() {
		if s.Has(c) {
			names = append(names, strings.ToUpper(c.String()))
		}
	}
	return strings.Join(names, "; ")
}

// Parse accepts the Format form. Unknown names fail with InvalidValue.
func Parse(v string) (Set, error) {
	var s Set
	for _, name := range strings.Split(v, ";") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		c, ok := capNames[strings.ToUpper(name)]
		if !ok {
			return Nothing, perr.Newf(perr.InvalidValue, "unknown capability %s", name)
		}
		s.Mask |= 1 << uint(c)
	}
	return s, nil
}

package porto

import (
	"strings"

	"github.com/fsl-jyt/porto/cgroups"
	"github.com/fsl-jyt/porto/cgroups/fs"
	"github.com/fsl-jyt/porto/perr"
)

// Prop is the bit index of a container property in the set/dirty bitsets.
type Prop int

const (
	PropState Prop = iota
	PropOwnerUser
	PropOwnerGroup
	PropUser
	PropGroup
	PropCommand
	PropEnv
	PropIsolate
	PropVirtMode
	PropRoot
	PropCwd
	PropHostname
	PropResolvConf
	PropStdoutPath
	PropStderrPath
	PropStdoutLimit
	PropMemLimit
	PropMemGuarantee
	PropAnonLimit
	PropDirtyLimit
	PropHugetlbLimit
	PropRechargeOnPgfault
	PropPressurizeOnDeath
	PropOomIsFatal
	PropOomScoreAdj
	PropCpuLimit
	PropCpuGuarantee
	PropCpuPolicy
	PropCpuWeight
	PropCpuPeriod
	PropCpuSet
	PropIoPolicy
	PropIoWeight
	PropIoLimit
	PropIoOpsLimit
	PropThreadLimit
	PropUlimit
	PropCapabilities
	PropCapAmbient
	PropDevices
	PropControllers
	PropRespawn
	PropRespawnLimit
	PropRespawnCount
	PropRespawnDelay
	PropAgingTime
	PropWeak
	PropPrivate
	PropLabels
	PropRootPid
	PropExitStatus
	PropOomKilled
	PropCreationTime
	PropStartTime
	PropDeathTime

	// PropCpuSetAffinity tracks a pending cpuset kernel write computed
	// by cpu distribution, it has no named property.
	PropCpuSetAffinity

	numProps
)

// property describes one named container property. The table is built at
// init time and never changes afterwards.
type property struct {
	name string
	prop Prop

	// dynamic properties may change while the container runs, the rest
	// only in Stopped state
	dynamic bool
	// readOnly properties reject SetProperty but may still carry a
	// setter for state restore
	readOnly bool
	// runtimeOnly properties have no value in Stopped state
	runtimeOnly bool
	// persist properties go into the container's key-value record
	persist bool

	controllers uint64

	get        func(c *Container) (string, error)
	set        func(c *Container, v string) error
	getIndexed func(c *Container, index string) (string, error)
	setIndexed func(c *Container, index, v string) error
}

var (
	properties    = map[string]*property{}
	propertyOrder []string
)

func registerProperty(p *property) {
	if _, ok := properties[p.name]; ok {
		panic("duplicate property " + p.name)
	}
	properties[p.name] = p
	propertyOrder = append(propertyOrder, p.name)
}

// splitPropertyName splits "name[key]" into name and key.
func splitPropertyName(name string) (string, string, bool) {
	open := strings.IndexByte(name, '[')
	if open < 0 || !strings.HasSuffix(name, "]") {
		return name, "", false
	}
	return name[:open], strings.TrimSpace(name[open+1 : len(name)-1]), true
}

// SetProperty parses and stages a property value, applies it to the
// kernel if the container runs and persists the container record. The
// caller must hold the write lock.
func (c *Container) SetProperty(name, value string) error {
	if c.IsRoot() {
		return perr.New(perr.Permission, "root container is read-only")
	}
	base, index, indexed := splitPropertyName(name)
	p := properties[base]
	if p == nil {
		return perr.New(perr.InvalidProperty, "unknown property "+base)
	}
	if p.readOnly {
		return perr.New(perr.InvalidProperty, "property "+base+" is read-only")
	}
	if !p.dynamic && c.state != Stopped {
		return perr.New(perr.InvalidState,
			"cannot set property "+base+" in state "+c.state.String())
	}
	if p.controllers != 0 {
		if err := c.EnableControllers(p.controllers); err != nil {
			return err
		}
	}

	var prev string
	hadProp := c.HasProp(p.prop)
	if p.get != nil {
		prev, _ = p.get(c)
	}

	var err error
	if indexed {
		if p.setIndexed == nil {
			return perr.New(perr.InvalidProperty, "property "+base+" is not indexed")
		}
		err = p.setIndexed(c, index, value)
	} else {
		err = p.set(c, value)
	}
	if err != nil {
		return err
	}
	c.SetProp(p.prop)

	switch c.state {
	case Running, Meta, Starting:
		if err := c.ApplyDynamicProperties(); err != nil {
			if p.set != nil {
				if restoreErr := p.set(c, prev); restoreErr == nil && !hadProp {
					c.ClearProp(p.prop)
				}
			}
			c.ClearPropDirty(p.prop)
			return err
		}
	}
	return c.save()
}

// GetProperty returns the string form of a property. A name with a
// controller prefix like "memory.stat" reads the knob straight from the
// container's cgroup.
func (c *Container) GetProperty(name string) (string, error) {
	if dot := strings.IndexByte(name, '.'); dot > 0 {
		typ := name[:dot]
		if _, ok := cgroups.ParseController(typ); ok {
			return c.getKnob(typ, name[dot+1:])
		}
	}
	base, index, indexed := splitPropertyName(name)
	p := properties[base]
	if p == nil {
		return "", perr.New(perr.InvalidProperty, "unknown property "+base)
	}
	if p.runtimeOnly && c.state == Stopped {
		return "", perr.New(perr.InvalidState,
			"property "+base+" is not available in stopped state")
	}
	if indexed {
		if p.getIndexed == nil {
			return "", perr.New(perr.InvalidProperty, "property "+base+" is not indexed")
		}
		return p.getIndexed(c, index)
	}
	return p.get(c)
}

func (c *Container) getKnob(typ, knob string) (string, error) {
	if c.state == Stopped {
		return "", perr.New(perr.InvalidState,
			"cgroup knobs are not available in stopped state")
	}
	h, err := fs.Get(typ)
	if err != nil {
		return "", err
	}
	v, err := c.GetCgroup(h).Knob(typ + "." + knob)
	if err != nil {
		return "", perr.New(perr.NoValue, "cannot read knob "+typ+"."+knob)
	}
	return strings.TrimRight(v, "\n"), nil
}

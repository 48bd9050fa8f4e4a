package porto

import (
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/fsl-jyt/porto/cgroups"
	"github.com/fsl-jyt/porto/cgroups/fs"
	"github.com/fsl-jyt/porto/config"
	"github.com/fsl-jyt/porto/perr"
	"github.com/fsl-jyt/porto/system"
	"github.com/fsl-jyt/porto/utils"
)

// loadCpuTopology reads the host cpu layout: online cpus, the sibling
// threads of every core and the numa node cpu lists.
func (t *Tree) loadCpuTopology() error {
	cfg := config.Get()

	if err := t.Root.CpuAffinity.ReadFile(cfg.SysfsCpu + "/online"); err != nil {
		return err
	}

	t.coreThreads = make([]*utils.BitMap, t.Root.CpuAffinity.Size())
	for cpu := uint(0); cpu < t.Root.CpuAffinity.Size(); cpu++ {
		if !t.Root.CpuAffinity.Get(cpu) {
			continue
		}
		bm := &utils.BitMap{}
		path := fmt.Sprintf("%s/cpu%d/topology/thread_siblings_list", cfg.SysfsCpu, cpu)
		if err := bm.ReadFile(path); err != nil {
			return err
		}
		t.coreThreads[cpu] = bm
	}

	t.numaNodes = &utils.BitMap{}
	if err := t.numaNodes.ReadFile(cfg.SysfsNode + "/online"); err != nil {
		return err
	}
	t.nodeThreads = make([]*utils.BitMap, t.numaNodes.Size())
	for node := uint(0); node < t.numaNodes.Size(); node++ {
		if !t.numaNodes.Get(node) {
			continue
		}
		bm := &utils.BitMap{}
		path := fmt.Sprintf("%s/node%d/cpulist", cfg.SysfsNode, node)
		if err := bm.ReadFile(path); err != nil {
			return err
		}
		t.nodeThreads[node] = bm
	}
	return nil
}

// reserveCpus claims whole cores and single threads from the vacancy.
// Cores take every sibling thread out of the vacancy but report only the
// leading thread; single threads prefer cpus whose siblings are already
// taken so untouched cores stay available.
func (c *Container) reserveCpus(nrThreads, nrCores int, threads, cores *utils.BitMap) error {
	coreThreads := c.tree.coreThreads
	tryThread := true

	threads.Clear()
	cores.Clear()

again:
	for cpu := uint(0); cpu < c.CpuVacant.Size(); cpu++ {
		if !c.CpuVacant.Get(cpu) {
			continue
		}
		if int(cpu) < len(coreThreads) && coreThreads[cpu] != nil &&
			coreThreads[cpu].IsSubsetOf(&c.CpuVacant) {
			if nrCores > 0 {
				nrCores--
				cores.SetBit(cpu)
				threads.SetMap(coreThreads[cpu])
				c.CpuVacant.ClearMap(coreThreads[cpu])
			} else if !tryThread {
				nrThreads--
				threads.SetBit(cpu)
				c.CpuVacant.ClearBit(cpu)
				tryThread = true
			}
		} else if nrThreads > 0 {
			nrThreads--
			threads.SetBit(cpu)
			c.CpuVacant.ClearBit(cpu)
		}
		if nrThreads == 0 && nrCores == 0 {
			break
		}
	}

	if tryThread && nrThreads > 0 {
		tryThread = false
		goto again
	}

	if nrThreads > 0 || nrCores > 0 || (c.IsRoot() && c.CpuVacant.Weight() == 0) {
		c.CpuVacant.SetMap(threads)
		threads.Clear()
		cores.Clear()
		return perr.Newf(perr.ResourceNotAvailable, "not enough cpus in CT%d:%s", c.Id, c.Name)
	}
	return nil
}

var cpuSetOrder = []CpuSetType{
	CpuSetAbsolute,
	CpuSetNode,
	CpuSetCores,
	CpuSetThreads,
	CpuSetReserve,
	CpuSetInherit,
}

// DistributeCpus partitions this subtree's cpus among the children of
// every non-stopped node, then pushes the result into the cpuset cgroups
// in two passes: widen parent-first, narrow child-first, so no cgroup is
// ever transiently empty.
func (c *Container) DistributeCpus() error {
	t := c.tree
	t.mu.Lock()
	defer t.mu.Unlock()

	if c.IsRoot() {
		if err := t.loadCpuTopology(); err != nil {
			return err
		}
	}

	c.CpuVacant.Clear()
	c.CpuVacant.SetMap(&c.CpuAffinity)

	subtree := c.subtreeLocked()
	// parent-first
	for i, j := 0, len(subtree)-1; i < j; i, j = i+1, j-1 {
		subtree[i], subtree[j] = subtree[j], subtree[i]
	}

	for _, parent := range subtree {
		if parent.state == Stopped || parent.state == Dead {
			continue
		}
		if len(parent.children) == 0 {
			continue
		}

		logrus.Debugf("Distribute CPUs %s in CT%d:%s",
			parent.CpuVacant.Format(), parent.Id, parent.Name)

		var vacantGuarantee uint64

		for _, typ := range cpuSetOrder {
			for _, ct := range parent.children {
				if ct.CpuSetType != typ || ct.state == Stopped || ct.state == Dead {
					continue
				}

				ct.CpuVacant.Clear()
				ct.CpuReserve.Clear()

				var affinity utils.BitMap
				switch typ {
				case CpuSetInherit:
					affinity.SetMap(&parent.CpuVacant)
				case CpuSetAbsolute:
					if err := affinity.Parse(ct.CpuSetArg); err != nil {
						return perr.Newf(perr.InvalidValue,
							"invalid cpu set for CT%d:%s: %s", ct.Id, ct.Name, ct.CpuSetArg)
					}
				case CpuSetNode:
					node, _ := strconv.Atoi(ct.CpuSetArg)
					if !t.numaNodes.Get(uint(node)) {
						return perr.Newf(perr.ResourceNotAvailable,
							"numa node not found for CT%d:%s", ct.Id, ct.Name)
					}
					affinity.SetMap(t.nodeThreads[node])
				case CpuSetCores:
					n, _ := strconv.Atoi(ct.CpuSetArg)
					if err := parent.reserveCpus(0, n, &ct.CpuReserve, &affinity); err != nil {
						return err
					}
				case CpuSetThreads:
					n, _ := strconv.Atoi(ct.CpuSetArg)
					var cores utils.BitMap
					if err := parent.reserveCpus(n, 0, &ct.CpuReserve, &cores); err != nil {
						return err
					}
					affinity.SetMap(&ct.CpuReserve)
				case CpuSetReserve:
					n, _ := strconv.Atoi(ct.CpuSetArg)
					var cores utils.BitMap
					if err := parent.reserveCpus(n, 0, &ct.CpuReserve, &cores); err != nil {
						return err
					}
					affinity.SetMap(&parent.CpuAffinity)
				}

				if affinity.Weight() == 0 || !affinity.IsSubsetOf(&parent.CpuAffinity) {
					return perr.Newf(perr.ResourceNotAvailable,
						"not enough cpus for CT%d:%s", ct.Id, ct.Name)
				}

				if !ct.CpuAffinity.IsEqual(&affinity) {
					ct.CpuAffinity.Clear()
					ct.CpuAffinity.SetMap(&affinity)
					ct.SetProp(PropCpuSetAffinity)
				}

				if ct.CpuReserve.Weight() > 0 {
					logrus.Infof("Reserve CPUs %s for CT%d:%s",
						ct.CpuReserve.Format(), ct.Id, ct.Name)
				} else {
					vacantGuarantee += maxUint64(ct.CpuGuarantee, ct.CpuGuaranteeSum)
				}

				logrus.Debugf("Assign CPUs %s for CT%d:%s",
					ct.CpuAffinity.Format(), ct.Id, ct.Name)

				ct.CpuVacant.SetMap(&ct.CpuAffinity)
			}
		}

		if vacantGuarantee > uint64(parent.CpuVacant.Weight())*fs.CpuPowerPerSec {
			if !parent.CpuVacant.IsEqual(&parent.CpuAffinity) {
				return perr.Newf(perr.ResourceNotAvailable,
					"not enough cpus for cpu_guarantee in CT%d:%s", parent.Id, parent.Name)
			}
			logrus.Warnf("CPU guarantee overcommit in CT%d:%s", parent.Id, parent.Name)
		}
	}

	// widen parent-first
	for _, ct := range subtree {
		if ct == c || ct.Controllers&cgroups.Cpuset == 0 ||
			!ct.TestPropDirty(PropCpuSetAffinity) ||
			ct.state == Stopped || ct.state == Dead {
			continue
		}
		cg := ct.GetCgroup(fs.CpusetSubsystem.Hierarchy)
		if !cg.Exists() {
			continue
		}
		if err := fs.CpusetSubsystem.SetCpus(cg, c.CpuAffinity.Format()); err != nil {
			logrus.Errorf("Cannot set cpu affinity: %v", err)
			return err
		}
	}

	// narrow child-first
	for i := len(subtree) - 1; i >= 0; i-- {
		ct := subtree[i]
		if ct == c || ct.Controllers&cgroups.Cpuset == 0 ||
			!ct.TestClearPropDirty(PropCpuSetAffinity) ||
			ct.state == Stopped || ct.state == Dead {
			continue
		}
		cg := ct.GetCgroup(fs.CpusetSubsystem.Hierarchy)
		if !cg.Exists() {
			continue
		}
		if err := fs.CpusetSubsystem.SetCpus(cg, ct.CpuAffinity.Format()); err != nil {
			logrus.Errorf("Cannot set cpu affinity: %v", err)
			return err
		}
		if err := fs.CpusetSubsystem.SetMems(cg, ct.CpuMems); err != nil {
			logrus.Errorf("Cannot set mem affinity: %v", err)
			return err
		}
	}
	return nil
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// ApplyCpuGuarantee recomputes the aggregated guarantee and writes the
// cpu shares of this container.
func (c *Container) ApplyCpuGuarantee() error {
	if config.Get().PropagateCpuGuarantee {
		c.tree.mu.Lock()
		c.CpuGuaranteeSum = 0
		for _, child := range c.children {
			switch child.state {
			case Running, Meta, Starting, Stopping:
				c.CpuGuaranteeSum += maxUint64(child.CpuGuarantee, child.CpuGuaranteeSum)
			}
		}
		c.tree.mu.Unlock()
	}

	cur := maxUint64(c.CpuGuarantee, c.CpuGuaranteeSum)
	if !c.IsRoot() && c.Controllers&cgroups.Cpu != 0 && cur != c.CpuGuaranteeCur {
		logrus.Infof("Set cpu guarantee CT%d:%s %s -> %s", c.Id, c.Name,
			formatCpuPower(c.CpuGuaranteeCur), formatCpuPower(cur))
		cg := c.GetCgroup(fs.CpuSubsystem.Hierarchy)
		if err := fs.CpuSubsystem.SetGuarantee(cg, c.CpuPolicy, c.CpuWeight, c.CpuPeriod, cur); err != nil {
			logrus.Errorf("Cannot set cpu guarantee: %v", err)
			return err
		}
		c.CpuGuaranteeCur = cur
	}
	return nil
}

// PropagateCpuLimit refreshes CpuLimitSum on this container and its
// ancestors, stopping at the first node whose sum is unchanged.
func (c *Container) PropagateCpuLimit() {
	max := c.tree.Root.CpuLimit
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()

	for ct := c; ct != nil; ct = ct.Parent {
		var sum uint64

		if ct.state == Running || (ct.state == Starting && !ct.IsMeta()) {
			if ct.CpuLimit != 0 {
				sum += ct.CpuLimit
			} else {
				sum += max
			}
		}
		for _, child := range ct.children {
			limit := child.CpuLimit
			if limit == 0 {
				limit = max
			}
			if child.state == Running || (child.state == Starting && !child.IsMeta()) {
				sum += limit
			} else if child.state == Meta {
				sum += minUint64(limit, child.CpuLimitSum)
			}
		}

		if sum == ct.CpuLimitSum {
			break
		}
		logrus.Debugf("Propagate total cpu limit CT%d:%s %s -> %s", ct.Id, ct.Name,
			formatCpuPower(ct.CpuLimitSum), formatCpuPower(sum))
		ct.CpuLimitSum = sum
	}
}

// setCpuLimit writes both the rt and the cfs limit.
func (c *Container) setCpuLimit(limit uint64) error {
	cg := c.GetCgroup(fs.CpuSubsystem.Hierarchy)

	logrus.Infof("Set cpu limit CT%d:%s %s -> %s", c.Id, c.Name,
		formatCpuPower(c.CpuLimitCur), formatCpuPower(limit))

	if err := fs.CpuSubsystem.SetRtLimit(cg, c.CpuPeriod, limit); err != nil {
		if c.CpuPolicy == "rt" {
			return err
		}
		logrus.Warnf("Cannot set rt cpu limit: %v", err)
	}
	if err := fs.CpuSubsystem.SetLimit(cg, c.CpuPeriod, limit); err != nil {
		return err
	}
	c.CpuLimitCur = limit
	return nil
}

// ApplyCpuLimit writes the cpu limit. A limit wider than some ancestor's
// is dropped. When the limit shrinks, descendants above the new value
// are squeezed first so the subtree never exceeds the new bound.
func (c *Container) ApplyCpuLimit() error {
	limit := c.CpuLimit

	for p := c.Parent; p != nil; p = p.Parent {
		if p.CpuLimit != 0 && p.CpuLimit <= limit {
			logrus.Infof("Disable cpu limit %s for CT%d:%s, parent CT%d:%s has lower limit %s",
				formatCpuPower(limit), c.Id, c.Name, p.Id, p.Name, formatCpuPower(p.CpuLimit))
			limit = 0
			break
		}
	}

	subtree := c.Subtree()

	if limit != 0 && (limit < c.CpuLimitCur || c.CpuLimitCur == 0) {
		for _, ct := range subtree {
			if ct != c && ct.state != Stopped &&
				ct.Controllers&cgroups.Cpu != 0 && ct.CpuLimitCur > limit {
				if err := ct.setCpuLimit(limit); err != nil {
					logrus.Warnf("Cannot squeeze cpu limit for CT%d:%s: %v", ct.Id, ct.Name, err)
				}
			}
		}
	}

	if err := c.setCpuLimit(limit); err != nil {
		return err
	}

	for _, ct := range subtree {
		if ct == c || ct.state == Stopped || ct.Controllers&cgroups.Cpu == 0 {
			continue
		}
		limit := ct.CpuLimit
		for p := ct.Parent; p != nil && limit != 0; p = p.Parent {
			if p.CpuLimit != 0 && p.CpuLimit <= limit {
				limit = 0
			}
		}
		if limit != ct.CpuLimitCur {
			if err := ct.setCpuLimit(limit); err != nil {
				return err
			}
		}
	}
	return nil
}

// UpdateSoftLimit squeezes dead and hollow meta ancestors with a small
// memory soft limit and lifts it once they have running work again.
func (c *Container) UpdateSoftLimit() error {
	cfg := config.Get()
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()

	for ct := c; !ct.IsRoot(); ct = ct.Parent {
		if ct.Controllers&cgroups.Memory == 0 {
			continue
		}

		lim := int64(-1)
		if ct.PressurizeOnDeath &&
			(ct.state == Dead ||
				(ct.state == Meta && ct.RunningChildren == 0 && ct.StartingChildren == 0)) {
			lim = cfg.DeadMemorySoftLimit
		}

		if ct.MemSoftLimit != lim {
			cg := ct.GetCgroup(fs.MemorySubsystem.Hierarchy)
			if err := fs.MemorySubsystem.SetSoftLimit(cg, lim); err != nil {
				return err
			}
			ct.MemSoftLimit = lim
		}
	}
	return nil
}

// CheckMemGuarantee verifies that raising the guarantee of one container
// still fits into host memory minus the configured reserve.
func (t *Tree) CheckMemGuarantee(ct *Container, guarantee uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := system.TotalMemory()
	reserve := config.Get().MemGuaranteeReserve

	old := ct.NewMemGuarantee
	ct.NewMemGuarantee = guarantee
	usage := t.Root.totalMemGuaranteeLocked()
	ct.NewMemGuarantee = old

	if usage+reserve > total {
		return perr.Newf(perr.ResourceNotAvailable,
			"memory guarantee overcommit by %d bytes", usage+reserve-total)
	}
	return nil
}

// totalMemGuaranteeLocked aggregates a subtree as the maximum of the own
// guarantee and the sum over children. Stopped containers do not count.
func (c *Container) totalMemGuaranteeLocked() uint64 {
	if c.state == Stopped {
		return 0
	}
	var sum uint64
	for _, child := range c.children {
		sum += child.totalMemGuaranteeLocked()
	}
	return maxUint64(c.NewMemGuarantee, sum)
}

// GetTotalMemLimit is the effective memory bound: a meta container is
// limited by the total of its children, everything is clipped by
// ancestor limits.
func (c *Container) GetTotalMemLimit() uint64 {
	c.tree.mu.Lock()
	defer c.tree.mu.Unlock()
	return c.totalMemLimitLocked(nil)
}

func (c *Container) totalMemLimitLocked(base *Container) uint64 {
	var lim uint64

	if c.IsMeta() && !c.OsMode() {
		for _, child := range c.children {
			if child.state == Stopped {
				continue
			}
			childLim := child.totalMemLimitLocked(c)
			if childLim == 0 {
				lim = 0
				break
			}
			lim += childLim
		}
	}

	for p := c; p != nil && p != base; p = p.Parent {
		if p.MemLimit != 0 && (p.MemLimit < lim || lim == 0) {
			lim = p.MemLimit
		}
	}
	return lim
}

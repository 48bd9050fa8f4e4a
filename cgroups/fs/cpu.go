package fs

// CpuPowerPerSec is the fixed-point cpu power unit: one full core per
// second. Cpu limits and guarantees are carried in these units.
const CpuPowerPerSec = 1000000000

const baseShares = 1024

type CpuGroup struct {
	*Hierarchy
}

// SetLimit writes the cfs bandwidth knobs. A zero limit removes the quota.
// period is in nanoseconds, limit in cpu power units.
func (s *CpuGroup) SetLimit(cg *Cgroup, period, limit uint64) error {
	periodUs := int64(period / 1000)
	if periodUs == 0 {
		periodUs = 100000
	}
	quotaUs := int64(-1)
	if limit > 0 {
		quotaUs = int64(limit) * periodUs / CpuPowerPerSec
		if quotaUs < 1000 {
			quotaUs = 1000
		}
	}
	if err := cg.SetKnobInt64("cpu.cfs_period_us", periodUs); err != nil {
		return err
	}
	return cg.SetKnobInt64("cpu.cfs_quota_us", quotaUs)
}

// SetRtLimit writes the rt bandwidth knobs when the kernel provides group
// rt scheduling.
func (s *CpuGroup) SetRtLimit(cg *Cgroup, period, limit uint64) error {
	if !s.HasRtGroup() {
		return nil
	}
	periodUs := int64(period / 1000)
	if periodUs == 0 {
		periodUs = 100000
	}
	runtimeUs := int64(-1)
	if limit > 0 {
		runtimeUs = int64(limit) * periodUs / CpuPowerPerSec
	}
	if err := cg.SetKnobInt64("cpu.rt_period_us", periodUs); err != nil {
		return err
	}
	return cg.SetKnobInt64("cpu.rt_runtime_us", runtimeUs)
}

// SetGuarantee maps a cpu guarantee onto cpu.shares. The idle policy pins
// the group at minimal weight regardless of the guarantee.
func (s *CpuGroup) SetGuarantee(cg *Cgroup, policy string, weight, period, guarantee uint64) error {
	shares := uint64(baseShares)
	switch policy {
	case "idle":
		shares = 2
	default:
		if guarantee > 0 {
			shares = baseShares * guarantee / CpuPowerPerSec
		}
		shares = shares * weight / 100
		if shares < 2 {
			shares = 2
		}
	}
	return cg.SetKnobUint64("cpu.shares", shares)
}

func (s *CpuGroup) HasRtGroup() bool {
	return s.RootCgroup().HasKnob("cpu.rt_runtime_us")
}

type CpuacctGroup struct {
	*Hierarchy
}

// Usage returns the accumulated cpu time of the group in nanoseconds.
func (s *CpuacctGroup) Usage(cg *Cgroup) (uint64, error) {
	return cg.KnobUint64("cpuacct.usage")
}

type CpusetGroup struct {
	*Hierarchy
}

func (s *CpusetGroup) SetCpus(cg *Cgroup, cpus string) error {
	return cg.SetKnob("cpuset.cpus", cpus)
}

// SetMems writes the memory node mask. An empty mask inherits the parent's
// nodes, which the kernel requires to be copied explicitly.
func (s *CpusetGroup) SetMems(cg *Cgroup, mems string) error {
	if mems == "" {
		parent, err := cg.Parent().Knob("cpuset.mems")
		if err != nil {
			return err
		}
		mems = parent
	}
	return cg.SetKnob("cpuset.mems", mems)
}

func (s *CpusetGroup) GetCpus(cg *Cgroup) (string, error) {
	return cg.Knob("cpuset.cpus")
}

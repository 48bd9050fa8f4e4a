package fs

import (
	"testing"
)

func TestCpuSetLimit(t *testing.T) {
	initTestRoot(t)
	cg := testCgroup(t, CpuSubsystem.Hierarchy, "portod/test", nil)

	// 100ms period, 1.5 cores
	if err := CpuSubsystem.SetLimit(cg, 100000000, 3*CpuPowerPerSec/2); err != nil {
		t.Fatal(err)
	}
	if v := knobContents(t, cg, "cpu.cfs_period_us"); v != "100000" {
		t.Errorf("cfs_period_us = %q", v)
	}
	if v := knobContents(t, cg, "cpu.cfs_quota_us"); v != "150000" {
		t.Errorf("cfs_quota_us = %q", v)
	}

	// zero limit drops the quota
	if err := CpuSubsystem.SetLimit(cg, 0, 0); err != nil {
		t.Fatal(err)
	}
	if v := knobContents(t, cg, "cpu.cfs_period_us"); v != "100000" {
		t.Errorf("default cfs_period_us = %q", v)
	}
	if v := knobContents(t, cg, "cpu.cfs_quota_us"); v != "-1" {
		t.Errorf("unlimited cfs_quota_us = %q", v)
	}

	// a tiny limit still gets the minimal runnable quota
	if err := CpuSubsystem.SetLimit(cg, 0, CpuPowerPerSec/1000); err != nil {
		t.Fatal(err)
	}
	if v := knobContents(t, cg, "cpu.cfs_quota_us"); v != "1000" {
		t.Errorf("minimal cfs_quota_us = %q", v)
	}
}

func TestCpuSetRtLimit(t *testing.T) {
	initTestRoot(t)
	cg := testCgroup(t, CpuSubsystem.Hierarchy, "portod/test", nil)

	if CpuSubsystem.HasRtGroup() {
		t.Fatal("rt group reported without the knob")
	}
	// without rt group support the call is a no-op
	if err := CpuSubsystem.SetRtLimit(cg, 0, CpuPowerPerSec); err != nil {
		t.Fatal(err)
	}

	root := CpuSubsystem.RootCgroup()
	if err := writeFile(root.Path(), "cpu.rt_runtime_us", "-1\n"); err != nil {
		t.Fatal(err)
	}
	if !CpuSubsystem.HasRtGroup() {
		t.Fatal("rt group not reported with the knob")
	}
	if err := CpuSubsystem.SetRtLimit(cg, 0, CpuPowerPerSec/2); err != nil {
		t.Fatal(err)
	}
	if v := knobContents(t, cg, "cpu.rt_period_us"); v != "100000" {
		t.Errorf("rt_period_us = %q", v)
	}
	if v := knobContents(t, cg, "cpu.rt_runtime_us"); v != "50000" {
		t.Errorf("rt_runtime_us = %q", v)
	}
}

func TestCpuSetGuarantee(t *testing.T) {
	initTestRoot(t)
	cg := testCgroup(t, CpuSubsystem.Hierarchy, "portod/test", nil)

	cases := []struct {
		policy    string
		weight    uint64
		guarantee uint64
		want      string
	}{
		{"normal", 100, 0, "1024"},
		{"normal", 100, 2 * CpuPowerPerSec, "2048"},
		{"normal", 50, 2 * CpuPowerPerSec, "1024"},
		{"normal", 100, CpuPowerPerSec / 1024, "2"},
		{"idle", 100, 2 * CpuPowerPerSec, "2"},
	}
	for _, tc := range cases {
		if err := CpuSubsystem.SetGuarantee(cg, tc.policy, tc.weight, 0, tc.guarantee); err != nil {
			t.Fatal(err)
		}
		if v := knobContents(t, cg, "cpu.shares"); v != tc.want {
			t.Errorf("shares(%s, w=%d, g=%d) = %q, want %q",
				tc.policy, tc.weight, tc.guarantee, v, tc.want)
		}
	}
}

func TestCpuacctUsage(t *testing.T) {
	initTestRoot(t)
	cg := testCgroup(t, CpuacctSubsystem.Hierarchy, "portod/test", map[string]string{
		"cpuacct.usage": "123456789\n",
	})
	v, err := CpuacctSubsystem.Usage(cg)
	if err != nil || v != 123456789 {
		t.Errorf("Usage() = %d, %v", v, err)
	}
}

func TestCpusetMems(t *testing.T) {
	initTestRoot(t)
	parent := testCgroup(t, CpusetSubsystem.Hierarchy, "portod", map[string]string{
		"cpuset.mems": "0-1",
	})
	cg := testCgroup(t, CpusetSubsystem.Hierarchy, "portod/test", nil)

	// an empty mask copies the parent nodes
	if err := CpusetSubsystem.SetMems(cg, ""); err != nil {
		t.Fatal(err)
	}
	if v := knobContents(t, cg, "cpuset.mems"); v != "0-1" {
		t.Errorf("inherited cpuset.mems = %q", v)
	}
	if err := CpusetSubsystem.SetMems(cg, "1"); err != nil {
		t.Fatal(err)
	}
	if v := knobContents(t, cg, "cpuset.mems"); v != "1" {
		t.Errorf("cpuset.mems = %q", v)
	}
	_ = parent
}

func TestCpusetCpus(t *testing.T) {
	initTestRoot(t)
	cg := testCgroup(t, CpusetSubsystem.Hierarchy, "portod/test", nil)
	if err := CpusetSubsystem.SetCpus(cg, "0-3"); err != nil {
		t.Fatal(err)
	}
	v, err := CpusetSubsystem.GetCpus(cg)
	if err != nil || v != "0-3" {
		t.Errorf("GetCpus() = %q, %v", v, err)
	}
}

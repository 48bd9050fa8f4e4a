// Package config holds the daemon configuration. The daemon fills it once
// at startup; the rest of the code reads it through Get.
package config

import (
	"sync"
	"time"
)

type Daemon struct {
	// WorkDir is the root of per-container work directories.
	WorkDir string

	// KeyValueDir holds one persistence record per container id.
	KeyValueDir string

	// CgroupPrefix names the daemon cgroup under every controller root.
	CgroupPrefix string

	// SysfsCpu and SysfsNode point at the cpu and node topology trees.
	// Tests repoint them at fixtures.
	SysfsCpu  string
	SysfsNode string

	// MemGuaranteeReserve is host memory kept out of guarantee admission.
	MemGuaranteeReserve uint64

	FreezerWaitAttempts int
	FreezerWaitInterval time.Duration

	RespawnDelay     time.Duration
	AgingTime        time.Duration
	RotateLogsPeriod time.Duration

	// StopTimeout bounds graceful Stop when the client passes none.
	StopTimeout time.Duration

	MaxContainers         int
	SuperuserContainers   int
	ServiceContainers     int
	StdoutLimit           uint64
	DeadMemorySoftLimit   int64
	PropagateCpuGuarantee bool

	// PressurizeOnDeath squeezes dead containers with a tiny soft limit.
	PressurizeOnDeath bool
}

func Default() *Daemon {
	return &Daemon{
		WorkDir:               "/place/portod",
		KeyValueDir:           "/run/portod/kv",
		CgroupPrefix:          "portod",
		SysfsCpu:              "/sys/devices/system/cpu",
		SysfsNode:             "/sys/devices/system/node",
		MemGuaranteeReserve:   2 << 30,
		FreezerWaitAttempts:   100,
		FreezerWaitInterval:   100 * time.Millisecond,
		RespawnDelay:          time.Second,
		AgingTime:             24 * time.Hour,
		RotateLogsPeriod:      time.Minute,
		StopTimeout:           30 * time.Second,
		MaxContainers:         3000,
		SuperuserContainers:   100,
		ServiceContainers:     3,
		StdoutLimit:           8 << 20,
		DeadMemorySoftLimit:   1 << 20,
		PropagateCpuGuarantee: true,
		PressurizeOnDeath:     false,
	}
}

var (
	mu  sync.RWMutex
	cfg = Default()
)

func Get() *Daemon {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

func Set(c *Daemon) {
	mu.Lock()
	defer mu.Unlock()
	cfg = c
}

// Package system wraps the raw kernel interfaces the daemon needs beyond
// the cgroup filesystem: process probes, scheduling knobs, rlimits and
// host-wide figures.
package system

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/fsl-jyt/porto/perr"
)

// TaskAlive reports whether the pid exists, zombies included.
func TaskAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// TaskZombie reports whether the task has exited but was not reaped yet.
func TaskZombie(pid int) bool {
	state, err := taskStatField(pid, 3)
	return err == nil && state == "Z"
}

// TaskPPid returns the parent pid, 0 when the task is gone.
func TaskPPid(pid int) int {
	s, err := taskStatField(pid, 4)
	if err != nil {
		return 0
	}
	ppid, _ := strconv.Atoi(s)
	return ppid
}

// TaskName returns the comm of the task.
func TaskName(pid int) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// taskStatField returns the n-th field of /proc/<pid>/stat, counting from
// 1. The comm field may contain spaces, so fields are located after the
// closing parenthesis.
func taskStatField(pid, n int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return "", err
	}
	s := string(data)
	end := strings.LastIndexByte(s, ')')
	if end < 0 || n < 3 {
		return "", fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(s[end+1:])
	if len(fields) < n-2 {
		return "", fmt.Errorf("short stat for pid %d", pid)
	}
	return fields[n-3], nil
}

// TaskHandledSignals returns the SigCgt mask from /proc/<pid>/status.
func TaskHandledSignals(pid int) uint64 {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "SigCgt:") {
			continue
		}
		mask, err := strconv.ParseUint(strings.TrimSpace(line[len("SigCgt:"):]), 16, 64)
		if err != nil {
			return 0
		}
		return mask
	}
	return 0
}

// SignalHandled reports whether sig is in the caught-signal mask.
func SignalHandled(mask uint64, sig syscall.Signal) bool {
	return mask&(1<<(uint(sig)-1)) != 0
}

// Kill delivers a signal; ESRCH is not an error, the task simply exited.
func Kill(pid int, sig syscall.Signal) error {
	if err := unix.Kill(pid, sig); err != nil && err != unix.ESRCH {
		return perr.System(fmt.Sprintf("kill %d", pid), err)
	}
	return nil
}

// Rlimit is one resource limit to push onto a task.
type Rlimit struct {
	Resource int
	Soft     uint64
	Hard     uint64
}

// ApplyRlimits sets limits on a live task through prlimit. A vanished task
// is not an error.
func ApplyRlimits(pid int, limits []Rlimit) error {
	for _, l := range limits {
		rl := unix.Rlimit{Cur: l.Soft, Max: l.Hard}
		if err := unix.Prlimit(pid, l.Resource, &rl, nil); err != nil {
			if err == unix.ESRCH {
				return nil
			}
			return perr.System(fmt.Sprintf("prlimit %d", pid), err)
		}
	}
	return nil
}

// Scheduling policies, matching the kernel numbering.
const (
	SchedOther = 0
	SchedBatch = 3
	SchedIso   = 4
	SchedIdle  = 5
	SchedRR    = 2
)

type schedParam struct {
	priority int32
}

// SetScheduler applies a scheduling policy and rt priority to one task.
func SetScheduler(pid, policy, prio int) error {
	param := schedParam{priority: int32(prio)}
	_, _, errno := unix.Syscall(unix.SYS_SCHED_SETSCHEDULER,
		uintptr(pid), uintptr(policy), uintptr(unsafe.Pointer(&param)))
	if errno != 0 && errno != unix.ESRCH {
		return perr.System(fmt.Sprintf("sched_setscheduler %d", pid), errno)
	}
	return nil
}

// GetScheduler returns the current policy of a task, -1 when it is gone.
func GetScheduler(pid int) int {
	policy, _, errno := unix.Syscall(unix.SYS_SCHED_GETSCHEDULER, uintptr(pid), 0, 0)
	if errno != 0 {
		return -1
	}
	return int(policy)
}

// SetNice adjusts the nice value of one task.
func SetNice(pid, nice int) error {
	if err := unix.Setpriority(unix.PRIO_PROCESS, pid, nice); err != nil && err != unix.ESRCH {
		return perr.System(fmt.Sprintf("setpriority %d", pid), err)
	}
	return nil
}

// Io priority classes, matching the kernel numbering.
const (
	IoPrioClassRt   = 1
	IoPrioClassBe   = 2
	IoPrioClassIdle = 3
)

const ioPrioWhoProcess = 1

// SetIoPrio applies an io priority class and level to one task.
func SetIoPrio(pid, class, prio int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOPRIO_SET,
		uintptr(ioPrioWhoProcess), uintptr(pid), uintptr(class<<13|prio))
	if errno != 0 && errno != unix.ESRCH {
		return perr.System(fmt.Sprintf("ioprio_set %d", pid), errno)
	}
	return nil
}

// SetOomScoreAdj writes the oom badness adjustment of a task.
func SetOomScoreAdj(pid, adj int) error {
	path := fmt.Sprintf("/proc/%d/oom_score_adj", pid)
	if err := os.WriteFile(path, []byte(strconv.Itoa(adj)), 0644); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return perr.System("write "+path, err)
	}
	return nil
}

// TotalMemory returns the host ram size in bytes.
func TotalMemory() uint64 {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return 0
	}
	return uint64(si.Totalram) * uint64(si.Unit)
}

// NumCores returns the number of online cpus.
func NumCores() int {
	data, err := os.ReadFile("/sys/devices/system/cpu/online")
	if err == nil {
		n := 0
		for _, r := range strings.Split(strings.TrimSpace(string(data)), ",") {
			lo, hi, ok := strings.Cut(r, "-")
			a, err := strconv.Atoi(lo)
			if err != nil {
				continue
			}
			b := a
			if ok {
				if b, err = strconv.Atoi(hi); err != nil {
					continue
				}
			}
			n += b - a + 1
		}
		if n > 0 {
			return n
		}
	}
	return runtime.NumCPU()
}

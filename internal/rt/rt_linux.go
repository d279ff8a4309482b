//go:build linux

// Package rt tunes the calling goroutine's OS thread for a low jitter
// scheduler loop.
package rt

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// PinCurrentThread locks the calling goroutine to its OS thread and restricts
// that thread to cpu. The returned function undoes the lock.
func PinCurrentThread(cpu int) (func(), error) {
	if cpu < 0 || cpu >= runtime.NumCPU() {
		return nil, fmt.Errorf("cpu %v not in [0,%v)", cpu, runtime.NumCPU())
	}
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	// pid 0 is the calling thread
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("sched_setaffinity : %w", err)
	}
	return runtime.UnlockOSThread, nil
}

// CurrentCPUs returns the cpus the calling thread may run on
func CurrentCPUs() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, err
	}
	cpus := []int{}
	for cpu := 0; cpu < runtime.NumCPU(); cpu++ {
		if set.IsSet(cpu) {
			cpus = append(cpus, cpu)
		}
	}
	return cpus, nil
}

// LockMemory prevents the process memory from being paged out
func LockMemory() error {
	return unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE)
}

package sysutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// FreeSpace returns number of bytes available to unprivileged users on
// the filesystem which holds path.
func FreeSpace(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// SetRealtime switches the calling thread to FIFO real-time scheduling
// with provided priority. The goroutine must be locked to its thread.
func SetRealtime(priority int) error {
	attr := unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_FIFO,
		Priority: uint32(priority),
	}
	if err := unix.SchedSetAttr(0, &attr, 0); err != nil {
		return fmt.Errorf("set fifo priority %d: %w", priority, err)
	}
	return nil
}

// SetAffinity pins the calling thread to the cpu. The goroutine must be
// locked to its thread.
func SetAffinity(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("set affinity to cpu %d: %w", cpu, err)
	}
	return nil
}

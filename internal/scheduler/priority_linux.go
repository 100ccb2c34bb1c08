//go:build linux

package scheduler

import "golang.org/x/sys/unix"

// setThreadNice applies a niceness to the calling OS thread. The goroutine
// must be locked to its thread first. Raising niceness needs no privileges.
func setThreadNice(nice int) error {
	return unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), nice)
}

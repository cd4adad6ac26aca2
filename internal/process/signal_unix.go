//go:build !windows

package process

import "syscall"

func killProcess(pid int, signal syscall.Signal) error {
	return syscall.Kill(pid, signal)
}

// signalGroup signals the whole process group led by pid. Launch always makes
// the child a group leader, so the group id equals its pid.
func signalGroup(pid int, signal syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(-pid, signal); err != nil {
		return syscall.Kill(pid, signal)
	}
	return nil
}

func alive(pid int) bool {
	return pid > 0 && syscall.Kill(pid, 0) == nil
}

//go:build windows

package process

import (
	"syscall"
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const (
	PROCESS_TERMINATE         = 0x0001
	PROCESS_QUERY_INFORMATION = 0x0400
)

// killProcess terminates pid. Windows has no graceful signal for a console-less
// child, so every non-zero signal is a hard terminate; signal 0 probes existence.
func killProcess(pid int, signal syscall.Signal) error {
	if pid < 0 {
		pid = -pid
	}
	if pid == 0 {
		return nil
	}
	if signal == 0 {
		h, err := openProcess(PROCESS_QUERY_INFORMATION, uint32(pid))
		if err != nil {
			return err
		}
		closeHandle(h)
		return nil
	}
	h, err := openProcess(PROCESS_TERMINATE, uint32(pid))
	if err != nil {
		// already gone
		return nil
	}
	defer closeHandle(h)
	if ret, _, err := procTerminateProcess.Call(uintptr(h), uintptr(1)); ret == 0 {
		return err
	}
	return nil
}

// signalGroup terminates the leader; its descendants are handled by the
// caller through the collected tree.
func signalGroup(pid int, signal syscall.Signal) error {
	return killProcess(pid, signal)
}

func alive(pid int) bool {
	return pid > 0 && killProcess(pid, 0) == nil
}

func openProcess(access uint32, pid uint32) (syscall.Handle, error) {
	ret, _, err := procOpenProcess.Call(uintptr(access), 0, uintptr(pid))
	if ret == 0 {
		return 0, err
	}
	return syscall.Handle(ret), nil
}

func closeHandle(h syscall.Handle) {
	_, _, _ = procCloseHandle.Call(uintptr(h))
}

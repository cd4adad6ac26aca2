package process

import (
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// maxTreeDepth guards the walk against PID reuse producing a cycle.
const maxTreeDepth = 16

// descendants returns the PIDs below pid, deepest first. Errors from
// processes exiting mid-walk are ignored.
func descendants(pid int) []int32 {
	if pid <= 0 {
		return nil
	}
	root, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	var out []int32
	var walk func(p *gopsproc.Process, depth int)
	walk = func(p *gopsproc.Process, depth int) {
		if depth >= maxTreeDepth {
			return
		}
		children, err := p.Children()
		if err != nil {
			return
		}
		for _, c := range children {
			walk(c, depth+1)
			out = append(out, c.Pid)
		}
	}
	walk(root, 0)
	return out
}

// killStragglers SIGKILLs descendants that are still alive, for example an
// engine worker that called setsid and left the group.
func killStragglers(pids []int32) {
	for _, pid := range pids {
		if alive(int(pid)) {
			_ = killProcess(int(pid), syscall.SIGKILL)
		}
	}
}

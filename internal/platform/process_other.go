//go:build !windows

package platform

import (
	"fmt"
	"syscall"

	gpprocess "github.com/shirou/gopsutil/v3/process"

	"github.com/eliteguard/appmon/internal/domain"
)

// UnixProcessController is the non-Windows ProcessController. Thread
// suspend/resume has no direct POSIX equivalent to the Windows primitive
// spec.md §4.4 describes, so Suspend/Resume fall back to SIGSTOP/SIGCONT
// against the whole process, matching the effect (not the mechanism) of
// the Windows controller's per-thread suspend.
type UnixProcessController struct{}

// NewUnixProcessController returns the production non-Windows controller.
func NewUnixProcessController() *UnixProcessController {
	return &UnixProcessController{}
}

func (c *UnixProcessController) SuspendThreads(pid domain.PID) (int, error) {
	if err := syscall.Kill(int(pid), syscall.SIGSTOP); err != nil {
		return 0, fmt.Errorf("platform: SIGSTOP %d: %w", pid, err)
	}
	return 1, nil
}

func (c *UnixProcessController) ResumeThreads(pid domain.PID) error {
	if err := syscall.Kill(int(pid), syscall.SIGCONT); err != nil {
		return fmt.Errorf("platform: SIGCONT %d: %w", pid, err)
	}
	return nil
}

func (c *UnixProcessController) KillTree(pid domain.PID) error {
	for _, child := range childrenOf(pid) {
		c.KillTree(child)
	}
	if err := syscall.Kill(int(pid), syscall.SIGKILL); err != nil {
		return fmt.Errorf("platform: SIGKILL %d: %w", pid, err)
	}
	return nil
}

func childrenOf(pid domain.PID) []domain.PID {
	procs, err := gpprocess.Processes()
	if err != nil {
		return nil
	}
	var out []domain.PID
	for _, p := range procs {
		ppid, err := p.Ppid()
		if err != nil {
			continue
		}
		if domain.PID(ppid) == pid {
			out = append(out, domain.PID(p.Pid))
		}
	}
	return out
}

// IsRunning reports whether pid exists and has not exited; a zombie (an
// exited process its parent has not yet reaped) counts as not running.
func (c *UnixProcessController) IsRunning(pid domain.PID) bool {
	exists, err := gpprocess.PidExists(int32(pid))
	if err != nil || !exists {
		return false
	}
	p, err := gpprocess.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	if status, err := p.Status(); err == nil && len(status) > 0 && status[0] == gpprocess.Zombie {
		return false
	}
	return true
}

// WalkExecutableRegions has no portable cross-platform implementation
// outside Windows' VirtualQueryEx within this module's dependency set;
// it returns no regions rather than fabricating a scan.
func (c *UnixProcessController) WalkExecutableRegions(pid domain.PID, visit func(domain.MemoryRegion)) error {
	if !c.IsRunning(pid) {
		return fmt.Errorf("platform: process %d not running", pid)
	}
	return nil
}

var _ domain.ProcessController = (*UnixProcessController)(nil)

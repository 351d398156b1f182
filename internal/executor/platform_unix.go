//go:build unix

package executor

import (
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// setupProcessGroup starts the script in its own process group and makes
// cancellation kill the whole group, so children it forks die with it.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	// With Setpgid the group id equals the leader's pid.
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func resourceUsage(state *os.ProcessState) *Usage {
	if state == nil {
		return nil
	}
	ru, ok := state.SysUsage().(*syscall.Rusage)
	if !ok || ru == nil {
		return nil
	}
	return &Usage{
		UserTime:    time.Duration(ru.Utime.Nano()),
		SystemTime:  time.Duration(ru.Stime.Nano()),
		MaxRSSBytes: int64(ru.Maxrss) * rssUnit,
	}
}

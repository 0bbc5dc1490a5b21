package proc

import (
	"os/exec"
	"time"
)

// forcedWait bounds how long Terminate waits for the exit after SIGKILL.
const forcedWait = 2 * time.Second

// Terminate asks cmd's process to exit, waits up to grace for exited to
// close, then kills it. exited must be closed by whoever calls cmd.Wait.
// It reports whether the process was observed to exit.
func Terminate(cmd *exec.Cmd, exited <-chan struct{}, grace time.Duration) bool {
	if cmd == nil || cmd.Process == nil {
		return true
	}

	select {
	case <-exited:
		return true
	default:
	}

	_ = signalTerm(cmd)

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-exited:
		return true
	case <-timer.C:
	}

	_ = signalKill(cmd)

	select {
	case <-exited:
		return true
	case <-time.After(forcedWait):
		return false
	}
}

//go:build !unix

package proc

import (
	"os"
	"os/exec"
)

// Isolate is a no-op where process groups are unavailable.
func Isolate(cmd *exec.Cmd) {}

func signalTerm(cmd *exec.Cmd) error {
	return cmd.Process.Signal(os.Interrupt)
}

func signalKill(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

//go:build !unix

package executor

import (
	"os"
	"os/exec"
)

// setupProcessGroup keeps the default cancellation, which kills only the
// direct child.
func setupProcessGroup(cmd *exec.Cmd) {}

func resourceUsage(state *os.ProcessState) *Usage { return nil }

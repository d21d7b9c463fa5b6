//go:build !unix

package toolexec

import "os/exec"

// killProcessGroup is a no-op here; WaitDelay still bounds Run once
// the shell is killed.
func killProcessGroup(cmd *exec.Cmd) {}

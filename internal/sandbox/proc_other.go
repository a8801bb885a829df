//go:build !unix

package sandbox

import (
	"errors"
	"os/exec"
	"syscall"
)

func setProcessGroup(_ *exec.Cmd) {}

func signalGroup(_ int, _ syscall.Signal) error {
	return errors.New("process groups unsupported on this platform")
}

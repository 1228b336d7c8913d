//go:build !unix

package proc

import (
	"os"
	"os/exec"
)

var (
	terminateSignal = os.Kill
	killSignal      = os.Kill
)

func setProcessGroup(cmd *exec.Cmd) {}

func signalGroup(p *os.Process, sig os.Signal) error {
	if p == nil {
		return nil
	}
	return p.Signal(sig)
}

//go:build !unix

package audio

import (
	"os"
	"os/exec"
)

func configureProcess(*exec.Cmd) {}

func interruptProcess(p *os.Process) error {
	return p.Signal(os.Interrupt)
}

func killProcess(p *os.Process) error {
	return p.Kill()
}

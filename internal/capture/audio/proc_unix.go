//go:build unix

package audio

import (
	"os"
	"os/exec"
	"syscall"
)

// ffmpeg runs in its own process group so stop signals also reach anything
// it spawned.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func interruptProcess(p *os.Process) error {
	return syscall.Kill(-p.Pid, syscall.SIGINT)
}

func killProcess(p *os.Process) error {
	return syscall.Kill(-p.Pid, syscall.SIGKILL)
}

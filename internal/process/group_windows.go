//go:build windows

package process

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

func termGroup(pid int) error {
	return killGroup(pid)
}

func killGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}

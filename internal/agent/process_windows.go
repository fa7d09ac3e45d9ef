//go:build windows

package agent

import (
	"errors"
	"os"
)

var errSignalsUnsupported = errors.New("process liveness probing is not supported on windows")

func processAlive(pid int) (bool, error) {
	return false, errSignalsUnsupported
}

func terminate(pid int) error {
	return kill(pid)
}

func kill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

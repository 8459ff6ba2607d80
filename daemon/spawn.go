package daemon

import (
	"os"
	"os/exec"

	"github.com/cockroachdb/errors"
)

// ServerModeFlag makes the ddf binary run as the daemon.
const ServerModeFlag = "--server-mode"

// Spawn starts exe with args as a detached background process that outlives
// the caller.
func Spawn(exe string, args ...string) error {
	cmd := exec.Command(exe, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = detached()
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "starting %s", exe)
	}
	return cmd.Process.Release()
}

// SpawnSelf starts the running executable in server mode.
func SpawnSelf() error {
	exe, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "locating executable")
	}
	return Spawn(exe, ServerModeFlag)
}

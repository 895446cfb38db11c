//go:build !windows

package tui

import (
	"os"
	"os/exec"

	"github.com/mattn/go-isatty"
)

// bestEffortResetTTY restores cooked mode if the program exits abnormally.
func bestEffortResetTTY() {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return
	}
	_ = exec.Command("sh", "-c", "stty sane < /dev/tty >/dev/null 2>&1 || true").Run()
}

// Package tui renders ddf's status output. Styling is applied only when the
// destination is a terminal; output captured by the daemon stays plain so the
// markers read cleanly in notifications.
package tui

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

// HasTTY reports whether stdout is a terminal. Tests override it.
var HasTTY = isTerminal(os.Stdout.Fd())

func isTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Interactive reports whether output written to w should be styled.
func Interactive(w io.Writer) bool {
	if !HasTTY {
		return false
	}
	f, ok := w.(interface{ Fd() uintptr })
	return ok && isTerminal(f.Fd())
}

package logger

import "golang.org/x/term"

// isTerminal reports whether the file descriptor is attached to a terminal,
// used to decide whether colored output makes sense.
func isTerminal(fd uintptr) bool {
	return term.IsTerminal(int(fd))
}

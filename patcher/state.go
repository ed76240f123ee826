package patcher

import "fmt"

// State tracks where a session is in its lifecycle:
//
//	Loaded -> CodeAdded* -> Patched -> Written
//
// Injections and call replacements may interleave; Written is terminal.
type State int

const (
	StateLoaded State = iota
	StateCodeAdded
	StatePatched
	StateWritten
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	case StateCodeAdded:
		return "code-added"
	case StatePatched:
		return "patched"
	case StateWritten:
		return "written"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

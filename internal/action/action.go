// Package action defines the closed set of button codes that spectators vote
// on and the emulator driver injects into the console.
package action

import "fmt"

// Action is one of the eight button codes a vote may select.
type Action uint8

// The complete, wire-encoded set of actions. Values 0..7 are stable and must
// never be reordered; they are transmitted as-is to chain and clients.
const (
	Up Action = iota
	Down
	Left
	Right
	A
	B
	Start
	Select

	// NumActions is the size of the closed Action enum.
	NumActions = 8
)

var names = [NumActions]string{
	Up: "UP", Down: "DOWN", Left: "LEFT", Right: "RIGHT",
	A: "A", B: "B", Start: "START", Select: "SELECT",
}

// String implements fmt.Stringer.
func (a Action) String() string {
	if int(a) < len(names) {
		return names[a]
	}
	return fmt.Sprintf("Action(%d)", uint8(a))
}

// Valid reports whether a is one of the eight defined actions.
func (a Action) Valid() bool {
	return a < NumActions
}

// All returns the canonical enum order, used as the tie-break fallback when
// no prior-block hash is available.
func All() [NumActions]Action {
	var out [NumActions]Action
	for i := range out {
		out[i] = Action(i)
	}
	return out
}

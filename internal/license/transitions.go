package license

import (
	"fmt"
	"slices"
)

// State is the controller's lifecycle state.
type State int

const (
	StateInit State = iota
	StateFetching
	StateSettled
	StateActivating
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateFetching:
		return "fetching"
	case StateSettled:
		return "settled"
	case StateActivating:
		return "activating"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transition is a move from one state to another.
type Transition struct {
	From State
	To   State
}

var validTransitions = map[Transition]bool{
	{StateInit, StateFetching}:       true, // first fetch on start
	{StateSettled, StateFetching}:    true, // poll tick or manual refresh
	{StateFetching, StateSettled}:    true, // fetch resolved, fail-open included
	{StateSettled, StateActivating}:  true,
	{StateActivating, StateSettled}:  true,
	{StateInit, StateDisposed}:       true,
	{StateFetching, StateDisposed}:   true,
	{StateSettled, StateDisposed}:    true,
	{StateActivating, StateDisposed}: true,
}

// CanTransition reports whether the controller may move from one state to
// another.
func CanTransition(from, to State) bool {
	return validTransitions[Transition{from, to}]
}

// ValidTransitionsFrom returns the states reachable from from, sorted.
func ValidTransitionsFrom(from State) []State {
	targets := make([]State, 0, 2)
	for t := range validTransitions {
		if t.From == from {
			targets = append(targets, t.To)
		}
	}
	slices.Sort(targets)
	return targets
}

package session

import (
	"errors"
	"fmt"
)

// Transition names a mode change request.
type Transition string

const (
	// TransitionTakeOver moves a session to human mode. Taking over an
	// already-human session is allowed: the operator is re-assigned and
	// the event is re-emitted rather than the call being rejected.
	TransitionTakeOver Transition = "take_over"
	// TransitionHandBack returns a human session to the AI.
	TransitionHandBack Transition = "hand_back"
	// TransitionSetWaiting parks an AI session until an operator picks
	// it up, used when policy disables AI replies.
	TransitionSetWaiting Transition = "set_waiting"
)

// ErrInvalidTransition is returned when the transition table has no row
// for the (mode, transition) pair.
var ErrInvalidTransition = errors.New("invalid mode transition")

// transitionTable is the single source of truth for mode changes.
// Notably absent rows are deliberate: there is no handBack out of
// waiting, and no direct human -> waiting edge.
var transitionTable = map[Mode]map[Transition]Mode{
	ModeAI: {
		TransitionTakeOver:   ModeHuman,
		TransitionSetWaiting: ModeWaiting,
	},
	ModeWaiting: {
		TransitionTakeOver: ModeHuman,
	},
	ModeHuman: {
		TransitionTakeOver: ModeHuman,
		TransitionHandBack: ModeAI,
	},
}

// NextMode resolves a transition against the table.
func NextMode(from Mode, t Transition) (Mode, error) {
	row, ok := transitionTable[from]
	if !ok {
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidTransition, from)
	}
	next, ok := row[t]
	if !ok {
		return "", fmt.Errorf("%w: %s from mode %q", ErrInvalidTransition, t, from)
	}
	return next, nil
}

// CanTransition reports whether the table defines the given edge.
func CanTransition(from Mode, t Transition) bool {
	_, err := NextMode(from, t)
	return err == nil
}

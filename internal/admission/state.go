package admission

import (
	"fmt"
	"slices"
)

// State of one candidate's admission attempt.
type State int

const (
	StatePasskeyUnverified State = iota
	StatePasskeyVerified
	StateRequestSent
	StateAwaitingApproval
	StateKeyReceived
	StateAdmitted
	StateRejected
	StateTimedOut
	StateAborted
)

var stateNames = map[State]string{
	StatePasskeyUnverified: "passkey_unverified",
	StatePasskeyVerified:   "passkey_verified",
	StateRequestSent:       "request_sent",
	StateAwaitingApproval:  "awaiting_approval",
	StateKeyReceived:       "key_received",
	StateAdmitted:          "admitted",
	StateRejected:          "rejected",
	StateTimedOut:          "timed_out",
	StateAborted:           "aborted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// An approval may overtake the relay's acknowledgement, so RequestSent can
// move straight to KeyReceived.
var transitions = map[State][]State{
	StatePasskeyUnverified: {StatePasskeyVerified, StateAborted},
	StatePasskeyVerified:   {StateRequestSent, StateAborted},
	StateRequestSent:       {StateAwaitingApproval, StateKeyReceived, StateRejected, StateTimedOut, StateAborted},
	StateAwaitingApproval:  {StateKeyReceived, StateRejected, StateTimedOut, StateAborted},
	StateKeyReceived:       {StateAdmitted, StateAborted},
}

func canTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

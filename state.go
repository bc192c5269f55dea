package hub

import "strings"

// MsgState is the lifecycle state of a Message.
type MsgState string

const (
	StateNew           MsgState = "NEW"
	StateInQueue       MsgState = "IN_QUEUE"
	StateProcessing    MsgState = "PROCESSING"
	StateOK            MsgState = "OK"
	StatePartlyFailed  MsgState = "PARTLY_FAILED"
	StateWaiting       MsgState = "WAITING"
	StateWaitingForRes MsgState = "WAITING_FOR_RES"
	StateFailed        MsgState = "FAILED"
	StatePostponed     MsgState = "POSTPONED"
	StateCancel        MsgState = "CANCEL"
)

// AllStates lists every state in declaration order.
var AllStates = []MsgState{
	StateNew,
	StateInQueue,
	StateProcessing,
	StateOK,
	StatePartlyFailed,
	StateWaiting,
	StateWaitingForRes,
	StateFailed,
	StatePostponed,
	StateCancel,
}

// ParseState resolves a state name, case-insensitive.
func ParseState(raw string) (MsgState, bool) {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	for _, st := range AllStates {
		if string(st) == raw {
			return st, true
		}
	}
	return "", false
}

// IsFinal reports terminal states. Only an explicit restart reopens FAILED or CANCEL.
func (s MsgState) IsFinal() bool {
	switch s {
	case StateOK, StateCancel, StateFailed:
		return true
	default:
		return false
	}
}

// IsRunning reports states where work is actively held by a node.
func (s MsgState) IsRunning() bool {
	switch s {
	case StateProcessing, StateWaiting, StateWaitingForRes:
		return true
	default:
		return false
	}
}

// IsInProgress is IsRunning plus the states awaiting a retry.
func (s MsgState) IsInProgress() bool {
	return s.IsRunning() || s == StatePartlyFailed || s == StatePostponed
}

// NonFinalStates returns every state that is not terminal.
func NonFinalStates() []MsgState {
	out := make([]MsgState, 0, len(AllStates))
	for _, st := range AllStates {
		if !st.IsFinal() {
			out = append(out, st)
		}
	}
	return out
}

// transitions lists, per target state, the states a message may move from
// through the normal pipeline. Repair and restart use their own sets.
var transitions = map[MsgState][]MsgState{
	StateInQueue:       {StateNew, StatePartlyFailed, StatePostponed, StateWaitingForRes},
	StateProcessing:    {StateInQueue},
	StateOK:            {StateProcessing, StateWaiting},
	StateWaiting:       {StateProcessing},
	StatePartlyFailed:  {StateProcessing},
	StateFailed:        {StateProcessing, StateWaiting},
	StateWaitingForRes: {StateProcessing},
	StatePostponed:     {StateProcessing},
	StateCancel:        {StateNew, StatePartlyFailed, StatePostponed},
}

// RepairableStates are the states the repair scanner resets when stuck.
var RepairableStates = []MsgState{StateProcessing, StateNew, StateInQueue}

// RestartableStates are the states an operator restart reopens.
var RestartableStates = []MsgState{StateFailed, StateCancel}

// AllowedFrom returns the states that may transition into target.
func AllowedFrom(target MsgState) []MsgState {
	return append([]MsgState(nil), transitions[target]...)
}

// CanTransition reports whether from -> to is a legal pipeline transition.
func CanTransition(from, to MsgState) bool {
	return ContainsState(transitions[to], from)
}

// ContainsState reports whether st is in states.
func ContainsState(states []MsgState, st MsgState) bool {
	for _, candidate := range states {
		if candidate == st {
			return true
		}
	}
	return false
}

// ExternalCallState is the state of an ExternalCall record.
type ExternalCallState string

const (
	CallProcessing ExternalCallState = "PROCESSING"
	CallOK         ExternalCallState = "OK"
	CallFailed     ExternalCallState = "FAILED"
	CallFailedEnd  ExternalCallState = "FAILED_END"
)

// BindingType describes how a child message is tied to its parent.
type BindingType string

const (
	// BindingHard propagates the child outcome to the parent.
	BindingHard BindingType = "HARD"
	BindingSoft BindingType = "SOFT"
)

// NodeState controls which work a cluster node accepts.
type NodeState string

const (
	NodeRun                     NodeState = "RUN"
	NodeHandlesExistingMessages NodeState = "HANDLES_EXISTING_MESSAGES"
	NodeStopped                 NodeState = "STOPPED"
)

// Node is an immutable snapshot of a cluster member.
type Node struct {
	ID    string
	Code  string
	State NodeState
}

// AllowsNewMessages reports whether the node admits inbound messages.
func (n Node) AllowsNewMessages() bool {
	return n.State == NodeRun
}

// AllowsExistingMessages reports whether the node processes queued messages.
func (n Node) AllowsExistingMessages() bool {
	return n.State == NodeRun || n.State == NodeHandlesExistingMessages
}

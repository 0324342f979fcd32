package session

import "fmt"

// PreconditionError reports a missing required input (no local media, no
// session in the right phase). It aborts only the attempted step; the
// session stays in its prior phase so the caller can retry.
type PreconditionError struct {
	Msg string
}

func (e *PreconditionError) Error() string {
	return "precondition: " + e.Msg
}

// NegotiationError reports a description or candidate application the
// transport rejected. It is fatal to the session: the phase moves to Failed
// and recovery requires a fresh session.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation: %s: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

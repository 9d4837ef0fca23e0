package wizard

import "errors"

// ErrInvalidInput marks user-submitted content that was rejected before any
// state change (empty note, answer for the wrong step, malformed payload).
var ErrInvalidInput = errors.New("invalid input")

// GateError reports a forward transition blocked by the gating policy. The
// attempt is a no-op: nothing was written and the in-memory snapshot is
// unchanged.
type GateError struct {
	Reason string
}

func (e GateError) Error() string { return e.Reason }

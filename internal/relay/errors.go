package relay

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrUnknownRecipient   = errors.New("unknown recipient")
	ErrClosed             = errors.New("relay closed")
)

// ProtocolViolationError is returned, never silently dropped, so the
// violating participant can observe and correct.
type ProtocolViolationError struct {
	Participant string
	Reason      string
}

func (e *ProtocolViolationError) Error() string {
	if e.Participant == "" {
		return fmt.Sprintf("protocol violation: %s", e.Reason)
	}
	return fmt.Sprintf("protocol violation by %s: %s", e.Participant, e.Reason)
}

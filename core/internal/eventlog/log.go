package eventlog

import (
	"fmt"

	"github.com/google/uuid"
)

// AppendError wraps a local storage failure. Append never fails on payload
// content; malformed payloads are surfaced later as projection errors.
type AppendError struct {
	EventID uuid.UUID
	Err     error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("append event %s: %v", e.EventID, e.Err)
}

func (e *AppendError) Unwrap() error { return e.Err }

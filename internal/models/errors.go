package models

import "fmt"

// ValidationError reports a malformed event at construction time, before it
// can enter the outbox. Always surfaced synchronously to the caller.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid sync event: %s: %s", e.Field, e.Reason)
}

package timeline

import (
	"errors"
	"fmt"
)

var (
	// ErrHeadConflict reports an optimistic head-advance failure. Use
	// errors.Is against this; the concrete error is a *ConflictError.
	ErrHeadConflict = errors.New("timeline: head conflict")

	ErrThreadNotFound    = errors.New("timeline: thread not found")
	ErrWorldlineNotFound = errors.New("timeline: worldline not found")
	ErrEventNotFound     = errors.New("timeline: event not found")
	ErrSnapshotNotFound  = errors.New("timeline: snapshot not found")
)

// ConflictError carries the heads involved in a failed AppendAndAdvance.
type ConflictError struct {
	WorldlineID string
	Expected    *string
	Actual      *string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("timeline: head conflict on %s: expected %s, found %s",
		e.WorldlineID, headLabel(e.Expected), headLabel(e.Actual))
}

// Is makes errors.Is(err, ErrHeadConflict) succeed.
func (e *ConflictError) Is(target error) bool {
	return target == ErrHeadConflict
}

func headLabel(head *string) string {
	if head == nil {
		return "<none>"
	}
	return *head
}

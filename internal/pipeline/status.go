package pipeline

import (
	"errors"
	"fmt"
)

// Status is the processing state of an email record.
type Status string

const (
	StatusReceived            Status = "RECEIVED"
	StatusParsing             Status = "PARSING"
	StatusParsed              Status = "PARSED"
	StatusFailedParsing       Status = "FAILED_PARSING"
	StatusAnalyzing           Status = "ANALYZING"
	StatusFailedAnalysis      Status = "FAILED_ANALYSIS"
	StatusPendingConfirmation Status = "PENDING_CONFIRMATION"
	StatusComplete            Status = "COMPLETE"
	StatusArchivedCC          Status = "ARCHIVED_CC"
)

// ErrInvalidTransition is returned when a status change is not an edge of the
// processing graph.
var ErrInvalidTransition = errors.New("invalid status transition")

var allStatuses = []Status{
	StatusReceived,
	StatusParsing,
	StatusParsed,
	StatusFailedParsing,
	StatusAnalyzing,
	StatusFailedAnalysis,
	StatusPendingConfirmation,
	StatusComplete,
	StatusArchivedCC,
}

// Forward edges taken by the stage workers and the review surface.
var transitions = map[Status][]Status{
	StatusReceived:            {StatusParsing},
	StatusParsing:             {StatusParsed, StatusFailedParsing},
	StatusParsed:              {StatusAnalyzing},
	StatusAnalyzing:           {StatusPendingConfirmation, StatusComplete, StatusArchivedCC, StatusFailedAnalysis},
	StatusPendingConfirmation: {StatusComplete},
}

// Operator re-drive edges: a record can be put back at the entry status of
// the stage that failed or stalled.
var redrives = map[Status]Status{
	StatusReceived:       StatusReceived,
	StatusParsing:        StatusReceived,
	StatusFailedParsing:  StatusReceived,
	StatusParsed:         StatusParsed,
	StatusAnalyzing:      StatusParsed,
	StatusFailedAnalysis: StatusParsed,
}

// Statuses returns every known status in graph order.
func Statuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ParseStatus converts s to a Status, rejecting unknown values.
func ParseStatus(s string) (Status, error) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

func (s Status) String() string { return string(s) }

// Terminal reports whether automated processing stops at s. Moving on from a
// terminal status needs a human confirmation or an operator re-drive.
func (s Status) Terminal() bool {
	switch s {
	case StatusPendingConfirmation, StatusComplete, StatusArchivedCC,
		StatusFailedParsing, StatusFailedAnalysis:
		return true
	}
	return false
}

// Failed reports whether s is a stage failure status.
func (s Status) Failed() bool {
	return s == StatusFailedParsing || s == StatusFailedAnalysis
}

// CanTransition reports whether from → to is a forward edge of the graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition is CanTransition returning a wrapped ErrInvalidTransition.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// RedriveTarget returns the stage entry status a record in s is reset to by
// an operator re-drive.
func RedriveTarget(s Status) (Status, bool) {
	t, ok := redrives[s]
	return t, ok
}

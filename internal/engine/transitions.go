package engine

import (
	"errors"
	"fmt"

	"labelflow/internal/domain"
)

const (
	OpLabel    = "label"
	OpClaim    = "claim"
	OpReview   = "review"
	OpFeedback = "feedback"
	OpRequeue  = "requeue"
	OpComplete = "complete"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrClaimConflict     = errors.New("task claimed by another annotator")
)

// TransitionError reports an operation attempted on a task whose status does
// not allow it. Stale is set when the status changed between read and write.
type TransitionError struct {
	TaskID string
	Op     string
	From   string
	To     string
	Stale  bool
}

func (e *TransitionError) Error() string {
	if e.Stale {
		return fmt.Sprintf("invalid transition: task %s is now %s, %s to %s no longer applies", e.TaskID, e.From, e.Op, e.To)
	}
	return fmt.Sprintf("invalid transition: cannot %s task %s from %s to %s", e.Op, e.TaskID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

func ensureTaskTransition(taskID, op, from, to string) error {
	allowed := false
	switch from {
	case domain.StatusUploaded:
		allowed = to == domain.StatusAutoLabeled
	case domain.StatusAutoLabeled:
		allowed = to == domain.StatusInReview || to == domain.StatusReviewed
	case domain.StatusInReview:
		allowed = to == domain.StatusInReview || to == domain.StatusReviewed
	case domain.StatusReviewed:
		allowed = to == domain.StatusClientApproved || to == domain.StatusClientRejected || to == domain.StatusCompleted
	case domain.StatusClientApproved:
		allowed = to == domain.StatusClientApproved || to == domain.StatusClientRejected
	case domain.StatusClientRejected:
		allowed = to == domain.StatusClientApproved || to == domain.StatusClientRejected ||
			to == domain.StatusAutoLabeled || to == domain.StatusCompleted
	}
	if !allowed {
		return &TransitionError{TaskID: taskID, Op: op, From: from, To: to}
	}
	return nil
}

// AllowedTransitions lists the statuses reachable from status.
func AllowedTransitions(status string) []string {
	var out []string
	for _, to := range domain.Statuses {
		if ensureTaskTransition("", "", status, to) == nil {
			out = append(out, to)
		}
	}
	return out
}

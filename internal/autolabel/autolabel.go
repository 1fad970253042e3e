// Package autolabel produces machine-suggested labels for task text.
package autolabel

import (
	"context"
	"errors"
	"fmt"

	"labelflow/internal/domain"
	"labelflow/internal/labels"
)

var ErrLabeling = errors.New("labeling failed")

// LabelingError reports a labeler failure for a single task. The task keeps
// its status.
type LabelingError struct {
	TaskID string
	Err    error
}

func (e *LabelingError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("labeling failed: %v", e.Err)
	}
	return fmt.Sprintf("labeling task %s failed: %v", e.TaskID, e.Err)
}

func (e *LabelingError) Unwrap() error { return e.Err }

func (e *LabelingError) Is(target error) bool { return target == ErrLabeling }

type Request struct {
	TaskID        string               `json:"task_id"`
	Text          string               `json:"text"`
	TaskType      labels.TaskType      `json:"task_type"`
	Language      string               `json:"language"`
	EntityClasses []string             `json:"entity_classes,omitempty"`
	Categories    []string             `json:"categories,omitempty"`
	Metadata      *domain.TaskMetadata `json:"metadata,omitempty"`
}

type Result struct {
	Payload    labels.Payload `json:"payload"`
	Confidence *float64       `json:"confidence,omitempty"`
	Model      string         `json:"model,omitempty"`
}

// Labeler suggests labels for one text. Implementations must honor ctx
// cancellation: the engine stops waiting at the deadline, but a call that
// ignores ctx keeps running until it returns.
type Labeler interface {
	Label(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to Labeler.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Label(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

func confidence(v float64) *float64 {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return &v
}

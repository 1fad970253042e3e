// Package notify delivers "something changed" signals to connected clients
// and external systems. Delivery is best effort.
package notify

import (
	"context"
	"errors"
	"time"
)

type Event struct {
	Type      string         `json:"type"`
	ProjectID string         `json:"project_id"`
	TaskID    string         `json:"task_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	ch chan Event
}

func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Event, size)}
}

func (r *Recorder) Publish(_ context.Context, evt Event) error {
	select {
	case r.ch <- evt:
	default:
	}
	return nil
}

func (r *Recorder) Events() <-chan Event { return r.ch }

// Drain returns every event recorded so far.
func (r *Recorder) Drain() []Event {
	var out []Event
	for {
		select {
		case evt := <-r.ch:
			out = append(out, evt)
		default:
			return out
		}
	}
}

package autolabel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultQueueGroup load-balances requests across labeler workers.
const DefaultQueueGroup = "labelflow-labelers"

// reply is the wire response of a remote labeler.
type reply struct {
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// NATSLabeler forwards requests to a remote labeler over NATS request/reply.
type NATSLabeler struct {
	Conn    *nats.Conn
	Subject string
}

func NewNATSLabeler(nc *nats.Conn, subject string) *NATSLabeler {
	return &NATSLabeler{Conn: nc, Subject: subject}
}

func (l *NATSLabeler) Label(ctx context.Context, req Request) (Result, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return Result{}, &LabelingError{TaskID: req.TaskID, Err: err}
	}
	msg, err := l.Conn.RequestWithContext(ctx, l.Subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			err = fmt.Errorf("no labeler listening on %s", l.Subject)
		}
		return Result{}, &LabelingError{TaskID: req.TaskID, Err: err}
	}
	res, err := decodeReply(msg.Data)
	if err != nil {
		return Result{}, &LabelingError{TaskID: req.TaskID, Err: err}
	}
	return res, nil
}

func decodeReply(data []byte) (Result, error) {
	var rep reply
	if err := json.Unmarshal(data, &rep); err != nil {
		return Result{}, fmt.Errorf("decode labeler reply: %w", err)
	}
	if rep.Error != "" {
		return Result{}, errors.New(rep.Error)
	}
	if rep.Result == nil {
		return Result{}, errors.New("labeler reply carries no result")
	}
	return *rep.Result, nil
}

func encodeReply(res Result, err error) []byte {
	rep := reply{}
	if err != nil {
		rep.Error = err.Error()
	} else {
		rep.Result = &res
	}
	data, mErr := json.Marshal(rep)
	if mErr != nil {
		data, _ = json.Marshal(reply{Error: mErr.Error()})
	}
	return data
}

type ServeOptions struct {
	Subject    string
	QueueGroup string
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Serve answers labeling requests on opts.Subject with labeler until ctx is
// done, then drains the subscription.
func Serve(ctx context.Context, nc *nats.Conn, labeler Labeler, opts ServeOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queue := opts.QueueGroup
	if queue == "" {
		queue = DefaultQueueGroup
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sub, err := nc.QueueSubscribe(opts.Subject, queue, func(msg *nats.Msg) {
		var req Request
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			logger.Warn("discarding malformed labeling request", "error", err)
			_ = msg.Respond(encodeReply(Result{}, fmt.Errorf("decode request: %w", err)))
			return
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		start := time.Now()
		res, err := labeler.Label(reqCtx, req)
		if err != nil {
			logger.Warn("labeling request failed", "task_id", req.TaskID, "error", err)
		} else {
			logger.Debug("labeled task", "task_id", req.TaskID, "model", res.Model, "duration", time.Since(start))
		}
		if rErr := msg.Respond(encodeReply(res, err)); rErr != nil {
			logger.Warn("respond to labeling request", "task_id", req.TaskID, "error", rErr)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", opts.Subject, err)
	}
	logger.Info("labeler listening", "subject", opts.Subject, "queue", queue)
	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("drain %s: %w", opts.Subject, err)
	}
	return nil
}

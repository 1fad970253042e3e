package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// NATS publishes events on <prefix>.<project_id>.<event type>.
type NATS struct {
	Conn   *nats.Conn
	Prefix string
}

func NewNATS(nc *nats.Conn, prefix string) *NATS {
	return &NATS{Conn: nc, Prefix: prefix}
}

func (n *NATS) Publish(ctx context.Context, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := Subject(n.Prefix, evt)
	if err := n.Conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subject builds the NATS subject of evt. Dots inside the project id would
// add tokens, so they are replaced.
func Subject(prefix string, evt Event) string {
	if prefix == "" {
		prefix = "labelflow.events"
	}
	project := evt.ProjectID
	if project == "" {
		project = "_"
	}
	project = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(project)
	return prefix + "." + project + "." + evt.Type
}

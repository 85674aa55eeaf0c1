package lineage

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

// DefaultSubject prefixes the per-run subjects events are published on.
const DefaultSubject = "smartpipe.lineage"

// Publisher is the part of a NATS connection the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
}

// NATSSink publishes events to <prefix>.<run id>.
type NATSSink struct {
	conn   Publisher
	prefix string
	closer func()
}

// NewNATSSink creates a sink on an existing connection.
func NewNATSSink(conn Publisher, prefix string) *NATSSink {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubject
	}
	return &NATSSink{conn: conn, prefix: prefix}
}

// ConnectNATS dials url and returns a sink owning the connection.
func ConnectNATS(url, prefix string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("smartpipe-lineage"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	s := NewNATSSink(nc, prefix)
	s.closer = nc.Close
	return s, nil
}

// Name implements Sink.
func (s *NATSSink) Name() string { return "nats" }

// Subject returns the subject events of runID are published on.
func (s *NATSSink) Subject(runID string) string {
	return s.prefix + "." + strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(runID)
}

// Send implements Sink.
func (s *NATSSink) Send(ctx context.Context, event *RunEvent) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	subject := s.Subject(event.Run.RunID)
	if err := s.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return fmt.Errorf("flush %s: %w", subject, context.DeadlineExceeded)
	}
	if err := s.conn.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("flush %s: %w", subject, err)
	}
	return nil
}

// Close closes the connection when the sink owns it.
func (s *NATSSink) Close() error {
	if s.closer != nil {
		s.closer()
	}
	return nil
}

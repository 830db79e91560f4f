package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/ShayCichocki/orcha/pkg/models"
)

// DefaultSubjectPrefix is the subject root for published events.
const DefaultSubjectPrefix = "orcha.events"

// NATSEventSink publishes events as JSON to <prefix>.<session>.<type>.
type NATSEventSink struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSEventSink creates a sink on an open connection.
func NewNATSEventSink(conn *nats.Conn, prefix string) *NATSEventSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSEventSink{conn: conn, prefix: prefix}
}

// Subject returns the subject an event is published on.
func (s *NATSEventSink) Subject(e models.Event) string {
	return fmt.Sprintf("%s.%s.%s", s.prefix, e.SessionID, e.Type)
}

// Publish sends e without waiting for a server acknowledgement.
func (s *NATSEventSink) Publish(e models.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := s.conn.Publish(s.Subject(e), data); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

package orchestration

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/tierflow/tierflow/core"
)

// DefaultPatternSubject is where stage completions are published when
// no subject is configured.
const DefaultPatternSubject = "tierflow.patterns.stage"

// NATSSink publishes pattern events to a NATS subject so external
// pattern-learning consumers can build on them. Publish failures are
// logged and dropped; pattern learning never stalls a workflow.
type NATSSink struct {
	conn    *nats.Conn
	subject string
	logger  core.Logger
	warned  bool
}

// NewNATSSink connects to NATS. An empty subject uses
// DefaultPatternSubject.
func NewNATSSink(url, subject string, logger core.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if subject == "" {
		subject = DefaultPatternSubject
	}

	conn, err := nats.Connect(url, nats.Name("tierflow-pattern-sink"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	logger.Info("Pattern sink connected", map[string]interface{}{
		"operation": "pattern_sink_connect",
		"subject":   subject,
	})
	return &NATSSink{conn: conn, subject: subject, logger: logger}, nil
}

// StageCompleted publishes one event, best effort
func (s *NATSSink) StageCompleted(ctx context.Context, event PatternEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.conn.Publish(s.subject, data); err != nil {
		fields := map[string]interface{}{
			"operation": "pattern_publish_error",
			"subject":   s.subject,
			"error":     err.Error(),
		}
		if s.warned {
			s.logger.Debug("Pattern publish failed", fields)
		} else {
			s.warned = true
			s.logger.Warn("Pattern publish failed, further failures logged at debug", fields)
		}
	}
}

// Close drains and closes the connection
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return err
	}
	return nil
}

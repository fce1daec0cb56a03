package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"navfuse/internal/fusion"
)

const (
	// SubjectFusionLog carries append-only audit entries on JetStream.
	SubjectFusionLog = "fusion.log"
	// SubjectFusionPosition carries live fused positions for subscribers.
	SubjectFusionPosition = "fusion.position"

	streamName = "NAVFUSE_AUDIT"
)

// NATSSink records audit entries to a JetStream stream and publishes live
// fused positions on a plain subject.
type NATSSink struct {
	conn *nats.Conn
	js   nats.JetStreamContext

	mu          sync.Mutex
	streamReady bool
}

// NewNATSSink connects in the background. Stream creation is deferred to the
// first record so an unreachable broker degrades the sink instead of failing
// startup; the recorder's retry path picks it up once the broker appears.
func NewNATSSink(url string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("audit: connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("audit: jetstream context: %w", err)
	}

	return &NATSSink{conn: nc, js: js}, nil
}

func (s *NATSSink) ensureStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamReady {
		return nil
	}
	_, err := s.js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{SubjectFusionLog},
		Storage:  nats.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil && !strings.Contains(err.Error(), "already in use") {
		return fmt.Errorf("audit: create stream: %w", err)
	}
	s.streamReady = true
	return nil
}

// Record publishes one entry and returns its identifier.
func (s *NATSSink) Record(ctx context.Context, e Entry) (string, error) {
	if err := s.ensureStream(); err != nil {
		return "", err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := s.js.Publish(SubjectFusionLog, data, nats.Context(ctx)); err != nil {
		return "", fmt.Errorf("audit: publish entry: %w", err)
	}
	return e.ID, nil
}

// PublishPosition emits a live fused position. Best-effort, no persistence.
func (s *NATSSink) PublishPosition(p fusion.FusedPosition) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("audit: marshal position: %w", err)
	}
	return s.conn.Publish(SubjectFusionPosition, data)
}

// Close closes the connection.
func (s *NATSSink) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}

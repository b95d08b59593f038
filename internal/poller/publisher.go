package poller

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// EventEnvelope is the JSON message published for each qualifying event when
// a broker is configured. The filesystem handoff stays the primary channel;
// the envelope lets other consumers react without scraping directories.
type EventEnvelope struct {
	EnvelopeID uuid.UUID `json:"envelope_id"`
	Source     string    `json:"source"` // "zm"
	EventID    string    `json:"event_id"`
	CameraID   string    `json:"camera_id"`
	StartTime  time.Time `json:"start_time"`
	ClipPath   string    `json:"clip_path"`
	ObservedAt time.Time `json:"observed_at"`
}

func NewEventEnvelope(eventID, cameraID string, startTime time.Time, clipPath string) EventEnvelope {
	return EventEnvelope{
		EnvelopeID: uuid.New(),
		Source:     "zm",
		EventID:    eventID,
		CameraID:   cameraID,
		StartTime:  startTime,
		ClipPath:   clipPath,
		ObservedAt: time.Now(),
	}
}

// NATSPublisher publishes envelopes on a fixed subject with bounded retries.
type NATSPublisher struct {
	conn       *nats.Conn
	subject    string
	maxRetries int
}

func NewNATSPublisher(conn *nats.Conn, subject string, maxRetries int) *NATSPublisher {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &NATSPublisher{conn: conn, subject: subject, maxRetries: maxRetries}
}

func (p *NATSPublisher) Publish(env EventEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	var lastErr error
	for i := 0; i < p.maxRetries; i++ {
		if lastErr = p.conn.Publish(p.subject, data); lastErr == nil {
			return nil
		}
		time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
	}
	return fmt.Errorf("publish after %d attempts: %w", p.maxRetries, lastErr)
}

// Package bus mirrors stream lifecycle events onto NATS so other services
// can follow what each kiosk is playing.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ent0n29/kioskvoice/internal/journal"
)

const SubjectPrefix = "kioskvoice.stream."

// Publisher receives stream records as they are journaled.
type Publisher interface {
	PublishStream(record journal.StreamRecord) error
	Healthy() bool
	Close()
}

// Subject returns the NATS subject for a stream outcome.
func Subject(outcome string) string {
	return SubjectPrefix + outcome
}

// NopPublisher is used when no NATS server is configured.
type NopPublisher struct{}

func (NopPublisher) PublishStream(journal.StreamRecord) error { return nil }

func (NopPublisher) Healthy() bool { return true }

func (NopPublisher) Close() {}

// NATSPublisher publishes JSON-encoded stream records.
type NATSPublisher struct {
	conn *nats.Conn
	log  *slog.Logger
}

// Connect dials the comma-separated servers in url.
func Connect(url string, log *slog.Logger) (*NATSPublisher, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("no NATS servers configured")
	}
	if log == nil {
		log = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("kioskvoice"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log.Info("connected to NATS", slog.String("servers", url))
	return NewNATSPublisher(conn, log), nil
}

func NewNATSPublisher(conn *nats.Conn, log *slog.Logger) *NATSPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &NATSPublisher{conn: conn, log: log.With(slog.String("component", "bus"))}
}

func (p *NATSPublisher) PublishStream(record journal.StreamRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode stream record: %w", err)
	}
	if err := p.conn.Publish(Subject(record.Outcome), data); err != nil {
		return fmt.Errorf("publish stream record: %w", err)
	}
	return nil
}

func (p *NATSPublisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == nats.CONNECTED
}

func (p *NATSPublisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.log.Info("closing NATS connection")
	_ = p.conn.Drain()
	p.conn.Close()
}

package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/atmx/contagion-engine/internal/model"
)

// DefaultSubjectPrefix is the first token of every subject.
const DefaultSubjectPrefix = "contagion"

// publisher is the part of *nats.Conn NATSPublisher needs.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes each event to <prefix>.<session>.<event-type>, so
// consumers can subscribe to one session (contagion.<id>.>) or one kind of
// event across sessions (contagion.*.default).
type NATSPublisher struct {
	conn   publisher
	prefix string
	log    *slog.Logger
}

// DialNATS connects with reconnects enabled.
func DialNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("contagion-engine"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

// NewNATSPublisher wraps a connection. A nil logger selects slog.Default().
func NewNATSPublisher(nc *nats.Conn, logger *slog.Logger) *NATSPublisher {
	return newNATSPublisher(nc, DefaultSubjectPrefix, logger)
}

func newNATSPublisher(conn publisher, prefix string, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{conn: conn, prefix: prefix, log: logger}
}

// Subject returns the subject an event of typ in session is published on.
// NATS tokens cannot contain dots or wildcards, so those are replaced.
func (p *NATSPublisher) Subject(sessionID string, typ model.EventType) string {
	return p.prefix + "." + token(sessionID) + "." + token(string(typ))
}

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

func token(s string) string {
	if s == "" {
		return "_"
	}
	return tokenReplacer.Replace(s)
}

// Publish sends every event and returns the first error after trying all.
func (p *NATSPublisher) Publish(_ context.Context, sessionID string, events []model.Event) error {
	var first error
	for _, ev := range events {
		data, err := json.Marshal(Message{
			SessionID: sessionID,
			Seq:       ev.Seq,
			Type:      ev.Type,
			Step:      ev.Step,
			Data:      ev.Data,
		})
		if err == nil {
			err = p.conn.Publish(p.Subject(sessionID, ev.Type), data)
		}
		if err != nil && first == nil {
			first = fmt.Errorf("publish %s seq %d: %w", ev.Type, ev.Seq, err)
		}
	}
	if first != nil {
		p.log.Warn("nats publish failed", "session", sessionID, "err", first)
	}
	return first
}

package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/baseapp/apiserver/internal/logging"
)

// AttrPublishedAt is stamped on every message published through a Queue.
const AttrPublishedAt = "published_at"

// Message represents a broker-agnostic payload delivered to subscribers.
type Message struct {
	ID         string
	Data       []byte
	Attributes map[string]string
}

// Handler processes a message. Return an error to signal a retry/nack.
type Handler func(ctx context.Context, msg Message) error

// Backend defines the broker-agnostic operations used by the app.
type Backend interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
	Subscribe(ctx context.Context, channel string, handler Handler) error
	Close() error
}

// MQ is the queue handed to notifiers and workers. A handler panic is
// reported to the backend as a failed delivery.
type MQ struct {
	name    string
	backend Backend
	logger  logging.Logger
	now     func() time.Time
}

// New wraps backend under name, the value of MQ_BACKEND it was opened for.
func New(name string, backend Backend, logger logging.Logger) *MQ {
	if logger == nil {
		logger = logging.Discard()
	}
	return &MQ{name: name, backend: backend, logger: logger, now: time.Now}
}

// Name reports the backend this queue was opened with.
func (m *MQ) Name() string {
	return m.name
}

func (m *MQ) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("mq: channel is required")
	}
	stamped := make(map[string]string, len(attrs)+1)
	for k, v := range attrs {
		stamped[k] = v
	}
	stamped[AttrPublishedAt] = m.now().UTC().Format(time.RFC3339Nano)

	id, err := m.backend.Publish(ctx, channel, data, stamped)
	if err != nil {
		return "", fmt.Errorf("publish to %s on %s: %w", channel, m.name, err)
	}
	return id, nil
}

// Subscribe blocks until ctx is canceled or the backend gives up.
func (m *MQ) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("mq: channel is required")
	}
	m.logger.Debug(ctx, "subscribing", "backend", m.name, "channel", channel)
	return m.backend.Subscribe(ctx, channel, func(ctx context.Context, msg Message) (err error) {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error(ctx, "message handler panicked", "backend", m.name, "channel", channel, "message_id", msg.ID, "panic", r)
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return handler(ctx, msg)
	})
}

func (m *MQ) Close() error {
	return m.backend.Close()
}

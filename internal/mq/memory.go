package mq

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// MemoryBroker is an in-process backend. Each published message goes to one
// subscriber of its channel; messages published before anyone subscribes are
// buffered.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]chan Message
	closed bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{queues: make(map[string]chan Message)}
}

func (b *MemoryBroker) queue(channel string) (chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("memory broker closed")
	}
	q, ok := b.queues[channel]
	if !ok {
		q = make(chan Message, 256)
		b.queues[channel] = q
	}
	return q, nil
}

func (b *MemoryBroker) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("memory channel is required")
	}
	q, err := b.queue(channel)
	if err != nil {
		return "", err
	}
	msg := Message{ID: newMessageID(), Data: append([]byte(nil), data...), Attributes: attrs}
	select {
	case q <- msg:
		return msg.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Subscribe delivers messages until ctx is done. A failed message is put back
// on the queue once.
func (b *MemoryBroker) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("memory channel is required")
	}
	q, err := b.queue(channel)
	if err != nil {
		return err
	}
	retried := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-q:
			if err := handler(ctx, msg); err != nil && !retried[msg.ID] {
				retried[msg.ID] = true
				select {
				case q <- msg:
				default:
				}
			}
		}
	}
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

package mq

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/baseapp/apiserver/config"
	"github.com/nats-io/nats.go"
)

const natsMsgIDHeader = "Nats-Msg-Id"

// NATSClient publishes and consumes over core NATS subjects. Delivery is at
// most once: a handler error drops the message.
type NATSClient struct {
	conn       *nats.Conn
	queueGroup string
}

// NewNATSClient connects to the configured NATS server.
func NewNATSClient(cfg config.NATSConfig) (*NATSClient, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("nats url is required")
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("baseapp"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &NATSClient{conn: conn, queueGroup: cfg.QueueGroup}, nil
}

// Publish sends a message to the named subject.
func (n *NATSClient) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("nats channel is required")
	}

	messageID := newMessageID()
	msg := nats.NewMsg(channel)
	msg.Data = data
	msg.Header.Set(natsMsgIDHeader, messageID)
	for key, value := range attrs {
		msg.Header.Set(key, value)
	}

	if err := n.conn.PublishMsg(msg); err != nil {
		return "", err
	}
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return "", err
	}
	return messageID, nil
}

// Subscribe consumes the named subject. Subscribers sharing a queue group
// split the stream between them.
func (n *NATSClient) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("nats channel is required")
	}

	msgs := make(chan *nats.Msg, 64)
	var (
		sub *nats.Subscription
		err error
	)
	if n.queueGroup != "" {
		sub, err = n.conn.ChanQueueSubscribe(channel, n.queueGroup, msgs)
	} else {
		sub, err = n.conn.ChanSubscribe(channel, msgs)
	}
	if err != nil {
		return err
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-msgs:
			message := Message{
				ID:         msg.Header.Get(natsMsgIDHeader),
				Data:       msg.Data,
				Attributes: natsHeaderToAttributes(msg.Header),
			}
			_ = handler(ctx, message)
		}
	}
}

// Close drains pending messages and closes the connection.
func (n *NATSClient) Close() error {
	return n.conn.Drain()
}

func natsHeaderToAttributes(header nats.Header) map[string]string {
	if len(header) == 0 {
		return nil
	}
	attrs := make(map[string]string, len(header))
	for key := range header {
		if key == natsMsgIDHeader {
			continue
		}
		attrs[key] = header.Get(key)
	}
	return attrs
}

package notify

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/baseapp/apiserver/internal/logging"
	"github.com/baseapp/apiserver/internal/mq"
	"github.com/baseapp/apiserver/types"
)

// Subscriber is the consuming half of the message queue.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handler mq.Handler) error
}

// Worker consumes queued notifications and hands them to a Sender.
type Worker struct {
	subscriber Subscriber
	channel    string
	sender     Sender
	logger     logging.Logger
}

func NewWorker(subscriber Subscriber, channel string, sender Sender, logger logging.Logger) *Worker {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Worker{subscriber: subscriber, channel: channel, sender: sender, logger: logger}
}

// Run blocks until ctx is canceled or the subscription fails.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info(ctx, "notification worker started", "channel", w.channel)
	err := w.subscriber.Subscribe(ctx, w.channel, w.handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) handle(ctx context.Context, msg mq.Message) error {
	var n types.Notification
	if err := json.Unmarshal(msg.Data, &n); err != nil {
		// Malformed payloads can never succeed; drop them.
		w.logger.Error(ctx, "discarding malformed notification", "message_id", msg.ID, "error", err)
		return nil
	}
	email, err := Render(n)
	if err != nil {
		w.logger.Error(ctx, "discarding unrenderable notification", "message_id", msg.ID, "error", err)
		return nil
	}
	if err := w.sender.Send(ctx, email); err != nil {
		w.logger.Warn(ctx, "notification delivery failed", "message_id", msg.ID, "kind", n.Kind, "error", err)
		return err
	}
	w.logger.Info(ctx, "notification delivered", "message_id", msg.ID, "kind", n.Kind)
	return nil
}

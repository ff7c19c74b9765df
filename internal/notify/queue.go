package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/baseapp/apiserver/internal/logging"
	"github.com/baseapp/apiserver/types"
)

const attrKind = "kind"

// Publisher is the publishing half of the message queue.
type Publisher interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
}

// QueueNotifier publishes notifications as JSON for the worker to deliver.
type QueueNotifier struct {
	publisher Publisher
	channel   string
	logger    logging.Logger
	now       func() time.Time
}

func NewQueueNotifier(publisher Publisher, channel string, logger logging.Logger) *QueueNotifier {
	if logger == nil {
		logger = logging.Discard()
	}
	return &QueueNotifier{publisher: publisher, channel: channel, logger: logger, now: time.Now}
}

func (q *QueueNotifier) Notify(ctx context.Context, n types.Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = q.now().UTC()
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	id, err := q.publisher.Publish(ctx, q.channel, data, map[string]string{attrKind: string(n.Kind)})
	if err != nil {
		return err
	}
	q.logger.Debug(ctx, "notification queued", "kind", n.Kind, "message_id", id)
	return nil
}

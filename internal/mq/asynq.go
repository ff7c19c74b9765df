package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hibiken/asynq"
)

const asynqMaxRetry = 5

// asynqEnvelope carries attributes alongside the payload, since asynq tasks
// have no headers.
type asynqEnvelope struct {
	Data       []byte            `json:"data"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// AsynqClient runs channels as asynq task queues on Redis. Failed handlers are
// retried by asynq with backoff.
type AsynqClient struct {
	opt         asynq.RedisConnOpt
	client      *asynq.Client
	concurrency int
}

// NewAsynqClient parses a redis:// URL and prepares an asynq client.
func NewAsynqClient(redisURL string, concurrency int) (*AsynqClient, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, errors.New("redis url is required")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &AsynqClient{
		opt:         opt,
		client:      asynq.NewClient(opt),
		concurrency: concurrency,
	}, nil
}

// Publish enqueues a task whose type and queue are the channel name.
func (a *AsynqClient) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("asynq channel is required")
	}

	payload, err := json.Marshal(asynqEnvelope{Data: data, Attributes: attrs})
	if err != nil {
		return "", err
	}

	info, err := a.client.EnqueueContext(ctx,
		asynq.NewTask(channel, payload),
		asynq.Queue(channel),
		asynq.MaxRetry(asynqMaxRetry),
	)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

// Subscribe runs an asynq server for the channel queue until ctx is done.
func (a *AsynqClient) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("asynq channel is required")
	}

	server := asynq.NewServer(a.opt, asynq.Config{
		Concurrency: a.concurrency,
		Queues:      map[string]int{channel: 1},
		LogLevel:    asynq.WarnLevel,
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(channel, func(ctx context.Context, task *asynq.Task) error {
		var envelope asynqEnvelope
		if err := json.Unmarshal(task.Payload(), &envelope); err != nil {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		id, _ := asynq.GetTaskID(ctx)
		return handler(ctx, Message{
			ID:         id,
			Data:       envelope.Data,
			Attributes: envelope.Attributes,
		})
	})

	if err := server.Start(mux); err != nil {
		return err
	}
	<-ctx.Done()
	server.Shutdown()
	return ctx.Err()
}

// Close closes the enqueueing client.
func (a *AsynqClient) Close() error {
	return a.client.Close()
}

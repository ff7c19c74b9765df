package mq

import (
	"context"
	"fmt"

	"github.com/baseapp/apiserver/config"
	"github.com/baseapp/apiserver/internal/logging"
)

const (
	BackendNone     = "none"
	BackendMemory   = "memory"
	BackendRabbitMQ = "rabbitmq"
	BackendPubSub   = "pubsub"
	BackendNATS     = "nats"
	BackendAsynq    = "asynq"
)

// Open builds the queue selected by cfg.MQ.Backend. It returns nil for the
// "none" backend.
func Open(ctx context.Context, cfg config.Config, logger logging.Logger) (*MQ, error) {
	var (
		backend Backend
		err     error
	)
	switch cfg.MQ.Backend {
	case BackendNone, "":
		return nil, nil
	case BackendMemory:
		backend = NewMemoryBroker()
	case BackendRabbitMQ:
		backend, err = NewRabbitMQClient(cfg.MQ.RabbitMQ)
	case BackendPubSub:
		backend, err = NewPubSubClient(ctx, cfg.MQ.PubSub)
	case BackendNATS:
		backend, err = NewNATSClient(cfg.MQ.NATS)
	case BackendAsynq:
		backend, err = NewAsynqClient(cfg.Redis.URL, cfg.MQ.WorkerConcurrency)
	default:
		return nil, fmt.Errorf("unknown mq backend %q", cfg.MQ.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s queue: %w", cfg.MQ.Backend, err)
	}
	return New(cfg.MQ.Backend, backend, logger), nil
}

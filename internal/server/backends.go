package server

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/baseapp/apiserver/config"
	"github.com/baseapp/apiserver/internal/db"
	"github.com/baseapp/apiserver/internal/handlers"
	"github.com/baseapp/apiserver/internal/logging"
	"github.com/baseapp/apiserver/internal/mq"
	"github.com/baseapp/apiserver/internal/notify"
	"github.com/baseapp/apiserver/internal/services"
	"github.com/baseapp/apiserver/internal/store"
)

// AccountStore is an opened credential store with its lifecycle hooks.
type AccountStore struct {
	Repo   services.AccountRepository
	Health handlers.HealthCheck
	close  func() error
}

// Close releases the underlying connection.
func (s *AccountStore) Close() error {
	if s == nil || s.close == nil {
		return nil
	}
	return s.close()
}

// OpenAccountStore connects the backend selected by cfg.Store.
func OpenAccountStore(ctx context.Context, cfg config.Config) (*AccountStore, error) {
	switch cfg.Store {
	case config.StoreBackendPostgres, "":
		conn, err := db.Open(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return &AccountStore{
			Repo:   store.NewAccountRepository(conn),
			Health: conn.PingContext,
			close:  conn.Close,
		}, nil
	case config.StoreBackendMongo:
		client, database, err := db.OpenMongo(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("open mongo: %w", err)
		}
		repo := store.NewMongoAccountRepository(database)
		if err := repo.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("ensure mongo indexes: %w", err)
		}
		return &AccountStore{
			Repo:   repo,
			Health: func(ctx context.Context) error { return client.Ping(ctx, nil) },
			close:  func() error { return client.Disconnect(context.Background()) },
		}, nil
	case config.StoreBackendMemory:
		return &AccountStore{Repo: store.NewMemoryAccountRepository()}, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}
}

// openNotifier publishes notifications to the configured queue, or prints them
// when no queue is configured.
func openNotifier(ctx context.Context, cfg config.Config, logger logging.Logger) (services.Notifier, io.Closer, error) {
	queue, err := mq.Open(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	if queue == nil {
		logger.Warn(ctx, "no message queue configured, notifications are written to stdout")
		return notify.NewDirectNotifier(notify.NewConsoleSender(os.Stdout)), nil, nil
	}
	if cfg.MQ.Backend == mq.BackendMemory {
		worker := notify.NewWorker(queue, cfg.MQ.NotificationChannel, notify.NewConsoleSender(os.Stdout), logger)
		go func() {
			if err := worker.Run(ctx); err != nil {
				logger.Error(ctx, "in-process notification worker stopped", "error", err)
			}
		}()
	}
	return notify.NewQueueNotifier(queue, cfg.MQ.NotificationChannel, logger), queue, nil
}

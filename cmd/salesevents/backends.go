package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/clinicsales/eventlog"
	"github.com/clinicsales/eventlog/config"
	"github.com/clinicsales/eventlog/eventstore/file"
	"github.com/clinicsales/eventlog/eventstore/memory"
	"github.com/clinicsales/eventlog/eventstore/mongo"
	"github.com/clinicsales/eventlog/eventstore/postgres"
	"github.com/clinicsales/eventlog/otel"
	"github.com/clinicsales/eventlog/transport/kafka"
	memorytransport "github.com/clinicsales/eventlog/transport/memory"
	"github.com/clinicsales/eventlog/transport/redis"
)

// backends owns everything opened for one command run. Close releases it in
// reverse order.
type backends struct {
	store     eventlog.EventStore
	transport eventlog.Transport
	closers   []func() error
}

func (b *backends) onClose(fn func() error) {
	b.closers = append(b.closers, fn)
}

func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}

// retry runs op with exponential backoff until it succeeds, returns a
// permanent error, or maxElapsed passes.
func retry[T any](ctx context.Context, log *zap.Logger, backend string, maxElapsed time.Duration, op backoff.Operation[T]) (T, error) {
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("backend not ready, retrying",
				zap.String("backend", backend),
				zap.Duration("retry_in", next),
				zap.Error(err))
		}),
	)
}

// openBackends connects the configured store and, when withTransport is set,
// the configured transport. On failure everything already opened is closed.
func openBackends(ctx context.Context, a *app, withTransport bool) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	store, err := openStore(ctx, a, b)
	if err != nil {
		return nil, err
	}
	b.store = otel.WithEventStoreTelemetry(store, otel.WithName(a.cfg.Store.Driver))

	if withTransport {
		tr, err := openTransport(ctx, a, b)
		if err != nil {
			return nil, err
		}
		if tr != nil {
			b.transport = otel.WithTransportTelemetry(tr, otel.WithName(a.cfg.Transport.Driver))
		}
	}
	return b, nil
}

func openStore(ctx context.Context, a *app, b *backends) (eventlog.EventStore, error) {
	cfg := a.cfg.Store
	log := a.log.With(zap.String("store", cfg.Driver))

	switch cfg.Driver {
	case "memory":
		s := memory.NewMemoryStore()
		b.onClose(s.Close)
		return s, nil

	case "file":
		s, err := file.NewFileStore(cfg.File.Dir)
		if err != nil {
			return nil, err
		}
		b.onClose(s.Close)
		log.Debug("file store opened", zap.String("path", s.Path()))
		return s, nil

	case "postgres":
		if cfg.Postgres.Migrate {
			if _, err := retry(ctx, log, "postgres-migrations", a.connectTimeout, func() (struct{}, error) {
				return struct{}{}, postgres.Migrate(ctx, cfg.Postgres.DSN)
			}); err != nil {
				return nil, err
			}
		}
		pool, err := openPostgres(ctx, a, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		b.onClose(func() error {
			pool.Close()
			return nil
		})
		s := postgres.New(pool, postgres.WithPageSize(cfg.Postgres.PageSize))
		b.onClose(s.Close)
		return s, nil

	case "mongo":
		client, err := openMongo(ctx, a, cfg.Mongo)
		if err != nil {
			return nil, err
		}
		b.onClose(func() error {
			return client.Disconnect(context.WithoutCancel(ctx))
		})
		s, err := mongo.New(ctx, client.Database(cfg.Mongo.Database), mongo.WithCollection(cfg.Mongo.Collection))
		if err != nil {
			return nil, err
		}
		b.onClose(s.Close)
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func openPostgres(ctx context.Context, a *app, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if _, err := retry(ctx, a.log, "postgres", a.connectTimeout, func() (struct{}, error) {
		return struct{}{}, pool.Ping(ctx)
	}); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

func openMongo(ctx context.Context, a *app, cfg config.MongoConfig) (*mongodriver.Client, error) {
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	client, err := mongodriver.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("create mongo client: %w", err)
	}
	if _, err := retry(ctx, a.log, "mongo", a.connectTimeout, func() (struct{}, error) {
		return struct{}{}, client.Ping(ctx, nil)
	}); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	return client, nil
}

// openTransport returns nil for the "none" driver.
func openTransport(ctx context.Context, a *app, b *backends) (eventlog.Transport, error) {
	cfg := a.cfg.Transport
	log := a.log.With(zap.String("transport", cfg.Driver))

	switch cfg.Driver {
	case "none":
		return nil, nil

	case "memory":
		broker := memorytransport.NewBroker(cfg.Memory.Buffer, memorytransport.WithLogger(log))
		b.onClose(broker.Close)
		return broker, nil

	case "kafka":
		producer, err := kafka.NewProducer(cfg.Kafka.Brokers, nil)
		if err != nil {
			return nil, err
		}
		t := kafka.New(producer,
			kafka.WithTopic(cfg.Kafka.Topic),
			kafka.WithFlushTimeout(cfg.Kafka.FlushTimeout),
			kafka.WithLogger(log),
		)
		b.onClose(func() error {
			err := t.Close()
			log.Info("kafka transport closed",
				zap.Uint64("delivered", t.Delivered()),
				zap.Uint64("failed", t.Failed()))
			return err
		})
		return t, nil

	case "redis":
		client := redis.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		b.onClose(client.Close)
		if _, err := retry(ctx, log, "redis", a.connectTimeout, func() (string, error) {
			return client.Ping(ctx).Result()
		}); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return redis.New(client, redis.WithPrefix(cfg.Redis.Prefix)), nil

	case "websocket":
		return nil, errors.New("the websocket transport is hosted by the serve command")
	}
	return nil, fmt.Errorf("unknown transport driver %q", cfg.Driver)
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rl1809/medstock/internal/adapter/messaging"
	"github.com/rl1809/medstock/internal/adapter/storage"
	"github.com/rl1809/medstock/internal/config"
	"github.com/rl1809/medstock/internal/core/service"
	"github.com/rl1809/medstock/internal/observability"
	"github.com/rl1809/medstock/internal/port"
)

// app holds the wired engine and everything that must be closed with it.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry

	store port.Store
	mysql *storage.MySQLAdapter
	redis *storage.RedisAdapter

	reservations *service.ReservationService
	stock        *service.StockService
	transfers    *service.TransferService
	movements    *service.MovementService
	tracker      *service.ExpiryTracker
	sweeper      *service.Sweeper

	closers []func() error
}

func newApp(ctx context.Context, cfg config.Config) (_ *app, err error) {
	logger, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.openRedis(ctx); err != nil {
		return nil, err
	}

	deps := service.Deps{
		Store:    a.store,
		Notifier: a.openNotifier(),
		Logger:   logger,
		Metrics:  service.NewMetrics(a.registry),
	}
	var lease port.Lease
	if a.redis != nil {
		deps.Catalog = a.redis
		lease = a.redis
	}

	a.reservations = service.NewReservationService(deps, cfg.Reservation.DefaultTTL)
	a.stock = service.NewStockService(deps)
	a.transfers = service.NewTransferService(deps)
	a.movements = service.NewMovementService(deps)
	a.tracker = service.NewExpiryTracker(deps)
	a.sweeper = service.NewSweeper(a.reservations, a.tracker, lease, service.SweeperConfig{
		Interval:           cfg.Sweeper.Interval,
		BatchSize:          cfg.Sweeper.BatchSize,
		ExpiryScanInterval: cfg.Sweeper.ExpiryScanInterval,
		ExpiryAlertWindow:  cfg.Sweeper.ExpiryAlertWindow(),
		LeaseTTL:           cfg.Sweeper.LeaseTTL,
	})
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case config.DriverMemory:
		a.store = storage.NewMemoryAdapter()
		a.logger.Warn("using in-memory store; stock is lost on exit")
		return nil
	case config.DriverMySQL:
	default:
		return fmt.Errorf("unknown store driver %q", a.cfg.Store.Driver)
	}

	db, err := sql.Open("mysql", a.cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("open mysql: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	db.SetMaxOpenConns(a.cfg.Store.MaxOpenConns)
	db.SetMaxIdleConns(a.cfg.Store.MaxIdleConns)
	db.SetConnMaxLifetime(a.cfg.Store.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping mysql: %w", err)
	}
	a.logger.Info("connected to mysql")

	a.mysql = storage.NewMySQLAdapter(db)
	a.store = a.mysql
	return nil
}

func (a *app) openRedis(ctx context.Context) error {
	if a.cfg.Redis.Addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		PoolSize: a.cfg.Redis.PoolSize,
	})
	a.closers = append(a.closers, rdb.Close)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	a.logger.Info("connected to redis", zap.String("addr", a.cfg.Redis.Addr))
	a.redis = storage.NewRedisAdapter(rdb)
	return nil
}

func (a *app) openNotifier() port.Notifier {
	if len(a.cfg.Kafka.Brokers) == 0 {
		a.logger.Info("no kafka brokers configured; events are logged")
		return messaging.NewLogNotifier(a.logger)
	}
	notifier := messaging.NewKafkaNotifier(messaging.NewKafkaWriter(a.cfg.Kafka.Brokers, a.cfg.Kafka.Topic))
	a.closers = append(a.closers, notifier.Close)
	a.logger.Info("publishing events to kafka",
		zap.Strings("brokers", a.cfg.Kafka.Brokers),
		zap.String("topic", a.cfg.Kafka.Topic))
	return notifier
}

// close releases resources in reverse order of acquisition.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	a.logger.Sync()
	return errors.Join(errs...)
}

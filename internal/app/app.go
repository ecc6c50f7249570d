package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jkaberg/saic-fleet/internal/bus"
	"github.com/jkaberg/saic-fleet/internal/command"
	"github.com/jkaberg/saic-fleet/internal/config"
	"github.com/jkaberg/saic-fleet/internal/flush"
	"github.com/jkaberg/saic-fleet/internal/httpapi"
	"github.com/jkaberg/saic-fleet/internal/live"
	"github.com/jkaberg/saic-fleet/internal/mqtt"
	"github.com/jkaberg/saic-fleet/internal/store"
	"github.com/jkaberg/saic-fleet/internal/store/memory"
	"github.com/jkaberg/saic-fleet/internal/store/postgres"
	"github.com/jkaberg/saic-fleet/internal/store/sqlite"
	"github.com/jkaberg/saic-fleet/internal/telemetry"
	"github.com/jkaberg/saic-fleet/internal/topics"
	"github.com/jkaberg/saic-fleet/internal/trips"
)

// Updates buffered per live status subscriber.
const busBuffer = 64

// Run wires ingestion, flushing, command dispatch and the optional trip and
// live status workers, and blocks until ctx is cancelled. Failing to open the
// store or to reach the broker at startup is returned as an error.
func Run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	st, deriver, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.WithError(err).Warn("app: closing store failed")
		}
	}()
	logger.WithField("driver", cfg.StoreDriver).Info("Store ready")

	cache := telemetry.NewCache(st, logger)
	updates := bus.New(busBuffer)
	defer updates.Close()

	mgr := mqtt.NewManager(mqtt.Options{
		BrokerURL:          cfg.MQTTBrokerURL,
		Username:           cfg.MQTTUser,
		Password:           cfg.MQTTPassword,
		ClientID:           cfg.MQTTClientID,
		CleanSession:       true,
		ReconnectInterval:  cfg.ReconnectInterval,
		ConnectTimeout:     cfg.ConnectTimeout,
		KeepAlive:          cfg.KeepAlive,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}, logger)
	defer mgr.Close()

	// Subscriptions are restored after every reconnect.
	mgr.OnConnect(func() {
		for _, filter := range topics.Subscriptions(cfg.TopicPrefix, cfg.SAICUser) {
			err := mgr.Subscribe(ctx, filter, func(topic string, payload []byte) {
				cache.ApplyMessage(ctx, topic, payload)
			})
			if err != nil {
				logger.WithError(err).WithField("topic", filter).Error("app: subscribe failed")
			}
		}
	})

	if _, err := mgr.Connection(ctx); err != nil {
		return fmt.Errorf("initial MQTT connection: %w", err)
	}

	grp, ctx := errgroup.WithContext(ctx)

	// Flush -------------------------------------------------------------------
	sched := flush.New(cache, st, updates, flush.Options{
		Interval:   cfg.FlushInterval,
		Staleness:  cfg.Staleness,
		EvictAfter: cfg.EvictAfter,
	}, logger)
	grp.Go(func() error { return sched.Run(ctx) })

	// Live status mirror ------------------------------------------------------
	if cfg.HasLiveMirror() {
		w, err := live.NewRedisWriter(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.LiveStatusTTL)
		if err != nil {
			// Ingestion runs without the mirror.
			logger.WithError(err).Warn("app: live status mirror disabled")
		} else {
			defer w.Close()
			mirror := live.NewMirror(w, logger)
			sub := updates.Subscribe()
			grp.Go(func() error { return mirror.Run(ctx, sub) })
		}
	}

	// Trips -------------------------------------------------------------------
	if deriver != nil && cfg.HasTrips() {
		runner := trips.NewRunner(deriver, cfg.TripInterval, cfg.TripLookback, logger)
		grp.Go(func() error { return runner.Run(ctx) })
	}

	// Command API -------------------------------------------------------------
	dispatcher := command.NewDispatcher(mgr, st, cfg.TopicPrefix, cfg.SAICUser, logger)
	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:     logger,
		Addr:       cfg.HTTPAddr,
		Dispatcher: dispatcher,
		Cache:      cache,
	})
	grp.Go(func() error { return srv.Start(ctx) })

	logger.WithFields(logrus.Fields{
		"topics":    topics.Subscriptions(cfg.TopicPrefix, cfg.SAICUser),
		"flush_int": cfg.FlushInterval,
		"staleness": cfg.Staleness,
		"http":      cfg.HTTPAddr,
		"trips":     deriver != nil && cfg.HasTrips(),
		"live":      cfg.HasLiveMirror(),
	}).Info("saic-fleet running")

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openStore returns the configured store and, when it can segment trips,
// the same store as a TripDeriver.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, store.TripDeriver, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pg, err := postgres.New(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return pg, pg, nil
	case config.StoreSQLite:
		lite, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return lite, nil, nil
	default:
		return memory.New(), nil, nil
	}
}

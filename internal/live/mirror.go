package live

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jkaberg/saic-fleet/internal/bus"
	"github.com/jkaberg/saic-fleet/internal/metrics"
)

const (
	// StatusChannel carries every changed vehicle status as JSON.
	StatusChannel = "fleet:vehicles:status"
	geoKey        = "fleet:vehicles:geo"
)

// Writer stores one vehicle's status and announces it.
type Writer interface {
	Write(ctx context.Context, vin string, fields map[string]any, payload []byte) error
}

// Mirror republishes flushed status to a shared cache for dashboards,
// skipping updates that did not change anything.
type Mirror struct {
	w      Writer
	logger *logrus.Logger
	last   map[string]map[string]any
}

func NewMirror(w Writer, logger *logrus.Logger) *Mirror {
	return &Mirror{w: w, logger: logger, last: make(map[string]map[string]any)}
}

// Run consumes updates until ctx is cancelled or the channel closes.
func (m *Mirror) Run(ctx context.Context, updates <-chan bus.Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			m.handle(ctx, u)
		}
	}
}

func (m *Mirror) handle(ctx context.Context, u bus.Update) {
	if !Changed(m.last[u.VIN], u.Fields) {
		metrics.LiveStatusPublished.WithLabelValues("unchanged").Inc()
		return
	}

	payload, err := json.Marshal(struct {
		VIN    string         `json:"vin"`
		At     time.Time      `json:"at"`
		Status map[string]any `json:"status"`
	}{u.VIN, u.At.UTC(), u.Fields})
	if err != nil {
		m.logger.WithField("vin", u.VIN).WithError(err).Warn("live: marshal failed")
		metrics.LiveStatusPublished.WithLabelValues("failed").Inc()
		return
	}

	if err := m.w.Write(ctx, u.VIN, u.Fields, payload); err != nil {
		// Forget the last state so the next update is retried even if equal.
		delete(m.last, u.VIN)
		m.logger.WithField("vin", u.VIN).WithError(err).Warn("live: status write failed")
		metrics.LiveStatusPublished.WithLabelValues("failed").Inc()
		return
	}
	m.last[u.VIN] = u.Fields
	metrics.LiveStatusPublished.WithLabelValues("ok").Inc()
}

// RedisWriter keeps vehicle:<vin>:status hashes with a TTL, a geo index of
// positions, and publishes on StatusChannel.
type RedisWriter struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisWriter(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisWriter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisWriter{client: client, ttl: ttl}, nil
}

func (r *RedisWriter) Close() error { return r.client.Close() }

func (r *RedisWriter) Write(ctx context.Context, vin string, fields map[string]any, payload []byte) error {
	key := fmt.Sprintf("vehicle:%s:status", vin)

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	lat, okLat := fields["lat"].(float64)
	lon, okLon := fields["lon"].(float64)
	if okLat && okLon {
		pipe.GeoAdd(ctx, geoKey, &redis.GeoLocation{Name: vin, Longitude: lon, Latitude: lat})
	}
	pipe.Publish(ctx, StatusChannel, payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

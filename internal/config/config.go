package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all configuration options for saic-fleet.
type Config struct {
	// MQTT
	MQTTBrokerURL      string
	MQTTUser           string
	MQTTPassword       string
	MQTTClientID       string // generated when empty
	TopicPrefix        string
	SAICUser           string // account segment of every gateway topic
	InsecureSkipVerify bool
	ReconnectInterval  time.Duration
	ConnectTimeout     time.Duration
	KeepAlive          time.Duration

	// Flush
	FlushInterval time.Duration
	Staleness     time.Duration
	EvictAfter    time.Duration // 0 keeps vehicles cached forever

	// Storage
	StoreDriver      string
	DatabaseURL      string
	DatabaseMaxConns int32
	SQLitePath       string

	// Live status mirror, disabled when RedisAddr is empty
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LiveStatusTTL time.Duration

	HTTPAddr string

	TripInterval time.Duration
	TripLookback time.Duration

	Verbose   bool
	LogFormat string
}

// binding ties a config key (also the flag name) to its environment names.
type binding struct {
	key   string
	envs  []string
	def   any
	usage string
}

var bindings = []binding{
	{"mqtt.broker-url", []string{"MQTT_BROKER_URL"}, DefaultBrokerURL, "MQTT broker URL (tcp://, mqtt://, mqtts://, ssl://, ws://, wss://)"},
	{"mqtt.user", []string{"MQTT_USER", "MQTT_USERNAME"}, "", "MQTT username"},
	{"mqtt.password", []string{"MQTT_PASSWORD"}, "", "MQTT password"},
	{"mqtt.client-id", []string{"MQTT_CLIENT_ID"}, "", "MQTT client id (generated when empty)"},
	{"mqtt.topic-prefix", []string{"MQTT_TOPIC_PREFIX"}, DefaultTopicPrefix, "Gateway topic prefix"},
	{"mqtt.insecure-skip-verify", []string{"MQTT_INSECURE_SKIP_VERIFY"}, false, "Skip TLS certificate verification"},
	{"mqtt.reconnect-interval", []string{"MQTT_RECONNECT_INTERVAL"}, DefaultReconnectInterval.String(), "Maximum delay between reconnect attempts"},
	{"mqtt.connect-timeout", []string{"MQTT_CONNECT_TIMEOUT"}, DefaultConnectTimeout.String(), "Bound on connect, publish and subscribe waits"},
	{"mqtt.keep-alive", []string{"MQTT_KEEP_ALIVE"}, DefaultKeepAlive.String(), "MQTT keep alive"},
	{"saic.user", []string{"SAIC_USER"}, "", "SAIC account used in gateway topics"},

	{"flush.interval", []string{"FLUSH_INTERVAL"}, DefaultFlushInterval.String(), "Flush interval (e.g. 5s or 5)"},
	{"flush.staleness", []string{"STALENESS_WINDOW"}, DefaultStaleness.String(), "Skip vehicles without updates for this long"},
	{"flush.evict-after", []string{"CACHE_EVICT_AFTER"}, "0", "Drop cached vehicles idle for this long (0 = never)"},

	{"store.driver", []string{"STORE_DRIVER"}, "", "Store driver: memory, postgres or sqlite (inferred when empty)"},
	{"database.url", []string{"DATABASE_URL"}, "", "PostgreSQL connection string"},
	{"database.max-conns", []string{"DATABASE_MAX_CONNS"}, DefaultDatabaseMaxConns, "PostgreSQL pool size"},
	{"sqlite.path", []string{"SQLITE_PATH"}, "", "SQLite database file"},

	{"redis.addr", []string{"REDIS_ADDR"}, "", "Redis address for the live status mirror (empty disables)"},
	{"redis.password", []string{"REDIS_PASSWORD"}, "", "Redis password"},
	{"redis.db", []string{"REDIS_DB"}, 0, "Redis database"},
	{"redis.status-ttl", []string{"REDIS_STATUS_TTL"}, DefaultLiveStatusTTL.String(), "TTL of mirrored vehicle status"},

	{"http.addr", []string{"HTTP_ADDR"}, "", "HTTP listen address (overrides --http.port)"},
	{"http.port", []string{"PORT"}, DefaultHTTPPort, "HTTP listen port"},

	{"trips.interval", []string{"TRIP_INTERVAL"}, DefaultTripInterval.String(), "Trip derivation interval (0 disables)"},
	{"trips.lookback", []string{"TRIP_LOOKBACK"}, DefaultTripLookback.String(), "Trip derivation lookback window"},

	{"verbose", []string{"SAIC_FLEET_VERBOSE"}, false, "Verbose logging"},
	{"log-format", []string{"SAIC_FLEET_LOG_FORMAT"}, "text", "Log format: text or json"},
}

// AddFlags registers one flag per config key on fs.
func AddFlags(fs *pflag.FlagSet) {
	for _, b := range bindings {
		switch d := b.def.(type) {
		case bool:
			if b.key == "verbose" {
				fs.BoolP(b.key, "v", d, b.usage)
				continue
			}
			fs.Bool(b.key, d, b.usage)
		case int:
			fs.Int(b.key, d, b.usage)
		default:
			fs.String(b.key, fmt.Sprint(d), b.usage)
		}
	}
}

// Load merges defaults, .env.local and .env, environment variables and the
// flags set on fs (in increasing priority). fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	if err := loadDotEnv(".env.local", ".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	for _, b := range bindings {
		v.SetDefault(b.key, b.def)
		if err := v.BindEnv(append([]string{b.key}, b.envs...)...); err != nil {
			return nil, err
		}
	}
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		MQTTBrokerURL:      v.GetString("mqtt.broker-url"),
		MQTTUser:           v.GetString("mqtt.user"),
		MQTTPassword:       v.GetString("mqtt.password"),
		MQTTClientID:       v.GetString("mqtt.client-id"),
		TopicPrefix:        strings.Trim(v.GetString("mqtt.topic-prefix"), "/"),
		SAICUser:           v.GetString("saic.user"),
		InsecureSkipVerify: v.GetBool("mqtt.insecure-skip-verify"),
		StoreDriver:        strings.ToLower(v.GetString("store.driver")),
		DatabaseURL:        v.GetString("database.url"),
		DatabaseMaxConns:   v.GetInt32("database.max-conns"),
		SQLitePath:         v.GetString("sqlite.path"),
		RedisAddr:          v.GetString("redis.addr"),
		RedisPassword:      v.GetString("redis.password"),
		RedisDB:            v.GetInt("redis.db"),
		HTTPAddr:           v.GetString("http.addr"),
		Verbose:            v.GetBool("verbose"),
		LogFormat:          strings.ToLower(v.GetString("log-format")),
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":" + v.GetString("http.port")
	}

	var errs []error
	for key, dst := range map[string]*time.Duration{
		"mqtt.reconnect-interval": &cfg.ReconnectInterval,
		"mqtt.connect-timeout":    &cfg.ConnectTimeout,
		"mqtt.keep-alive":         &cfg.KeepAlive,
		"flush.interval":          &cfg.FlushInterval,
		"flush.staleness":         &cfg.Staleness,
		"flush.evict-after":       &cfg.EvictAfter,
		"redis.status-ttl":        &cfg.LiveStatusTTL,
		"trips.interval":          &cfg.TripInterval,
		"trips.lookback":          &cfg.TripLookback,
	} {
		d, err := ParseDuration(v.GetString(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		*dst = d
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if cfg.StoreDriver == "" {
		cfg.StoreDriver = inferDriver(cfg)
	}
	if cfg.StoreDriver == StoreSQLite && cfg.SQLitePath == "" {
		cfg.SQLitePath = DefaultSQLitePath
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseDuration accepts Go durations ("90s", "5m") and bare integers, which
// are taken as seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(n) * time.Second, nil
}

func inferDriver(c *Config) string {
	switch {
	case c.DatabaseURL != "":
		return StorePostgres
	case c.SQLitePath != "":
		return StoreSQLite
	default:
		return StoreMemory
	}
}

func loadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		// Existing environment variables win over file entries.
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Validate checks that the configuration can be used to start the service.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.MQTTBrokerURL)
	if err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("MQTT broker URL %q is not a valid URL", c.MQTTBrokerURL))
	} else {
		switch u.Scheme {
		case "tcp", "mqtt", "mqtts", "ssl", "ws", "wss":
		default:
			errs = append(errs, fmt.Errorf("MQTT broker URL must use tcp://, mqtt://, mqtts://, ssl://, ws:// or wss://"))
		}
	}

	if c.SAICUser == "" {
		errs = append(errs, errors.New("SAIC user is required"))
	} else if strings.ContainsAny(c.SAICUser, "/+#") {
		errs = append(errs, errors.New("SAIC user must not contain '/', '+' or '#'"))
	}
	if c.TopicPrefix == "" || strings.ContainsAny(c.TopicPrefix, "+#") {
		errs = append(errs, errors.New("topic prefix must be non-empty and free of wildcards"))
	}

	switch c.StoreDriver {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
		if c.DatabaseMaxConns <= 0 {
			errs = append(errs, errors.New("database max conns must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.StoreDriver))
	}

	for name, d := range map[string]time.Duration{
		"flush interval":     c.FlushInterval,
		"staleness window":   c.Staleness,
		"reconnect interval": c.ReconnectInterval,
		"connect timeout":    c.ConnectTimeout,
		"trip lookback":      c.TripLookback,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.EvictAfter < 0 {
		errs = append(errs, errors.New("evict-after must not be negative"))
	}
	if c.TripInterval < 0 {
		errs = append(errs, errors.New("trip interval must not be negative"))
	}

	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log format must be text or json, got %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// HasLiveMirror reports whether the redis status mirror is configured.
func (c *Config) HasLiveMirror() bool { return c.RedisAddr != "" }

// HasTrips reports whether trip derivation is enabled and the configured
// store can run it.
func (c *Config) HasTrips() bool { return c.StoreDriver == StorePostgres && c.TripInterval > 0 }

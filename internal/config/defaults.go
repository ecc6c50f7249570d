package config

import "time"

// Application-wide timing constants and other defaults.

const (
	// Gateway topics
	DefaultTopicPrefix = "saic"
	DefaultBrokerURL   = "tcp://localhost:1883"

	// Connection manager
	DefaultReconnectInterval = 5 * time.Second
	DefaultConnectTimeout    = 30 * time.Second
	DefaultKeepAlive         = 60 * time.Second

	// Flush scheduler
	DefaultFlushInterval = 5 * time.Second
	DefaultStaleness     = 60 * time.Second

	// Trip derivation
	DefaultTripInterval = 15 * time.Minute
	DefaultTripLookback = 24 * time.Hour

	// Live status mirror
	DefaultLiveStatusTTL = 10 * time.Minute

	DefaultHTTPPort         = "8080"
	DefaultDatabaseMaxConns = 10
	DefaultSQLitePath       = "saic-fleet.db"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

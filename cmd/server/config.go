package main

import (
	"os"

	"github.com/BurntSushi/toml"
)

// StoreBackend selects which dagcore.Store implementation main() wires up.
type StoreBackend string

const (
	BackendMemory   StoreBackend = "memory"
	BackendSQLite   StoreBackend = "sqlite"
	BackendPostgres StoreBackend = "postgres"
	BackendDynamoDB StoreBackend = "dynamodb"
)

// ServerConfig is cmd/server's ambient configuration layer, loaded the way
// nevindra-oasis loads its own TOML config: defaults, then an optional
// file, then environment overrides for anything secret-shaped.
type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`

	Store StoreConfig `toml:"store"`

	Tracing TracingConfig `toml:"tracing"`

	Engine EngineTuning `toml:"engine"`
}

type StoreConfig struct {
	Backend StoreBackend `toml:"backend"`

	SQLitePath string `toml:"sqlite_path"`

	PostgresDSN string `toml:"postgres_dsn"`

	DynamoDBTable string `toml:"dynamodb_table"`
}

type TracingConfig struct {
	Enabled     bool   `toml:"enabled"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
	ServiceName string `toml:"service_name"`
}

type EngineTuning struct {
	MaxConcurrentExecutions int `toml:"max_concurrent_executions"`
	ClaimTimeoutMs          int64 `toml:"claim_timeout_ms"`
}

// DefaultConfig returns the configuration a bare `go run ./cmd/server`
// starts with: in-memory store, no tracing, listening on :8080.
func DefaultConfig() ServerConfig {
	return ServerConfig{
		ListenAddr: ":8080",
		Store: StoreConfig{
			Backend:    BackendMemory,
			SQLitePath: "dagcore.db",
		},
		Tracing: TracingConfig{ServiceName: "dagcore"},
		Engine:  EngineTuning{MaxConcurrentExecutions: 10, ClaimTimeoutMs: 30_000},
	}
}

// LoadConfig reads path (defaults -> TOML file -> env overrides, env wins).
// A missing file is not an error; DefaultConfig's values are kept.
func LoadConfig(path string) ServerConfig {
	cfg := DefaultConfig()

	if path == "" {
		path = "dagcore.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("DAGCORE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DAGCORE_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = StoreBackend(v)
	}
	if v := os.Getenv("DAGCORE_POSTGRES_DSN"); v != "" {
		cfg.Store.PostgresDSN = v
	}
	if v := os.Getenv("DAGCORE_SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := os.Getenv("DAGCORE_DYNAMODB_TABLE"); v != "" {
		cfg.Store.DynamoDBTable = v
	}
	if v := os.Getenv("DAGCORE_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.OTLPEndpoint = v
		cfg.Tracing.Enabled = true
	}

	return cfg
}

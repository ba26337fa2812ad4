// Command server exposes dagcore's engine over HTTP, the role the
// teacher's example/simple_math/main plays for its single hardcoded
// workflow, generalized to a configurable store backend and a directory of
// workflow definitions.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"go.opentelemetry.io/otel"

	"github.com/flowforge/dagcore"
	"github.com/flowforge/dagcore/engine"
	"github.com/flowforge/dagcore/events"
	"github.com/flowforge/dagcore/examples/codehost"
	"github.com/flowforge/dagcore/store"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (defaults applied if absent)")
	workflowsDir := flag.String("workflows-dir", "./workflows", "directory of *.json workflow definitions")
	flag.Parse()

	cfg := LoadConfig(*configPath)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	if cfg.Tracing.Enabled {
		tp := sdktrace.NewTracerProvider()
		otel.SetTracerProvider(tp)
		defer tp.Shutdown(context.Background())
		log.Info().Str("service", cfg.Tracing.ServiceName).Msg("tracing enabled (no exporter wired: spans are sampled but not shipped)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dagStore, closeStore, err := buildStore(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize store")
	}
	defer closeStore()

	registry := NewWorkflowRegistry()
	if err := registry.LoadDir(*workflowsDir); err != nil {
		log.Fatal().Err(err).Str("dir", *workflowsDir).Msg("failed to load workflow definitions")
	}

	bus := events.NewMemoryBus(dagcore.SystemClock{})
	executor := engine.NewExecutor(dagStore, noopToolInvoker{}, codehost.NewRunner(),
		dagcore.WithMaxConcurrentExecutions(cfg.Engine.MaxConcurrentExecutions),
		dagcore.WithClaimTimeout(time.Duration(cfg.Engine.ClaimTimeoutMs)*time.Millisecond),
	)
	dispatcher := events.NewDispatcher(bus, executor, cfg.Engine.MaxConcurrentExecutions, dagcore.SystemClock{})

	go func() {
		if err := dispatcher.Run(ctx); err != nil {
			log.Error().Err(err).Msg("dispatcher stopped")
		}
	}()

	app := fiber.New()
	registerRoutes(app, &server{
		store:    dagStore,
		executor: executor,
		bus:      bus,
		clock:    dagcore.SystemClock{},
		registry: registry,
	})

	go func() {
		<-ctx.Done()
		_ = app.Shutdown()
	}()

	log.Info().Str("addr", cfg.ListenAddr).Str("backend", string(cfg.Store.Backend)).Msg("starting dagcore server")
	if err := app.Listen(cfg.ListenAddr); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

// buildStore wires the configured backend and returns a shutdown func that
// releases whatever connection it opened. The SQL backends close their
// connection; for the memory and DynamoDB backends the shutdown is a no-op.
func buildStore(ctx context.Context, cfg StoreConfig) (dagcore.Store, func(), error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return store.NewMemoryStore(dagcore.SystemClock{}), func() {}, nil

	case BackendSQLite:
		sqlxDB, err := sqlx.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		sqlxDB.SetMaxOpenConns(1)
		s := store.NewSQLiteStore(sqlxDB)
		if err := s.Init(ctx); err != nil {
			return nil, nil, fmt.Errorf("init sqlite schema: %w", err)
		}
		return s, func() { _ = s.Close() }, nil

	case BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres pool: %w", err)
		}
		s := store.NewPostgresStore(pool)
		if err := s.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("init postgres schema: %w", err)
		}
		return s, func() { pool.Close() }, nil

	case BackendDynamoDB:
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("load aws config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg)
		s := store.NewDynamoDBStore(client, cfg.DynamoDBTable)
		return s, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// noopToolInvoker is cmd/server's default ToolInvoker: a deployment that
// wires real tool connections supplies its own implementation of the port
// (spec.md §1's Non-goals keep tool transport external to this engine).
type noopToolInvoker struct{}

func (noopToolInvoker) InvokeTool(ctx context.Context, connectionID, toolName string, input dagcore.Value) (dagcore.Value, error) {
	return dagcore.Null, fmt.Errorf("no ToolInvoker configured for connection %q, tool %q", connectionID, toolName)
}

// Package postgres is the durable store backend built on pgxpool. Instance
// rows carry their full entity as jsonb next to the key and status columns
// the engine queries on; transition enforcement happens under row locks.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sagaflow/sagaflow/engine/store"
	"github.com/sagaflow/sagaflow/pkg/logger"
)

const (
	defaultMaxConns       = 20
	defaultConnectTimeout = 5 * time.Second
	defaultPingTimeout    = 3 * time.Second
)

type Config struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	ConnectTimeout time.Duration
	PingTimeout    time.Duration
}

// DB is the minimal surface the repositories depend on (pgxpool or pgxmock).
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store owns the pgx pool and hands out repository bindings.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil || cfg.DSN == "" {
		return nil, fmt.Errorf("postgres: dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parsing dsn: %w", err)
	}
	poolCfg.MaxConns = defaultMaxConns
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	poolCfg.ConnConfig.ConnectTimeout = defaultConnectTimeout
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: creating pool: %w", err)
	}
	pingTimeout := defaultPingTimeout
	if cfg.PingTimeout > 0 {
		pingTimeout = cfg.PingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	logger.FromContext(ctx).Info("postgres store initialized",
		"max_conns", poolCfg.MaxConns, "min_conns", poolCfg.MinConns)
	return &Store{pool: pool}, nil
}

// Repos binds every repository onto the shared pool.
func (s *Store) Repos() *store.Store {
	return &store.Store{
		Transactions: NewTransactionRepo(s.pool),
		Workflows:    NewWorkflowRepo(s.pool),
		Tasks:        NewTaskRepo(s.pool),
		WorkflowDefs: NewWorkflowDefRepo(s.pool),
		TaskDefs:     NewTaskDefRepo(s.pool),
	}
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: health check: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

package workspacebot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	_ "github.com/lib/pq"
)

type sqlOpenFunc func(driverName, dataSourceName string) (*sql.DB, error)

// PostgresStateBackend stores one snapshot per state key as a JSONB row,
// replaced with an upsert on every save. Several backends may share one table
// by using distinct state keys.
type PostgresStateBackend struct {
	db       *sql.DB
	table    string
	stateKey string
	schema   *jsonschema.Schema
	initOnce sync.Once
	initErr  error
	timeout  time.Duration
}

type PostgresStateBackendOptions struct {
	DSN      string
	Table    string
	StateKey string
	Schema   string
	OpenFunc sqlOpenFunc
	Timeout  time.Duration
}

func NewPostgresStateBackend(opts PostgresStateBackendOptions) (*PostgresStateBackend, error) {
	if strings.TrimSpace(opts.DSN) == "" {
		return nil, fmt.Errorf("%w: postgres state backend requires a dsn", ErrInvalidInput)
	}
	stateKey := strings.TrimSpace(opts.StateKey)
	if stateKey == "" {
		return nil, fmt.Errorf("%w: postgres state backend requires a state key", ErrInvalidInput)
	}
	table := strings.TrimSpace(opts.Table)
	if table == "" {
		table = "workspacebot_state"
	}
	openFunc := opts.OpenFunc
	if openFunc == nil {
		openFunc = sql.Open
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	schema, err := compileSnapshotSchema(stateKey, opts.Schema)
	if err != nil {
		return nil, err
	}
	db, err := openFunc("postgres", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres state backend: %w", err)
	}
	return &PostgresStateBackend{
		db:       db,
		table:    table,
		stateKey: stateKey,
		schema:   schema,
		timeout:  timeout,
	}, nil
}

func (b *PostgresStateBackend) ensureReady(ctx context.Context) error {
	b.initOnce.Do(func() {
		query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			state_key TEXT PRIMARY KEY,
			snapshot JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, postgresQuoteIdentifier(b.table))
		_, b.initErr = b.db.ExecContext(ctx, query)
	})
	return b.initErr
}

func (b *PostgresStateBackend) Load(dst any) (bool, error) {
	if b == nil || b.db == nil {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.ensureReady(ctx); err != nil {
		return false, err
	}
	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = $1", postgresQuoteIdentifier(b.table))
	var data []byte
	err := b.db.QueryRowContext(ctx, query, b.stateKey).Scan(&data)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := validateSnapshot(b.schema, data); err != nil {
		return false, fmt.Errorf("%w: snapshot %s: %v", ErrInvalidState, b.stateKey, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, err
	}
	return true, nil
}

func (b *PostgresStateBackend) Save(src any) error {
	if b == nil || b.db == nil || src == nil {
		return nil
	}
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (state_key, snapshot, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (state_key) DO UPDATE
		SET snapshot = EXCLUDED.snapshot, updated_at = now()`, postgresQuoteIdentifier(b.table))
	_, err = b.db.ExecContext(ctx, query, b.stateKey, data)
	return err
}

func (b *PostgresStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

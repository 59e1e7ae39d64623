// Package storage persists namespaces, tracked DLQ messages, replay
// history, and auto-replay rules in a single-file SQLite database.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/servicehub/backend/internal/apperr"
	"github.com/servicehub/backend/internal/metrics"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// ============================================================================
// STORE - single-writer SQLite access shared by all persistence operations
// ============================================================================

// Store owns two connection pools over the same database file: a
// single-connection writer, so every mutation serializes, and a reader
// pool that WAL mode keeps unblocked by the writer.
type Store struct {
	writeDB *sqlx.DB
	readDB  *sqlx.DB
	log     zerolog.Logger
	metrics *metrics.Metrics

	// onCredentialChange is invoked after a namespace credential is
	// rotated or the namespace is deactivated. Set once at bootstrap,
	// before any concurrent use.
	onCredentialChange func(namespaceID string)

	// defaultMaxReplaysPerHour fills in the hourly budget for rules
	// created or updated without one. Set once at bootstrap.
	defaultMaxReplaysPerHour int
}

// Open connects to the database file, applies pending migrations, and
// returns a ready Store. The file is created when missing.
func Open(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	const op = "storage.Open"

	if path == "" {
		return nil, apperr.New(apperr.KindValidation, op, "database path must not be empty")
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_loc=UTC", path)

	writeDB, err := sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, apperr.Wrapf(apperr.KindInternal, op, err, "open writer")
	}
	writeDB.SetMaxOpenConns(1)

	readDB, err := sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		writeDB.Close()
		return nil, apperr.Wrapf(apperr.KindInternal, op, err, "open reader")
	}
	readDB.SetMaxOpenConns(4)

	s := &Store{writeDB: writeDB, readDB: readDB, log: log}
	if err := s.migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// migrate brings the schema up to the version this binary ships with.
func (s *Store) migrate(ctx context.Context) error {
	const op = "storage.migrate"

	goose.SetBaseFS(embeddedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return apperr.Wrap(apperr.KindInternal, op, err)
	}
	if err := goose.UpContext(ctx, s.writeDB.DB, "migrations"); err != nil {
		return apperr.Wrapf(apperr.KindInternal, op, err, "apply migrations")
	}
	return nil
}

// SetCredentialChangeHook registers the callback fired when a namespace
// credential rotates or the namespace is deactivated. The broker client
// cache uses it to drop stale wrappers.
func (s *Store) SetCredentialChangeHook(fn func(namespaceID string)) {
	s.onCredentialChange = fn
}

func (s *Store) notifyCredentialChange(namespaceID string) {
	if s.onCredentialChange != nil {
		s.onCredentialChange(namespaceID)
	}
}

// SetDefaultMaxReplaysPerHour sets the hourly budget applied to rules
// saved without an explicit one.
func (s *Store) SetDefaultMaxReplaysPerHour(n int) {
	s.defaultMaxReplaysPerHour = n
}

// SetMetrics attaches the Prometheus collectors. Set once at bootstrap.
func (s *Store) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Ping reports whether the database file is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.readDB.PingContext(ctx); err != nil {
		return apperr.Wrap(apperr.KindInternal, "storage.Ping", err)
	}
	return nil
}

// Close releases both connection pools.
func (s *Store) Close() error {
	var errs []error
	if err := s.readDB.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.writeDB.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// withWriteTx runs fn inside a transaction on the writer connection and
// commits when fn succeeds.
func (s *Store) withWriteTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.writeDB.BeginTxx(ctx, nil)
	if err != nil {
		s.recordError()
		return apperr.Wrap(apperr.KindInternal, "storage.tx", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Warn().Err(rbErr).Msg("transaction rollback failed")
		}
		s.recordError()
		return err
	}
	if err := tx.Commit(); err != nil {
		s.recordError()
		return apperr.Wrap(apperr.KindInternal, "storage.tx", err)
	}
	return nil
}

func (s *Store) recordError() {
	if s.metrics != nil {
		s.metrics.RecordStoreError()
	}
}

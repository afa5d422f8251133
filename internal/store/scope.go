package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/faultline/internal/apperr"
	"github.com/kiranshivaraju/faultline/internal/tenant"
)

// appRole is the role tenant-scoped statements run as so row-level policies always apply.
const appRole = "faultline_app"

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// scoped runs fn in a transaction whose app.current_project_id is the scope in ctx.
// Both the session variable and the role are transaction-local, so they are cleared on
// commit and on every error path before the connection returns to the pool.
func (s *PostgresStore) scoped(ctx context.Context, fn func(tx pgx.Tx) error) error {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify("begin scoped tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_project_id', $1, true)`, scope.SessionValue()); err != nil {
		return classify("set tenant context", err)
	}
	if _, err := tx.Exec(ctx, "SET LOCAL ROLE "+appRole); err != nil {
		return classify("set tenant role", err)
	}

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("commit scoped tx", err)
	}
	return nil
}

// classify marks connection-level failures as transient so callers can retry them.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.KindDeadline, op, err)
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return apperr.Transient(op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01" || pgErr.Code[:2] == "08") {
		return apperr.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// InTenantTx runs fn in a transaction bound to the tenant scope in ctx. Packages that own their own
// tables under row-level security (the pgvector backend) go through it rather than the raw pool.
func (s *PostgresStore) InTenantTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return s.scoped(ctx, fn)
}

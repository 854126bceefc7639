package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/clinic/clinic/internal/platform/apperr"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBTxKey     contextKey = "db_tx"
)

// Querier is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// WithTenant binds the resolved tenant to ctx. Repositories refuse to run
// without it.
func WithTenant(ctx context.Context, tenantID uuid.UUID) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// TenantFromContext returns the bound tenant or uuid.Nil.
func TenantFromContext(ctx context.Context) uuid.UUID {
	tid, _ := ctx.Value(TenantIDKey).(uuid.UUID)
	return tid
}

// Scoped is a tenant-bound query handle. The tenant id is always bound as $1,
// so every statement is written as "... WHERE tenant_id = $1 AND ...".
type Scoped struct {
	tenantID uuid.UUID
	q        Querier
}

// Scope returns a query handle bound to the tenant in ctx. Inside InTx the
// transaction is used, otherwise fallback.
func Scope(ctx context.Context, fallback Querier) (*Scoped, error) {
	tid := TenantFromContext(ctx)
	if tid == uuid.Nil {
		return nil, apperr.New(apperr.Forbidden, "no tenant scope")
	}
	q := fallback
	if tx := TxFromContext(ctx); tx != nil {
		q = tx
	}
	if q == nil {
		return nil, apperr.New(apperr.Internal, "no database handle")
	}
	return &Scoped{tenantID: tid, q: q}, nil
}

func (s *Scoped) TenantID() uuid.UUID { return s.tenantID }

func (s *Scoped) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return s.q.Query(ctx, sql, s.bind(args)...)
}

func (s *Scoped) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return s.q.QueryRow(ctx, sql, s.bind(args)...)
}

func (s *Scoped) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return s.q.Exec(ctx, sql, s.bind(args)...)
}

func (s *Scoped) bind(args []any) []any {
	out := make([]any, 0, len(args)+1)
	out = append(out, s.tenantID)
	return append(out, args...)
}

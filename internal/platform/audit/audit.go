// Package audit records who changed what. The log is append-only: there is no
// update or delete API.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

type Entry struct {
	TenantID   uuid.UUID
	ActorID    uuid.UUID
	Action     string
	Entity     string
	EntityID   string
	Metadata   map[string]any
	RecordedAt time.Time
}

type Sink interface {
	Record(ctx context.Context, e Entry) error
}

type PGSink struct {
	pool *pgxpool.Pool
}

func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

func (s *PGSink) Record(ctx context.Context, e Entry) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	var meta []byte
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode audit metadata: %w", err)
		}
		meta = b
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (tenant_id, actor_id, action, entity, entity_id, metadata, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		nullUUID(e.TenantID), nullUUID(e.ActorID), e.Action, e.Entity, e.EntityID, meta, e.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert audit_log: %w", err)
	}
	return nil
}

func nullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

// LogSink writes entries to the structured log.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Record(_ context.Context, e Entry) error {
	evt := s.log.Info().
		Str("tenant_id", e.TenantID.String()).
		Str("actor_id", e.ActorID.String()).
		Str("action", e.Action).
		Str("entity", e.Entity).
		Str("entity_id", e.EntityID)
	if len(e.Metadata) > 0 {
		evt = evt.Interface("metadata", e.Metadata)
	}
	evt.Msg("audit")
	return nil
}

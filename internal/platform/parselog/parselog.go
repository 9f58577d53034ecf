// Package parselog records one row per parsed message: outcome counters and
// header identifiers only. Patient data is never written.
package parselog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/hl7parse/internal/platform/hl7v2"
)

// ErrNilPool is returned by NewRepoPG when no pool is supplied.
var ErrNilPool = errors.New("parselog: nil connection pool")

// MigrationParseLog is the DDL for the parse_log table. It is safe to execute
// multiple times.
const MigrationParseLog = `
CREATE TABLE IF NOT EXISTS parse_log (
    id            UUID PRIMARY KEY,
    source        TEXT NOT NULL,
    control_id    TEXT NOT NULL DEFAULT '',
    message_type  TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL,
    structured    INTEGER NOT NULL,
    fallback      INTEGER NOT NULL,
    unrecognized  INTEGER NOT NULL,
    errors        INTEGER NOT NULL,
    warnings      INTEGER NOT NULL,
    completeness  DOUBLE PRECISION NOT NULL,
    duration_ms   DOUBLE PRECISION NOT NULL,
    received_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_parse_log_received_at ON parse_log (received_at);
CREATE INDEX IF NOT EXISTS idx_parse_log_status ON parse_log (status);
`

// Entry is one parse_log row.
type Entry struct {
	ID           uuid.UUID     `json:"id"`
	Source       string        `json:"source"`
	ControlID    string        `json:"control_id"`
	MessageType  string        `json:"message_type"`
	Status       hl7v2.Status  `json:"status"`
	Structured   int           `json:"structured"`
	Fallback     int           `json:"fallback"`
	Unrecognized int           `json:"unrecognized"`
	Errors       int           `json:"errors"`
	Warnings     int           `json:"warnings"`
	Completeness float64       `json:"completeness"`
	Duration     time.Duration `json:"duration"`
	ReceivedAt   time.Time     `json:"received_at"`
}

// NewEntry summarizes res. Only header identifiers and counters are copied.
func NewEntry(source string, res *hl7v2.Result, elapsed time.Duration, receivedAt time.Time) Entry {
	e := Entry{
		ID:           uuid.New(),
		Source:       source,
		Status:       res.Status(),
		Structured:   res.Quality.StructuredSegments,
		Fallback:     res.Quality.FallbackSegments,
		Unrecognized: res.Quality.UnrecognizedSegments,
		Errors:       res.Quality.Errors,
		Warnings:     res.Quality.Warnings,
		Completeness: res.Quality.Completeness,
		Duration:     elapsed,
		ReceivedAt:   receivedAt.UTC(),
	}
	if res.Fatal() {
		// A fatal result has no quality counters; count the fatal itself.
		e.Errors = 1
	}
	if h := res.Header; h != nil {
		e.ControlID = h.ControlID
		e.MessageType = h.Code()
	}
	return e
}

// Recorder persists parse log entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Nop discards every entry. It is used when DATABASE_URL is not set.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, Entry) error { return nil }

// execer is the minimal database interface RepoPG needs, so tests can run
// without Postgres.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) error
}

type poolExecer struct {
	pool *pgxpool.Pool
}

func (p poolExecer) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := p.pool.Exec(ctx, sql, args...)
	return err
}

// RepoPG writes entries to the parse_log table.
type RepoPG struct {
	db execer
}

// NewRepoPG returns a Postgres recorder backed by pool.
func NewRepoPG(pool *pgxpool.Pool) (*RepoPG, error) {
	if pool == nil {
		return nil, ErrNilPool
	}
	return &RepoPG{db: poolExecer{pool: pool}}, nil
}

// Record implements Recorder.
func (r *RepoPG) Record(ctx context.Context, e Entry) error {
	const query = `INSERT INTO parse_log (id, source, control_id, message_type, status,
    structured, fallback, unrecognized, errors, warnings, completeness, duration_ms, received_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	err := r.db.Exec(ctx, query,
		e.ID, e.Source, e.ControlID, e.MessageType, string(e.Status),
		e.Structured, e.Fallback, e.Unrecognized, e.Errors, e.Warnings,
		e.Completeness, float64(e.Duration)/float64(time.Millisecond), e.ReceivedAt)
	if err != nil {
		return fmt.Errorf("insert parse log entry: %w", err)
	}
	return nil
}

// EnsureSchema creates the parse_log table when it does not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return ErrNilPool
	}
	return ensureSchema(ctx, poolExecer{pool: pool})
}

func ensureSchema(ctx context.Context, db execer) error {
	if err := db.Exec(ctx, MigrationParseLog); err != nil {
		return fmt.Errorf("create parse_log table: %w", err)
	}
	return nil
}

// Observer adapts a Recorder to hl7v2.Observer. Recording failures are
// logged and never reach the caller.
type Observer struct {
	rec    Recorder
	logger zerolog.Logger
	now    func() time.Time
}

// NewObserver returns an Observer writing through rec.
func NewObserver(rec Recorder, logger zerolog.Logger) *Observer {
	if rec == nil {
		rec = Nop{}
	}
	return &Observer{rec: rec, logger: logger, now: time.Now}
}

// ObserveParse implements hl7v2.Observer.
func (o *Observer) ObserveParse(ctx context.Context, source string, res *hl7v2.Result, elapsed time.Duration) {
	e := NewEntry(source, res, elapsed, o.now())
	err := o.rec.Record(ctx, e)
	switch {
	case err == nil:
	case errors.Is(err, ErrCircuitOpen):
		// The breaker already logged the transition.
		o.logger.Debug().Str("control_id", e.ControlID).Msg("parse log unavailable, entry dropped")
	default:
		o.logger.Error().Err(err).
			Str("source", source).
			Str("control_id", e.ControlID).
			Msg("failed to record parse outcome")
	}
}

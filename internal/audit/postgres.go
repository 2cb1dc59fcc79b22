package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PGStore persists the audit trail in PostgreSQL. One row per record,
// sequenced by the database; evidence payloads are stored as jsonb so the
// trail survives type changes in the Go structs.
type PGStore struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	seq        BIGSERIAL PRIMARY KEY,
	request_id TEXT NOT NULL,
	state      TEXT NOT NULL,
	request    JSONB NOT NULL,
	report     JSONB NOT NULL,
	execution  JSONB,
	decision   JSONB,
	decided_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_records_request_idx ON audit_records (request_id, seq DESC);
CREATE INDEX IF NOT EXISTS audit_records_state_idx ON audit_records (state);
`

// NewPGStore connects, pings, and ensures the schema exists.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring audit schema: %w", err)
	}

	log.Info().Msg("audit trail connected to PostgreSQL")
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) Close() {
	s.pool.Close()
}

func (s *PGStore) Healthy(ctx context.Context) bool {
	return s.pool.Ping(ctx) == nil
}

func (s *PGStore) Append(ctx context.Context, rec *Record) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM audit_records WHERE request_id = $1)`,
		rec.RequestID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking audit record for %s: %w", rec.RequestID, err)
	}
	if exists {
		return ErrDuplicate
	}
	return s.insert(ctx, rec)
}

func (s *PGStore) Resolve(ctx context.Context, requestID string, rec *Record) error {
	var state string
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM audit_records WHERE request_id = $1 ORDER BY seq DESC LIMIT 1`,
		requestID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying audit record for %s: %w", requestID, err)
	}
	if state != "pending_human_review" {
		return ErrNotFound
	}
	rec.RequestID = requestID
	return s.insert(ctx, rec)
}

func (s *PGStore) insert(ctx context.Context, rec *Record) error {
	request, err := json.Marshal(rec.Request)
	if err != nil {
		return fmt.Errorf("encoding request snapshot: %w", err)
	}
	report, err := json.Marshal(rec.Report)
	if err != nil {
		return fmt.Errorf("encoding analysis report: %w", err)
	}
	var execution, decision []byte
	if rec.Execution != nil {
		if execution, err = json.Marshal(rec.Execution); err != nil {
			return fmt.Errorf("encoding execution result: %w", err)
		}
	}
	if rec.Decision != nil {
		if decision, err = json.Marshal(rec.Decision); err != nil {
			return fmt.Errorf("encoding decision: %w", err)
		}
	}

	query := `
		INSERT INTO audit_records (request_id, state, request, report, execution, decision, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq`

	err = s.pool.QueryRow(ctx, query,
		rec.RequestID, rec.State, request, report, execution, decision, rec.DecidedAt,
	).Scan(&rec.Seq)
	if err != nil {
		return fmt.Errorf("inserting audit record for %s: %w", rec.RequestID, err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, requestID string) (*Record, error) {
	query := `
		SELECT seq, request_id, state, request, report, execution, decision, decided_at
		FROM audit_records WHERE request_id = $1
		ORDER BY seq DESC LIMIT 1`

	rec, err := scanRecord(s.pool.QueryRow(ctx, query, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying audit record %s: %w", requestID, err)
	}
	return rec, nil
}

func (s *PGStore) List(ctx context.Context, filter Filter) ([]Record, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT seq, request_id, state, request, report, execution, decision, decided_at
		FROM (
			SELECT DISTINCT ON (request_id) *
			FROM audit_records
			ORDER BY request_id, seq DESC
		) latest
		WHERE ($1 = '' OR state = $1)
		  AND ($2::timestamptz IS NULL OR decided_at >= $2)
		ORDER BY seq DESC
		LIMIT $3 OFFSET $4`

	rows, err := s.pool.Query(ctx, query, filter.State, filter.Since, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *PGStore) PendingReviews(ctx context.Context) ([]Record, error) {
	return s.List(ctx, Filter{State: "pending_human_review", Limit: 1000})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var request, report, execution, decision []byte

	err := row.Scan(&rec.Seq, &rec.RequestID, &rec.State,
		&request, &report, &execution, &decision, &rec.DecidedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(request, &rec.Request); err != nil {
		return nil, fmt.Errorf("decoding request snapshot: %w", err)
	}
	if err := json.Unmarshal(report, &rec.Report); err != nil {
		return nil, fmt.Errorf("decoding analysis report: %w", err)
	}
	if len(execution) > 0 {
		if err := json.Unmarshal(execution, &rec.Execution); err != nil {
			return nil, fmt.Errorf("decoding execution result: %w", err)
		}
	}
	if len(decision) > 0 {
		if err := json.Unmarshal(decision, &rec.Decision); err != nil {
			return nil, fmt.Errorf("decoding decision: %w", err)
		}
	}
	return &rec, nil
}

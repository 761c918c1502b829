package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vietddude/marketpulse/internal/core/domain"
	"github.com/vietddude/marketpulse/internal/infra/storage"
)

const (
	insertRunSQL = `
INSERT INTO runs (id, phase_order, phases, fields, input, created_at, updated_at)
VALUES ($1, $2::jsonb, $3::jsonb, $4::jsonb, $5::jsonb, $6, $6)`

	getRunSQL = `
SELECT id, phase_order, phases, fields, input, snapshot, created_at, updated_at
FROM runs WHERE id = $1`

	// The WHERE clause keeps phases forward-only: a phase can be written
	// while pending or rewritten with the status it already has.
	updatePhaseSQL = `
UPDATE runs SET
    phases = jsonb_set(phases, ARRAY[$2::text], to_jsonb($3::text), true),
    fields = CASE WHEN $4::jsonb IS NULL THEN fields
                  ELSE jsonb_set(fields, ARRAY[$2::text], $4::jsonb, true) END,
    phase_order = CASE WHEN phase_order ? $2::text THEN phase_order
                       ELSE phase_order || to_jsonb($2::text) END,
    updated_at = now()
WHERE id = $1
  AND (phases->>$2::text IS NULL OR phases->>$2::text = 'pending' OR phases->>$2::text = $3::text)`

	phaseStatusSQL = `SELECT phases->>$2::text FROM runs WHERE id = $1`

	saveSnapshotSQL = `UPDATE runs SET snapshot = $2::jsonb, updated_at = now() WHERE id = $1`

	listStaleSQL = `
SELECT id FROM runs
WHERE updated_at < $1
  AND snapshot IS NULL
  AND EXISTS (SELECT 1 FROM jsonb_each_text(phases) p WHERE p.value = 'pending')
ORDER BY updated_at`
)

const uniqueViolation = "23505"

// RunRepo implements storage.RunRepository using PostgreSQL.
type RunRepo struct {
	db *DB
}

// NewRunRepo creates a new PostgreSQL run repository.
func NewRunRepo(db *DB) *RunRepo {
	return &RunRepo{db: db}
}

type runRow struct {
	ID         string         `db:"id"`
	PhaseOrder []byte         `db:"phase_order"`
	Phases     []byte         `db:"phases"`
	Fields     []byte         `db:"fields"`
	Input      sql.NullString `db:"input"`
	Snapshot   sql.NullString `db:"snapshot"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

// Create inserts a new run with all of its phases.
func (r *RunRepo) Create(ctx context.Context, run *domain.RunRecord) (string, error) {
	id := run.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	order, err := json.Marshal(nonNilOrder(run.PhaseOrder))
	if err != nil {
		return "", fmt.Errorf("failed to encode phase order: %w", err)
	}
	phases, err := json.Marshal(nonNilPhases(run.Phases))
	if err != nil {
		return "", fmt.Errorf("failed to encode phases: %w", err)
	}
	fields, err := json.Marshal(nonNilFields(run.Fields))
	if err != nil {
		return "", fmt.Errorf("failed to encode fields: %w", err)
	}

	_, err = r.db.ExecContext(ctx, insertRunSQL,
		id, string(order), string(phases), string(fields), nullJSON(run.Input), createdAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return "", fmt.Errorf("%w: %s", storage.ErrRunExists, id)
		}
		return "", fmt.Errorf("failed to create run: %w", err)
	}
	return id, nil
}

// GetByID retrieves a run by ID.
func (r *RunRepo) GetByID(ctx context.Context, id string) (*domain.RunRecord, error) {
	var row runRow
	err := r.db.GetContext(ctx, &row, getRunSQL, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return row.toDomain()
}

// UpdatePhase sets the status and optional payload of one phase.
func (r *RunRepo) UpdatePhase(
	ctx context.Context,
	id string,
	phase string,
	status domain.PhaseStatus,
	fields json.RawMessage,
) error {
	res, err := r.db.ExecContext(ctx, updatePhaseSQL, id, phase, string(status), nullJSON(fields))
	if err != nil {
		return fmt.Errorf("failed to update phase %s: %w", phase, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	// Nothing updated: either the run is missing or the transition is invalid.
	var current sql.NullString
	err = r.db.QueryRowxContext(ctx, phaseStatusSQL, id, phase).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", storage.ErrRunNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read phase %s: %w", phase, err)
	}
	return fmt.Errorf("%w: %s %s -> %s", storage.ErrInvalidTransition, phase, current.String, status)
}

// SaveSnapshot stores the final state of a run.
func (r *RunRepo) SaveSnapshot(ctx context.Context, id string, snapshot json.RawMessage) error {
	res, err := r.db.ExecContext(ctx, saveSnapshotSQL, id, nullJSON(snapshot))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrRunNotFound, id)
	}
	return nil
}

// ListStale returns unfinished runs not updated since the cutoff.
func (r *RunRepo) ListStale(ctx context.Context, updatedBefore time.Time) ([]string, error) {
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, listStaleSQL, updatedBefore); err != nil {
		return nil, fmt.Errorf("failed to list stale runs: %w", err)
	}
	return ids, nil
}

func (row runRow) toDomain() (*domain.RunRecord, error) {
	rec := &domain.RunRecord{
		ID:        row.ID,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if err := json.Unmarshal(row.PhaseOrder, &rec.PhaseOrder); err != nil {
		return nil, fmt.Errorf("failed to decode phase order: %w", err)
	}
	if err := json.Unmarshal(row.Phases, &rec.Phases); err != nil {
		return nil, fmt.Errorf("failed to decode phases: %w", err)
	}
	if err := json.Unmarshal(row.Fields, &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode fields: %w", err)
	}
	if row.Input.Valid {
		rec.Input = json.RawMessage(row.Input.String)
	}
	if row.Snapshot.Valid {
		rec.Snapshot = json.RawMessage(row.Snapshot.String)
	}
	return rec, nil
}

func nullJSON(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}

func nonNilOrder(order []string) []string {
	if order == nil {
		return []string{}
	}
	return order
}

func nonNilPhases(p map[string]domain.PhaseStatus) map[string]domain.PhaseStatus {
	if p == nil {
		return map[string]domain.PhaseStatus{}
	}
	return p
}

func nonNilFields(f map[string]json.RawMessage) map[string]json.RawMessage {
	if f == nil {
		return map[string]json.RawMessage{}
	}
	return f
}

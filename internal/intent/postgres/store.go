// Package postgres persists intents in postgres. Status changes go through
// conditional updates so that racing reconcilers are arbitrated by the
// database, not by in-process locks.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arena-gg/arena-settle/internal/intent"
)

var ErrInvalidConfig = errors.New("intent/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
	ttl  time.Duration
}

func New(pool *pgxpool.Pool, ttl time.Duration) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	if ttl <= 0 {
		ttl = intent.DefaultTTL
	}
	return &Store{pool: pool, now: time.Now, ttl: ttl}, nil
}

// WithNow overrides the clock; tests only.
func (s *Store) WithNow(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("%w: ensure schema: %v", intent.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, p intent.CreateParams) (intent.Intent, error) {
	if s == nil || s.pool == nil {
		return intent.Intent{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if p.Kind == intent.KindUnknown || p.ActorID == "" || len(p.SerializedTx) == 0 {
		return intent.Intent{}, fmt.Errorf("%w: incomplete create params", intent.ErrInvalidIntent)
	}
	if _, err := intent.DecodeMetadata(p.Kind, p.Metadata); err != nil {
		return intent.Intent{}, err
	}

	now := s.now().UTC()
	it := intent.Intent{
		ID:           uuid.NewString(),
		Kind:         p.Kind,
		ActorID:      p.ActorID,
		Status:       intent.StatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.ttl),
		SerializedTx: append([]byte(nil), p.SerializedTx...),
		Metadata:     append([]byte(nil), p.Metadata...),
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO intents (
			intent_id, kind, actor_id, status,
			created_at, expires_at,
			serialized_tx, metadata
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, it.ID, int16(it.Kind), it.ActorID, int16(it.Status),
		it.CreatedAt, it.ExpiresAt, it.SerializedTx, []byte(it.Metadata))
	if err != nil {
		return intent.Intent{}, fmt.Errorf("%w: insert intent: %v", intent.ErrStorageUnavailable, err)
	}
	return it, nil
}

const intentColumns = `
	intent_id, kind, actor_id, status,
	created_at, expires_at,
	serialized_tx,
	COALESCE(observed_signature, ''),
	COALESCE(failure_reason, ''),
	metadata
`

func (s *Store) Get(ctx context.Context, id string) (intent.Intent, error) {
	if s == nil || s.pool == nil {
		return intent.Intent{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+intentColumns+` FROM intents WHERE intent_id = $1`, id)
	return scanIntent(row)
}

func (s *Store) MarkObservedSignature(ctx context.Context, id, signature string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if signature == "" {
		return fmt.Errorf("%w: empty signature", intent.ErrInvalidIntent)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE intents
		SET observed_signature = $2, updated_at = now()
		WHERE intent_id = $1
		  AND (observed_signature IS NULL OR observed_signature = $2)
	`, id, signature)
	if err != nil {
		return fmt.Errorf("%w: mark signature: %v", intent.ErrStorageUnavailable, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Either the intent is missing or another signature is already set.
	existing, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: intent %s already has signature %s", intent.ErrConflictingSignature, id, existing.ObservedSignature)
}

func (s *Store) RecordFailureReason(ctx context.Context, id, reason string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if reason == "" {
		return nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE intents
		SET failure_reason = $2, updated_at = now()
		WHERE intent_id = $1
		  AND (failure_reason IS NULL OR failure_reason = '')
	`, id, reason)
	if err != nil {
		return fmt.Errorf("%w: record failure reason: %v", intent.ErrStorageUnavailable, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// First report wins; a later one is dropped, a missing intent is not.
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return nil
}

func (s *Store) Transition(ctx context.Context, id string, to intent.Status) (intent.Intent, error) {
	if s == nil || s.pool == nil {
		return intent.Intent{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if !to.Terminal() {
		return intent.Intent{}, fmt.Errorf("%w: %s is not a terminal status", intent.ErrInvalidTransition, to)
	}

	// Compare-and-set: only the caller that observes Pending wins.
	row := s.pool.QueryRow(ctx, `
		UPDATE intents
		SET status = $2, updated_at = now()
		WHERE intent_id = $1 AND status = $3
		RETURNING `+intentColumns,
		id, int16(to), int16(intent.StatusPending))

	it, err := scanIntent(row)
	if err == nil {
		return it, nil
	}
	if !errors.Is(err, intent.ErrNotFound) {
		return intent.Intent{}, err
	}

	// Lost the race or the intent does not exist; read the truth.
	existing, err := s.Get(ctx, id)
	if err != nil {
		return intent.Intent{}, err
	}
	if existing.Status == to {
		return existing, nil
	}
	return intent.Intent{}, fmt.Errorf("%w: %s -> %s", intent.ErrInvalidTransition, existing.Status, to)
}

func (s *Store) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]intent.Intent, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be > 0", intent.ErrInvalidIntent)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+intentColumns+`
		FROM intents
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC, intent_id ASC
		LIMIT $3
	`, int16(intent.StatusPending), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list pending: %v", intent.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []intent.Intent
	for rows.Next() {
		it, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list pending rows: %v", intent.ErrStorageUnavailable, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(row rowScanner) (intent.Intent, error) {
	var (
		it     intent.Intent
		kind   int16
		status int16
		meta   []byte
	)
	err := row.Scan(
		&it.ID, &kind, &it.ActorID, &status,
		&it.CreatedAt, &it.ExpiresAt,
		&it.SerializedTx,
		&it.ObservedSignature,
		&it.FailureReason,
		&meta,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return intent.Intent{}, intent.ErrNotFound
	}
	if err != nil {
		return intent.Intent{}, fmt.Errorf("%w: scan intent: %v", intent.ErrStorageUnavailable, err)
	}
	it.Kind = intent.Kind(kind)
	it.Status = intent.Status(status)
	it.Metadata = meta
	return it, nil
}

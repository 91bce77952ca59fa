package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/scrypster/rapport/internal/storage"
	"github.com/scrypster/rapport/pkg/types"
)

const factColumns = `id, contact_id, key, value, confidence, decay_weight, version,
	origin_message_id, first_observed_at, last_reinforced_at`

func scanFact(row rowScanner) (*types.Fact, error) {
	var (
		f      types.Fact
		origin sql.NullString
	)
	if err := row.Scan(&f.ID, &f.ContactID, &f.Key, &f.Value, &f.Confidence, &f.DecayWeight, &f.Version,
		&origin, &f.FirstObservedAt, &f.LastReinforcedAt); err != nil {
		return nil, err
	}
	f.OriginMessageID = origin.String
	f.FirstObservedAt = f.FirstObservedAt.UTC()
	f.LastReinforcedAt = f.LastReinforcedAt.UTC()
	return &f, nil
}

func validateFact(f *types.Fact) error {
	if f == nil || f.ID == "" || f.ContactID == "" || f.Key == "" {
		return fmt.Errorf("%w: fact ID, contact ID and key are required", storage.ErrInvalidInput)
	}
	if f.Version < 1 {
		return fmt.Errorf("%w: fact version must be >= 1, got %d", storage.ErrInvalidInput, f.Version)
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return fmt.Errorf("%w: confidence must be in [0, 1], got %v", storage.ErrInvalidInput, f.Confidence)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertFact(ctx context.Context, db execer, f *types.Fact) error {
	_, err := db.ExecContext(ctx, `INSERT INTO facts (`+factColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		f.ID, f.ContactID, f.Key, f.Value, f.Confidence, f.DecayWeight, f.Version,
		nullableString(f.OriginMessageID), f.FirstObservedAt.UTC(), f.LastReinforcedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: fact %s v%d already exists", storage.ErrConflict, f.Key, f.Version)
		}
		return fmt.Errorf("postgres: failed to insert fact: %w", err)
	}
	return nil
}

// InsertFact stores a new fact version.
func (s *Store) InsertFact(ctx context.Context, f *types.Fact) error {
	if err := validateFact(f); err != nil {
		return err
	}
	return insertFact(ctx, s.db, f)
}

// LatestFact returns the highest version of a key.
func (s *Store) LatestFact(ctx context.Context, contactID, key string) (*types.Fact, error) {
	f, err := scanFact(s.db.QueryRowContext(ctx, `
		SELECT `+factColumns+` FROM facts
		WHERE contact_id = $1 AND key = $2
		ORDER BY version DESC LIMIT 1`, contactID, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("fact %s: %w", key, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: failed to get fact: %w", err)
	}
	return f, nil
}

// LatestFacts returns the highest version of every key for a contact.
func (s *Store) LatestFacts(ctx context.Context, contactID string) ([]*types.Fact, error) {
	return s.queryFacts(ctx, `
		SELECT DISTINCT ON (key) `+factColumns+` FROM facts
		WHERE contact_id = $1
		ORDER BY key, version DESC`, contactID)
}

// FactHistory returns every version of a key, oldest first.
func (s *Store) FactHistory(ctx context.Context, contactID, key string) ([]*types.Fact, error) {
	return s.queryFacts(ctx, `
		SELECT `+factColumns+` FROM facts
		WHERE contact_id = $1 AND key = $2
		ORDER BY version`, contactID, key)
}

func (s *Store) queryFacts(ctx context.Context, query string, args ...any) ([]*types.Fact, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query facts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan fact: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ReinforceFact sets a fact's weight and reinforcement time.
func (s *Store) ReinforceFact(ctx context.Context, factID string, weight float64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE facts SET decay_weight = $1, last_reinforced_at = $2 WHERE id = $3`, weight, at.UTC(), factID)
	if err != nil {
		return fmt.Errorf("postgres: failed to reinforce fact: %w", err)
	}
	return requireOneRow(res, "fact", factID)
}

// SupersedeFact inserts next and down-weights old in one transaction.
func (s *Store) SupersedeFact(ctx context.Context, old *types.Fact, oldWeight float64, next *types.Fact) error {
	if old == nil {
		return fmt.Errorf("%w: superseded fact is required", storage.ErrInvalidInput)
	}
	if err := validateFact(next); err != nil {
		return err
	}
	if next.Version != old.Version+1 || next.Key != old.Key || next.ContactID != old.ContactID {
		return fmt.Errorf("%w: next fact must be version %d of the same key", storage.ErrInvalidInput, old.Version+1)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE facts SET decay_weight = $1 WHERE id = $2`, oldWeight, old.ID)
	if err != nil {
		return fmt.Errorf("postgres: failed to down-weight fact: %w", err)
	}
	if err := requireOneRow(res, "fact", old.ID); err != nil {
		return err
	}
	if err := insertFact(ctx, tx, next); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: failed to commit fact version: %w", err)
	}
	return nil
}

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/scrypster/rapport/internal/storage"
	"github.com/scrypster/rapport/pkg/types"
)

// GetAccount retrieves an account by ID.
func (s *Store) GetAccount(ctx context.Context, id string) (*types.Account, error) {
	var (
		a       types.Account
		persona []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, automation_enabled, persona, created_at, updated_at FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.AutomationEnabled, &persona, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("account %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: failed to get account: %w", err)
	}
	if len(persona) > 0 {
		var p types.Persona
		if err := json.Unmarshal(persona, &p); err != nil {
			return nil, fmt.Errorf("postgres: account %s: failed to decode persona: %w", id, err)
		}
		a.PersonaProfile = &p
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

// SaveAccount creates or updates an account (upsert semantics).
func (s *Store) SaveAccount(ctx context.Context, a *types.Account) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("%w: account ID is required", storage.ErrInvalidInput)
	}
	persona, err := encodeJSON(a.PersonaProfile)
	if err != nil {
		return err
	}
	now := s.nowUTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, automation_enabled, persona, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			automation_enabled = EXCLUDED.automation_enabled,
			persona = EXCLUDED.persona,
			updated_at = EXCLUDED.updated_at`,
		a.ID, a.AutomationEnabled, persona, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to save account: %w", err)
	}
	return nil
}

// UpdatePersona caches a derived persona on the account.
func (s *Store) UpdatePersona(ctx context.Context, accountID string, p *types.Persona) error {
	persona, err := encodeJSON(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET persona = $1, updated_at = $2 WHERE id = $3`, persona, s.nowUTC(), accountID)
	if err != nil {
		return fmt.Errorf("postgres: failed to update persona: %w", err)
	}
	return requireOneRow(res, "account", accountID)
}

// encodeJSON marshals v for a JSONB column, mapping nil pointers to NULL.
func encodeJSON[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to encode %T: %w", v, err)
	}
	return string(data), nil
}

const contactColumns = `id, account_id, external_ref, display_name, automation_enabled, stage, stage_evidence_id,
	response_latency_avg, reciprocity_ratio, last_inbound_at, last_reply_at, created_at, updated_at`

func scanContact(row rowScanner) (*types.Contact, error) {
	var (
		c           types.Contact
		displayName sql.NullString
		stage       string
		evidence    sql.NullString
		latency     sql.NullFloat64
		reciprocity sql.NullFloat64
		lastInbound sql.NullTime
		lastReply   sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.AccountID, &c.ExternalRef, &displayName, &c.AutomationEnabled, &stage, &evidence,
		&latency, &reciprocity, &lastInbound, &lastReply, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	st, err := types.ParseStage(stage)
	if err != nil {
		return nil, fmt.Errorf("contact %s: %w", c.ID, err)
	}
	c.Stage = st
	c.DisplayName = displayName.String
	c.StageEvidenceID = evidence.String
	c.ResponseLatencyAvg = floatPtr(latency)
	c.ReciprocityRatio = floatPtr(reciprocity)
	c.LastInboundAt = timePtr(lastInbound)
	c.LastReplyAt = timePtr(lastReply)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func (s *Store) getContact(ctx context.Context, label, query string, args ...any) (*types.Contact, error) {
	c, err := scanContact(s.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE `+query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("contact %s: %w", label, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: failed to get contact: %w", err)
	}
	return c, nil
}

// GetContact retrieves a contact by ID.
func (s *Store) GetContact(ctx context.Context, id string) (*types.Contact, error) {
	return s.getContact(ctx, id, `id = $1`, id)
}

// GetContactByRef looks a contact up by its transport address.
func (s *Store) GetContactByRef(ctx context.Context, accountID, externalRef string) (*types.Contact, error) {
	return s.getContact(ctx, externalRef, `account_id = $1 AND external_ref = $2`, accountID, externalRef)
}

// SaveContact creates or updates a contact. An existing contact's stage is
// left untouched.
func (s *Store) SaveContact(ctx context.Context, c *types.Contact) error {
	if c == nil || c.ID == "" || c.AccountID == "" || c.ExternalRef == "" {
		return fmt.Errorf("%w: contact ID, account ID and external ref are required", storage.ErrInvalidInput)
	}
	stage := c.CurrentStage()
	if !stage.Valid() {
		return fmt.Errorf("%w: unknown stage %q", storage.ErrInvalidInput, c.Stage)
	}
	now := s.nowUTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (`+contactColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			automation_enabled = EXCLUDED.automation_enabled,
			response_latency_avg = EXCLUDED.response_latency_avg,
			reciprocity_ratio = EXCLUDED.reciprocity_ratio,
			last_inbound_at = EXCLUDED.last_inbound_at,
			last_reply_at = EXCLUDED.last_reply_at,
			updated_at = EXCLUDED.updated_at`,
		c.ID, c.AccountID, c.ExternalRef, nullableString(c.DisplayName), c.AutomationEnabled, string(stage),
		nullableString(c.StageEvidenceID), nullableFloat(c.ResponseLatencyAvg), nullableFloat(c.ReciprocityRatio),
		nullableTime(c.LastInboundAt), nullableTime(c.LastReplyAt), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: contact %s already exists for account %s", storage.ErrConflict, c.ExternalRef, c.AccountID)
		}
		return fmt.Errorf("postgres: failed to save contact: %w", err)
	}
	return nil
}

// ListAutomatedContacts returns every contact with automation enabled.
func (s *Store) ListAutomatedContacts(ctx context.Context) ([]*types.Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE automation_enabled ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list contacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AdvanceStage moves a contact forward with compare-and-set semantics.
func (s *Store) AdvanceStage(ctx context.Context, contactID string, from, to types.Stage, evidenceID string) error {
	if !types.IsValidStageTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s is not a forward step", storage.ErrInvalidInput, from, to)
	}
	now := s.nowUTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE contacts SET stage = $1, stage_evidence_id = $2, updated_at = $3 WHERE id = $4 AND stage = $5`,
		string(to), nullableString(evidenceID), now, contactID, string(from))
	if err != nil {
		return fmt.Errorf("postgres: failed to advance stage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_ = tx.Rollback()
		if _, err := s.GetContact(ctx, contactID); err != nil {
			return err
		}
		return fmt.Errorf("contact %s: %w", contactID, storage.ErrStageConflict)
	}

	if evidenceID != "" {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO stage_advances (contact_id, evidence_id, from_stage, to_stage, advanced_at)
			VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`,
			contactID, evidenceID, string(from), string(to), now)
		if err != nil {
			return fmt.Errorf("postgres: failed to record stage evidence: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("contact %s: message %s already advanced it: %w", contactID, evidenceID, storage.ErrStageConflict)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: failed to commit stage advance: %w", err)
	}
	return nil
}

// IsStageEvidence reports whether messageID ever advanced the contact.
func (s *Store) IsStageEvidence(ctx context.Context, contactID, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM stage_advances WHERE contact_id = $1 AND evidence_id = $2`,
		contactID, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: failed to look up stage evidence: %w", err)
	}
	return true, nil
}

// TouchInbound records the time of the latest inbound message.
func (s *Store) TouchInbound(ctx context.Context, contactID string, at time.Time) error {
	return s.touch(ctx, "last_inbound_at", contactID, at)
}

// TouchReply records the time of the latest outbound reply.
func (s *Store) TouchReply(ctx context.Context, contactID string, at time.Time) error {
	return s.touch(ctx, "last_reply_at", contactID, at)
}

func (s *Store) touch(ctx context.Context, column, contactID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE contacts SET `+column+` = GREATEST(COALESCE(`+column+`, $1), $1), updated_at = $2
		WHERE id = $3`, at.UTC(), s.nowUTC(), contactID)
	if err != nil {
		return fmt.Errorf("postgres: failed to update %s: %w", column, err)
	}
	return requireOneRow(res, "contact", contactID)
}

// UpdateMetrics stores engagement metrics.
func (s *Store) UpdateMetrics(ctx context.Context, contactID string, latencyAvg, reciprocity *float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE contacts SET response_latency_avg = $1, reciprocity_ratio = $2, updated_at = $3
		WHERE id = $4`, nullableFloat(latencyAvg), nullableFloat(reciprocity), s.nowUTC(), contactID)
	if err != nil {
		return fmt.Errorf("postgres: failed to update metrics: %w", err)
	}
	return requireOneRow(res, "contact", contactID)
}

package sqlite

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
		enabled int
		persona sql.NullString
		created int64
		updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, automation_enabled, persona, created_at, updated_at
		FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &enabled, &persona, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("account %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	a.AutomationEnabled = enabled == 1
	a.CreatedAt = fromNanos(created)
	a.UpdatedAt = fromNanos(updated)
	if persona.Valid && persona.String != "" {
		var p types.Persona
		if err := json.Unmarshal([]byte(persona.String), &p); err != nil {
			return nil, fmt.Errorf("failed to decode persona for account %s: %w", id, err)
		}
		a.PersonaProfile = &p
	}
	return &a, nil
}

// SaveAccount creates or updates an account (upsert semantics).
func (s *Store) SaveAccount(ctx context.Context, a *types.Account) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("%w: account ID is required", storage.ErrInvalidInput)
	}

	persona, err := encodePersona(a.PersonaProfile)
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
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			automation_enabled = excluded.automation_enabled,
			persona = excluded.persona,
			updated_at = excluded.updated_at`,
		a.ID, boolToInt(a.AutomationEnabled), persona, toNanos(a.CreatedAt), toNanos(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// UpdatePersona caches a derived persona on the account.
func (s *Store) UpdatePersona(ctx context.Context, accountID string, p *types.Persona) error {
	persona, err := encodePersona(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET persona = ?, updated_at = ? WHERE id = ?`,
		persona, toNanos(s.nowUTC()), accountID)
	if err != nil {
		return fmt.Errorf("failed to update persona: %w", err)
	}
	return requireOneRow(res, "account", accountID)
}

func encodePersona(p *types.Persona) (sql.NullString, error) {
	if p == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode persona: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

const contactColumns = `
	id, account_id, external_ref, display_name, automation_enabled, stage, stage_evidence_id,
	response_latency_avg, reciprocity_ratio, last_inbound_at, last_reply_at,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(row rowScanner) (*types.Contact, error) {
	var (
		c           types.Contact
		displayName sql.NullString
		enabled     int
		stage       string
		evidence    sql.NullString
		latency     sql.NullFloat64
		reciprocity sql.NullFloat64
		lastInbound sql.NullInt64
		lastReply   sql.NullInt64
		created     int64
		updated     int64
	)
	if err := row.Scan(&c.ID, &c.AccountID, &c.ExternalRef, &displayName, &enabled, &stage, &evidence,
		&latency, &reciprocity, &lastInbound, &lastReply, &created, &updated); err != nil {
		return nil, err
	}

	st, err := types.ParseStage(stage)
	if err != nil {
		return nil, fmt.Errorf("contact %s: %w", c.ID, err)
	}
	c.Stage = st
	c.DisplayName = displayName.String
	c.StageEvidenceID = evidence.String
	c.AutomationEnabled = enabled == 1
	c.ResponseLatencyAvg = floatPtr(latency)
	c.ReciprocityRatio = floatPtr(reciprocity)
	c.LastInboundAt = timePtr(lastInbound)
	c.LastReplyAt = timePtr(lastReply)
	c.CreatedAt = fromNanos(created)
	c.UpdatedAt = fromNanos(updated)
	return &c, nil
}

// GetContact retrieves a contact by ID.
func (s *Store) GetContact(ctx context.Context, id string) (*types.Contact, error) {
	c, err := scanContact(s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("contact %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	return c, nil
}

// GetContactByRef looks a contact up by its transport address.
func (s *Store) GetContactByRef(ctx context.Context, accountID, externalRef string) (*types.Contact, error) {
	c, err := scanContact(s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE account_id = ? AND external_ref = ?`,
		accountID, externalRef))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("contact %s: %w", externalRef, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get contact by ref: %w", err)
	}
	return c, nil
}

// SaveContact creates or updates a contact (upsert semantics). An existing
// contact's stage is left untouched.
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			automation_enabled = excluded.automation_enabled,
			response_latency_avg = excluded.response_latency_avg,
			reciprocity_ratio = excluded.reciprocity_ratio,
			last_inbound_at = excluded.last_inbound_at,
			last_reply_at = excluded.last_reply_at,
			updated_at = excluded.updated_at`,
		c.ID, c.AccountID, c.ExternalRef, nullableString(c.DisplayName), boolToInt(c.AutomationEnabled),
		string(stage), nullableString(c.StageEvidenceID), nullableFloat(c.ResponseLatencyAvg), nullableFloat(c.ReciprocityRatio),
		nullableTime(c.LastInboundAt), nullableTime(c.LastReplyAt), toNanos(c.CreatedAt), toNanos(c.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: contact %s already exists for account %s", storage.ErrConflict, c.ExternalRef, c.AccountID)
		}
		return fmt.Errorf("failed to save contact: %w", err)
	}
	return nil
}

// ListAutomatedContacts returns every contact with automation enabled.
func (s *Store) ListAutomatedContacts(ctx context.Context) ([]*types.Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE automation_enabled = 1 ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
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
	now := toNanos(s.nowUTC())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE contacts SET stage = ?, stage_evidence_id = ?, updated_at = ? WHERE id = ? AND stage = ?`,
		string(to), nullableString(evidenceID), now, contactID, string(from))
	if err != nil {
		return fmt.Errorf("failed to advance stage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		// Release the only connection before looking the contact up.
		_ = tx.Rollback()
		if _, err := s.GetContact(ctx, contactID); err != nil {
			return err
		}
		return fmt.Errorf("contact %s: %w", contactID, storage.ErrStageConflict)
	}

	if evidenceID != "" {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO stage_advances (contact_id, evidence_id, from_stage, to_stage, advanced_at)
			VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
			contactID, evidenceID, string(from), string(to), now)
		if err != nil {
			return fmt.Errorf("failed to record stage evidence: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to check rows affected: %w", err)
		} else if n == 0 {
			return fmt.Errorf("contact %s: message %s already advanced it: %w", contactID, evidenceID, storage.ErrStageConflict)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit stage advance: %w", err)
	}
	return nil
}

// IsStageEvidence reports whether messageID ever advanced the contact.
func (s *Store) IsStageEvidence(ctx context.Context, contactID, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM stage_advances WHERE contact_id = ? AND evidence_id = ?`,
		contactID, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up stage evidence: %w", err)
	}
	return true, nil
}

// TouchInbound records the time of the latest inbound message.
func (s *Store) TouchInbound(ctx context.Context, contactID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE contacts SET last_inbound_at = MAX(COALESCE(last_inbound_at, 0), ?), updated_at = ?
		WHERE id = ?`, toNanos(at), toNanos(s.nowUTC()), contactID)
	if err != nil {
		return fmt.Errorf("failed to touch inbound: %w", err)
	}
	return requireOneRow(res, "contact", contactID)
}

// TouchReply records the time of the latest outbound reply.
func (s *Store) TouchReply(ctx context.Context, contactID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE contacts SET last_reply_at = MAX(COALESCE(last_reply_at, 0), ?), updated_at = ?
		WHERE id = ?`, toNanos(at), toNanos(s.nowUTC()), contactID)
	if err != nil {
		return fmt.Errorf("failed to touch reply: %w", err)
	}
	return requireOneRow(res, "contact", contactID)
}

// UpdateMetrics stores engagement metrics.
func (s *Store) UpdateMetrics(ctx context.Context, contactID string, latencyAvg, reciprocity *float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE contacts SET response_latency_avg = ?, reciprocity_ratio = ?, updated_at = ?
		WHERE id = ?`, nullableFloat(latencyAvg), nullableFloat(reciprocity), toNanos(s.nowUTC()), contactID)
	if err != nil {
		return fmt.Errorf("failed to update metrics: %w", err)
	}
	return requireOneRow(res, "contact", contactID)
}

// requireOneRow maps a zero-row update to ErrNotFound.
func requireOneRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, storage.ErrNotFound)
	}
	return nil
}

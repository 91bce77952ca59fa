package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/scrypster/rapport/internal/storage"
	"github.com/scrypster/rapport/pkg/types"
)

// SaveReply stores a new reply.
func (s *Store) SaveReply(ctx context.Context, r *types.OutboundReply) error {
	if r == nil || r.ID == "" || r.ContactID == "" || r.InReplyTo == "" {
		return fmt.Errorf("%w: reply ID, contact ID and in-reply-to are required", storage.ErrInvalidInput)
	}
	if r.Status == "" {
		r.Status = types.ReplyPending
	}
	if !types.IsValidReplyStatus(r.Status) {
		return fmt.Errorf("%w: unknown reply status %q", storage.ErrInvalidInput, r.Status)
	}

	parts, err := encodeJSON(&r.Parts)
	if err != nil {
		return err
	}
	summary, err := encodeJSON(&r.ContextSummary)
	if err != nil {
		return err
	}
	tags, err := encodeJSON(&r.MetaTags)
	if err != nil {
		return err
	}
	deliveryIDs, err := encodeIDs(r.DeliveryIDs)
	if err != nil {
		return err
	}

	now := s.nowUTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outbound_replies (id, contact_id, in_reply_to, text, parts, context_summary,
			meta_tags, status, delivery_ids, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.ContactID, r.InReplyTo, r.Text, parts, summary, tags,
		string(r.Status), deliveryIDs, nullableString(r.Error), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: reply %s already exists", storage.ErrConflict, r.ID)
		}
		return fmt.Errorf("postgres: failed to save reply: %w", err)
	}
	return nil
}

// GetReply retrieves a reply by ID.
func (s *Store) GetReply(ctx context.Context, id string) (*types.OutboundReply, error) {
	var (
		r                    types.OutboundReply
		parts, summary, tags []byte
		status               string
		deliveryIDs          []byte
		errMsg               sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, contact_id, in_reply_to, text, parts, context_summary, meta_tags,
			status, delivery_ids, error, created_at, updated_at
		FROM outbound_replies WHERE id = $1`, id).
		Scan(&r.ID, &r.ContactID, &r.InReplyTo, &r.Text, &parts, &summary, &tags,
			&status, &deliveryIDs, &errMsg, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("reply %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: failed to get reply: %w", err)
	}

	for _, field := range []struct {
		name string
		raw  []byte
		dst  any
	}{
		{"parts", parts, &r.Parts},
		{"context summary", summary, &r.ContextSummary},
		{"meta tags", tags, &r.MetaTags},
		{"delivery ids", deliveryIDs, &r.DeliveryIDs},
	} {
		if len(field.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(field.raw, field.dst); err != nil {
			return nil, fmt.Errorf("postgres: reply %s: failed to decode %s: %w", id, field.name, err)
		}
	}
	r.Status = types.ReplyStatus(status)
	r.Error = errMsg.String
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

// UpdateReplyStatus records a delivery outcome.
func (s *Store) UpdateReplyStatus(ctx context.Context, id string, u storage.ReplyStatusUpdate) error {
	if !types.IsValidReplyStatus(u.Status) {
		return fmt.Errorf("%w: unknown reply status %q", storage.ErrInvalidInput, u.Status)
	}
	deliveryIDs, err := encodeIDs(u.DeliveryIDs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbound_replies SET
			status = $1,
			delivery_ids = COALESCE($2::jsonb, delivery_ids),
			error = $3,
			updated_at = $4
		WHERE id = $5`,
		string(u.Status), deliveryIDs, nullableString(u.Error), s.nowUTC(), id)
	if err != nil {
		return fmt.Errorf("postgres: failed to update reply status: %w", err)
	}
	return requireOneRow(res, "reply", id)
}

// encodeIDs maps a nil slice to NULL so updates keep the stored ids.
func encodeIDs(ids []string) (any, error) {
	if ids == nil {
		return nil, nil
	}
	return encodeJSON(&ids)
}

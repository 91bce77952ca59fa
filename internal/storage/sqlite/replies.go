package sqlite

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

	parts, err := json.Marshal(r.Parts)
	if err != nil {
		return fmt.Errorf("failed to encode parts: %w", err)
	}
	summary, err := json.Marshal(r.ContextSummary)
	if err != nil {
		return fmt.Errorf("failed to encode context summary: %w", err)
	}
	tags, err := json.Marshal(r.MetaTags)
	if err != nil {
		return fmt.Errorf("failed to encode meta tags: %w", err)
	}
	deliveryIDs, err := encodeStrings(r.DeliveryIDs)
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ContactID, r.InReplyTo, r.Text, string(parts), string(summary), string(tags),
		string(r.Status), deliveryIDs, nullableString(r.Error), toNanos(r.CreatedAt), toNanos(r.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: reply %s already exists", storage.ErrConflict, r.ID)
		}
		return fmt.Errorf("failed to save reply: %w", err)
	}
	return nil
}

// GetReply retrieves a reply by ID.
func (s *Store) GetReply(ctx context.Context, id string) (*types.OutboundReply, error) {
	var (
		r           types.OutboundReply
		parts       string
		summary     string
		tags        string
		status      string
		deliveryIDs sql.NullString
		errMsg      sql.NullString
		created     int64
		updated     int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, contact_id, in_reply_to, text, parts, context_summary, meta_tags,
			status, delivery_ids, error, created_at, updated_at
		FROM outbound_replies WHERE id = ?`, id).
		Scan(&r.ID, &r.ContactID, &r.InReplyTo, &r.Text, &parts, &summary, &tags,
			&status, &deliveryIDs, &errMsg, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("reply %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get reply: %w", err)
	}

	if err := json.Unmarshal([]byte(parts), &r.Parts); err != nil {
		return nil, fmt.Errorf("reply %s: failed to decode parts: %w", id, err)
	}
	if err := json.Unmarshal([]byte(summary), &r.ContextSummary); err != nil {
		return nil, fmt.Errorf("reply %s: failed to decode context summary: %w", id, err)
	}
	if err := json.Unmarshal([]byte(tags), &r.MetaTags); err != nil {
		return nil, fmt.Errorf("reply %s: failed to decode meta tags: %w", id, err)
	}
	if deliveryIDs.Valid && deliveryIDs.String != "" {
		if err := json.Unmarshal([]byte(deliveryIDs.String), &r.DeliveryIDs); err != nil {
			return nil, fmt.Errorf("reply %s: failed to decode delivery ids: %w", id, err)
		}
	}
	r.Status = types.ReplyStatus(status)
	r.Error = errMsg.String
	r.CreatedAt = fromNanos(created)
	r.UpdatedAt = fromNanos(updated)
	return &r, nil
}

// UpdateReplyStatus records a delivery outcome.
func (s *Store) UpdateReplyStatus(ctx context.Context, id string, u storage.ReplyStatusUpdate) error {
	if !types.IsValidReplyStatus(u.Status) {
		return fmt.Errorf("%w: unknown reply status %q", storage.ErrInvalidInput, u.Status)
	}
	deliveryIDs, err := encodeStrings(u.DeliveryIDs)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE outbound_replies SET
			status = ?,
			delivery_ids = COALESCE(?, delivery_ids),
			error = ?,
			updated_at = ?
		WHERE id = ?`,
		string(u.Status), deliveryIDs, nullableString(u.Error), toNanos(s.nowUTC()), id)
	if err != nil {
		return fmt.Errorf("failed to update reply status: %w", err)
	}
	return requireOneRow(res, "reply", id)
}

func encodeStrings(v []string) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode list: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

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

const messageColumns = `
	id, contact_id, conversation_id, external_id, direction, timestamp, text,
	media_ref, media_type, annotation, needs_review, review_reason, queued`

func scanMessage(row rowScanner) (*types.Message, error) {
	var (
		m            types.Message
		externalID   sql.NullString
		direction    string
		ts           int64
		mediaRef     sql.NullString
		mediaType    sql.NullString
		annotation   sql.NullString
		needsReview  int
		reviewReason sql.NullString
		queued       int
	)
	if err := row.Scan(&m.ID, &m.ContactID, &m.ConversationID, &externalID, &direction, &ts, &m.Text,
		&mediaRef, &mediaType, &annotation, &needsReview, &reviewReason, &queued); err != nil {
		return nil, err
	}
	m.ExternalID = externalID.String
	m.Direction = types.Direction(direction)
	m.Timestamp = fromNanos(ts)
	m.MediaRef = mediaRef.String
	m.MediaType = mediaType.String
	m.NeedsReview = needsReview == 1
	m.ReviewReason = reviewReason.String
	m.Queued = queued == 1
	if annotation.Valid && annotation.String != "" {
		if err := json.Unmarshal([]byte(annotation.String), &m.Annotation); err != nil {
			return nil, fmt.Errorf("message %s: failed to decode annotation: %w", m.ID, err)
		}
	}
	return &m, nil
}

// SaveMessage stores a new message.
func (s *Store) SaveMessage(ctx context.Context, m *types.Message) error {
	if m == nil || m.ID == "" || m.ContactID == "" {
		return fmt.Errorf("%w: message ID and contact ID are required", storage.ErrInvalidInput)
	}
	if m.Direction != types.DirectionInbound && m.Direction != types.DirectionOutbound {
		return fmt.Errorf("%w: unknown direction %q", storage.ErrInvalidInput, m.Direction)
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = s.nowUTC()
	}

	annotation, err := json.Marshal(m.Annotation)
	if err != nil {
		return fmt.Errorf("failed to encode annotation: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ContactID, m.ConversationID, nullableString(m.ExternalID), string(m.Direction),
		toNanos(m.Timestamp), m.Text, nullableString(m.MediaRef), nullableString(m.MediaType),
		string(annotation), boolToInt(m.NeedsReview), nullableString(m.ReviewReason), boolToInt(m.Queued))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("message %s: %w", m.ExternalID, storage.ErrDuplicate)
		}
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by ID.
func (s *Store) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

// RecentMessages returns up to limit of the latest messages, oldest first.
func (s *Store) RecentMessages(ctx context.Context, contactID string, limit int, direction types.Direction) ([]*types.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE contact_id = ?`
	args := []any{contactID}
	if direction != "" {
		query += ` AND direction = ?`
		args = append(args, string(direction))
	}
	query += ` ORDER BY timestamp DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	msgs, err := s.queryMessages(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// AccountOutbound returns up to limit of the latest outbound messages sent
// to any contact of an account, newest first.
func (s *Store) AccountOutbound(ctx context.Context, accountID string, limit int) ([]*types.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE direction = 'outbound' AND contact_id IN (SELECT id FROM contacts WHERE account_id = ?)
		ORDER BY timestamp DESC, rowid DESC LIMIT ?`, accountID, limit)
}

// LastInbound returns the latest inbound message for a contact.
func (s *Store) LastInbound(ctx context.Context, contactID string) (*types.Message, error) {
	msgs, err := s.RecentMessages(ctx, contactID, 1, types.DirectionInbound)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("inbound message for contact %s: %w", contactID, storage.ErrNotFound)
	}
	return msgs[0], nil
}

// MarkNeedsReview flags a message for a human operator.
func (s *Store) MarkNeedsReview(ctx context.Context, messageID, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET needs_review = 1, review_reason = ? WHERE id = ?`,
		nullableString(reason), messageID)
	if err != nil {
		return fmt.Errorf("failed to mark message for review: %w", err)
	}
	return requireOneRow(res, "message", messageID)
}

// MarkQueued records that cognition was scheduled for a message.
func (s *Store) MarkQueued(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET queued = 1 WHERE id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("failed to mark message queued: %w", err)
	}
	return requireOneRow(res, "message", messageID)
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]*types.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

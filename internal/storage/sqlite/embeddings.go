package sqlite

import (
	"context"
	"fmt"

	"github.com/scrypster/rapport/internal/storage"
)

// StoreMessageEmbedding attaches a vector embedding to a message.
// The embedding is stored as a little-endian float64 BLOB.
func (s *Store) StoreMessageEmbedding(ctx context.Context, messageID string, embedding []float64, model string) error {
	if messageID == "" {
		return fmt.Errorf("%w: message ID is required", storage.ErrInvalidInput)
	}
	if len(embedding) == 0 {
		return fmt.Errorf("%w: embedding vector cannot be empty", storage.ErrInvalidInput)
	}
	if model == "" {
		return fmt.Errorf("%w: model is required", storage.ErrInvalidInput)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET embedding = ?, embedding_dimension = ?, embedding_model = ?
		WHERE id = ?`, storage.EncodeEmbedding(embedding), len(embedding), model, messageID)
	if err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	return requireOneRow(res, "message", messageID)
}

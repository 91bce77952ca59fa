package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	pgvector "github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/scrypster/rapport/internal/storage"
	"github.com/scrypster/rapport/pkg/types"
)

// vectorSearchMaxCandidates caps how many BYTEA embeddings are ranked in
// process when pgvector is unavailable.
const vectorSearchMaxCandidates = 500

// StoreMessageEmbedding attaches a vector embedding to a message.
// The embedding is always stored in the BYTEA column. When pgvector is
// available it is also stored in embedding_vec for cosine-distance queries.
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
	raw := storage.EncodeEmbedding(embedding)

	if s.pgvectorAvailable {
		res, err := s.db.ExecContext(ctx, `
			UPDATE messages SET embedding = $1, embedding_dimension = $2, embedding_model = $3, embedding_vec = $4
			WHERE id = $5`, raw, len(embedding), model, toVector(embedding), messageID)
		if err == nil {
			return requireOneRow(res, "message", messageID)
		}
		s.logger.Warn("postgres: failed to store embedding_vec (falling back to BYTEA only)", zap.Error(err))
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET embedding = $1, embedding_dimension = $2, embedding_model = $3
		WHERE id = $4`, raw, len(embedding), model, messageID)
	if err != nil {
		return fmt.Errorf("postgres: failed to store embedding: %w", err)
	}
	return requireOneRow(res, "message", messageID)
}

// toVector converts a float64 slice to float32 for pgvector.
func toVector(embedding []float64) pgvector.Vector {
	f32 := make([]float32, len(embedding))
	for i, v := range embedding {
		f32[i] = float32(v)
	}
	return pgvector.NewVector(f32)
}

// SearchMessages finds a contact's messages relevant to q.Text.
//
// With a query embedding, messages are ranked by cosine distance, using
// pgvector's <=> operator when available. Without an embedding, or when
// nothing has been embedded yet, the tsvector index is searched instead.
func (s *Store) SearchMessages(ctx context.Context, q storage.SearchQuery) ([]*types.Message, error) {
	if q.Limit <= 0 || q.ContactID == "" {
		return nil, nil
	}
	exclude := make(map[string]struct{}, len(q.ExcludeIDs))
	for _, id := range q.ExcludeIDs {
		exclude[id] = struct{}{}
	}

	if len(q.Embedding) > 0 {
		var (
			msgs []*types.Message
			err  error
		)
		if s.pgvectorAvailable {
			msgs, err = s.pgvectorSearch(ctx, q, exclude)
		} else {
			msgs, err = s.inProcessVectorSearch(ctx, q, exclude)
		}
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
	}
	return s.fullTextSearch(ctx, q, exclude)
}

func (s *Store) pgvectorSearch(ctx context.Context, q storage.SearchQuery, exclude map[string]struct{}) ([]*types.Message, error) {
	msgs, err := s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE contact_id = $1 AND embedding_vec IS NOT NULL
		ORDER BY embedding_vec <=> $2::vector
		LIMIT $3`, q.ContactID, toVector(q.Embedding), q.Limit+len(exclude))
	if err != nil {
		return nil, err
	}
	return filterExcluded(msgs, exclude, q.Limit), nil
}

func (s *Store) inProcessVectorSearch(ctx context.Context, q storage.SearchQuery, exclude map[string]struct{}) ([]*types.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, embedding, embedding_dimension FROM messages
		WHERE contact_id = $1 AND embedding IS NOT NULL
		ORDER BY timestamp DESC
		LIMIT $2`, q.ContactID, vectorSearchMaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to load embeddings: %w", err)
	}

	type scored struct {
		id    string
		score float64
	}
	var candidates []scored
	for rows.Next() {
		var (
			id   string
			blob []byte
			dim  sql.NullInt64
		)
		if err := rows.Scan(&id, &blob, &dim); err != nil {
			continue
		}
		if _, skip := exclude[id]; skip {
			continue
		}
		embedding, err := storage.DecodeEmbedding(blob, int(dim.Int64))
		if err != nil {
			continue
		}
		candidates = append(candidates, scored{id, storage.CosineSimilarity(q.Embedding, embedding)})
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: error iterating embeddings: %w", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > q.Limit {
		candidates = candidates[:q.Limit]
	}
	out := make([]*types.Message, 0, len(candidates))
	for _, c := range candidates {
		m, err := s.GetMessage(ctx, c.id)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) fullTextSearch(ctx context.Context, q storage.SearchQuery, exclude map[string]struct{}) ([]*types.Message, error) {
	tsquery := orQuery(q.Text)
	if tsquery == "" {
		return nil, nil
	}
	msgs, err := s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE contact_id = $1 AND text_tsv @@ to_tsquery('english', $2)
		ORDER BY ts_rank(text_tsv, to_tsquery('english', $2)) DESC, timestamp DESC
		LIMIT $3`, q.ContactID, tsquery, q.Limit+len(exclude))
	if err != nil {
		return nil, err
	}
	return filterExcluded(msgs, exclude, q.Limit), nil
}

// orQuery turns free text into a to_tsquery expression of OR-ed prefix
// terms. Tokens are letters and digits only, so no tsquery syntax survives.
func orQuery(text string) string {
	var terms []string
	seen := make(map[string]bool)
	for _, w := range storage.Tokenize(strings.ReplaceAll(text, "'", " ")) {
		if len(w) < 3 || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w+":*")
	}
	return strings.Join(terms, " | ")
}

func filterExcluded(msgs []*types.Message, exclude map[string]struct{}, limit int) []*types.Message {
	out := make([]*types.Message, 0, limit)
	for _, m := range msgs {
		if _, skip := exclude[m.ID]; skip {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out
}

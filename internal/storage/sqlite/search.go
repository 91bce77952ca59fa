package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/scrypster/rapport/internal/storage"
	"github.com/scrypster/rapport/pkg/types"
)

// vectorSearchMaxCandidates caps how many embeddings are loaded per search.
const vectorSearchMaxCandidates = 500

// SearchMessages finds a contact's messages relevant to q.Text.
//
// With a query embedding, stored message embeddings are ranked by cosine
// similarity in Go. Without one, or when no candidate has an embedding, the
// FTS5 index is searched instead (rank order, best first).
func (s *Store) SearchMessages(ctx context.Context, q storage.SearchQuery) ([]*types.Message, error) {
	if q.Limit <= 0 || q.ContactID == "" {
		return nil, nil
	}
	exclude := make(map[string]struct{}, len(q.ExcludeIDs))
	for _, id := range q.ExcludeIDs {
		exclude[id] = struct{}{}
	}

	if len(q.Embedding) > 0 {
		msgs, err := s.vectorSearch(ctx, q, exclude)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
	}
	return s.fullTextSearch(ctx, q, exclude)
}

func (s *Store) vectorSearch(ctx context.Context, q storage.SearchQuery, exclude map[string]struct{}) ([]*types.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, embedding, embedding_dimension
		FROM messages
		WHERE contact_id = ? AND embedding IS NOT NULL
		ORDER BY timestamp DESC
		LIMIT ?`, q.ContactID, vectorSearchMaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings: %w", err)
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
		return nil, fmt.Errorf("error iterating embeddings: %w", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
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
	match := sanitiseFTSQuery(q.Text)
	if match == "" {
		return nil, nil
	}

	// Over-fetch so excluded ids do not starve the result.
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixed("m.", messageColumns)+`
		FROM messages_fts fts
		JOIN messages m ON m.rowid = fts.rowid
		WHERE messages_fts MATCH ? AND m.contact_id = ?
		ORDER BY rank
		LIMIT ?`, match, q.ContactID, q.Limit+len(exclude))
	if err != nil {
		return nil, fmt.Errorf("sqlite: message search MATCH %q: %w", q.Text, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if _, skip := exclude[m.ID]; skip {
			continue
		}
		out = append(out, m)
		if len(out) == q.Limit {
			break
		}
	}
	return out, rows.Err()
}

// prefixed qualifies a comma-separated column list with a table alias.
func prefixed(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = alias + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// stopWords carry no discriminative value in a relevance search.
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true,
	"have": true, "has": true, "had": true,
	"do": true, "does": true, "did": true,
	"will": true, "would": true, "could": true, "should": true, "can": true,
	"to": true, "of": true, "in": true, "on": true, "at": true,
	"by": true, "for": true, "with": true, "from": true, "as": true, "about": true,
	"what": true, "how": true, "when": true, "where": true, "why": true, "who": true,
	"this": true, "that": true, "these": true, "those": true,
	"i": true, "you": true, "he": true, "she": true, "it": true, "we": true, "they": true,
	"me": true, "my": true, "your": true,
	"and": true, "or": true, "but": true, "if": true, "not": true, "so": true,
	"s": true, "t": true, "m": true, "re": true, "ll": true,
}

// sanitiseFTSQuery converts free-form message text into a safe FTS5 MATCH
// expression of OR-ed prefix terms. Returns "" when nothing searchable remains.
//
// Example: "I love hiking in the mountains!" -> "love* OR hiking* OR mountains*"
func sanitiseFTSQuery(query string) string {
	var terms []string
	seen := make(map[string]bool)
	for _, w := range storage.Tokenize(strings.ReplaceAll(query, "'", " ")) {
		if stopWords[w] || len(w) < 2 || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w+"*")
	}
	return strings.Join(terms, " OR ")
}

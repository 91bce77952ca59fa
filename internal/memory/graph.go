// Package memory maintains what rapport remembers about each contact: a
// versioned fact store, the relationship stage machine and the read-only
// synopsis handed to the reply generator.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scrypster/rapport/internal/config"
	"github.com/scrypster/rapport/internal/logging"
	"github.com/scrypster/rapport/internal/storage"
	"github.com/scrypster/rapport/pkg/types"
)

// Store is the persistence the graph needs.
type Store interface {
	storage.ContactStore
	storage.FactStore
	storage.MessageStore
}

// FactInput is a newly asserted fact.
type FactInput struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Conflict is an observation that contradicts the stored value of a key.
type Conflict struct {
	Key        string  `json:"key"`
	OldValue   string  `json:"old_value,omitempty"`
	NewValue   string  `json:"new_value"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Extraction is what one message says about a contact.
type Extraction struct {
	NewFacts   []FactInput `json:"new_facts"`
	Reinforced []string    `json:"reinforced_facts"`
	Conflicts  []Conflict  `json:"conflicts_updates"`
}

// Empty reports whether the extraction carries nothing.
func (e Extraction) Empty() bool {
	return len(e.NewFacts) == 0 && len(e.Reinforced) == 0 && len(e.Conflicts) == 0
}

// Merge appends other to e.
func (e Extraction) Merge(other Extraction) Extraction {
	return Extraction{
		NewFacts:   append(append([]FactInput{}, e.NewFacts...), other.NewFacts...),
		Reinforced: append(append([]string{}, e.Reinforced...), other.Reinforced...),
		Conflicts:  append(append([]Conflict{}, e.Conflicts...), other.Conflicts...),
	}
}

// Update reports what UpdateFromMessage changed.
type Update struct {
	Inserted   []*types.Fact
	Superseded []*types.Fact // The new versions
	Reinforced []*types.Fact

	From     types.Stage
	To       types.Stage
	Advanced bool
}

// Graph applies extractions to the fact store and advances stages.
type Graph struct {
	store  Store
	cfg    config.MemoryConfig
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Graph.
type Option func(*Graph)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Graph) { g.now = now }
}

// NewGraph creates a memory graph over store.
func NewGraph(store Store, cfg config.MemoryConfig, logger *zap.Logger, opts ...Option) *Graph {
	g := &Graph{
		store:  store,
		cfg:    cfg,
		logger: logging.OrNop(logger).Named("memory"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if g.cfg.MaxWeight <= 0 {
		g.cfg.MaxWeight = 2.0
	}
	if g.cfg.ReinforceFactor <= 0 {
		g.cfg.ReinforceFactor = 1.1
	}
	if g.cfg.ConflictPenalty <= 0 {
		g.cfg.ConflictPenalty = 0.5
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// UpdateFromMessage applies an extraction derived from msg, then evaluates
// the contact's stage. Re-applying a message reinforces its facts again, but
// a message that advanced the stage once never advances it again.
func (g *Graph) UpdateFromMessage(ctx context.Context, contact *types.Contact, msg *types.Message, ex Extraction) (*Update, error) {
	if contact == nil || msg == nil {
		return nil, fmt.Errorf("%w: contact and message are required", storage.ErrInvalidInput)
	}
	now := g.now()
	up := &Update{}
	var fresh []*types.Fact

	for _, in := range ex.NewFacts {
		f, err := g.observe(ctx, contact.ID, in.Key, in.Value, in.Confidence, msg.ID, now, up)
		if err != nil {
			return nil, err
		}
		if f != nil {
			fresh = append(fresh, f)
		}
	}

	for _, raw := range ex.Reinforced {
		key := normalizeKey(raw)
		latest, err := g.latest(ctx, contact.ID, key)
		if err != nil {
			return nil, err
		}
		if latest == nil {
			g.logger.Debug("ignoring reinforcement of unknown key",
				zap.String("contact_id", contact.ID), zap.String("key", key))
			continue
		}
		if err := g.reinforce(ctx, latest, now); err != nil {
			return nil, err
		}
		up.Reinforced = append(up.Reinforced, latest)
	}

	// A conflict for an unknown key is stored as version 1.
	for _, c := range ex.Conflicts {
		f, err := g.observe(ctx, contact.ID, c.Key, c.NewValue, c.Confidence, msg.ID, now, up)
		if err != nil {
			return nil, err
		}
		if f != nil {
			fresh = append(fresh, f)
		}
	}

	observed := make([]*types.Fact, 0, len(up.Inserted)+len(up.Superseded)+len(up.Reinforced))
	observed = append(observed, up.Inserted...)
	observed = append(observed, up.Superseded...)
	observed = append(observed, up.Reinforced...)

	if err := g.advance(ctx, contact.ID, msg, Evidence{Observed: observed, Fresh: fresh, Annotation: msg.Annotation}, up); err != nil {
		return nil, err
	}

	g.logger.Debug("memory updated",
		zap.String("contact_id", contact.ID),
		zap.String("message_id", msg.ID),
		zap.Int("inserted", len(up.Inserted)),
		zap.Int("superseded", len(up.Superseded)),
		zap.Int("reinforced", len(up.Reinforced)),
		zap.Bool("stage_advanced", up.Advanced))
	return up, nil
}

// observe records value for key: a first sighting inserts version 1, the
// stored value reinforces, anything else supersedes. It returns the fact
// when a new value was stored.
func (g *Graph) observe(ctx context.Context, contactID, rawKey, rawValue string, confidence float64, origin string, now time.Time, up *Update) (*types.Fact, error) {
	key := normalizeKey(rawKey)
	value := strings.TrimSpace(rawValue)
	if key == "" || value == "" {
		return nil, nil
	}
	latest, err := g.latest(ctx, contactID, key)
	if err != nil {
		return nil, err
	}
	switch {
	case latest == nil:
		f, err := g.insert(ctx, contactID, key, value, confidence, origin, now)
		if err != nil {
			return nil, err
		}
		up.Inserted = append(up.Inserted, f)
		return f, nil
	case sameValue(latest.Value, value):
		if err := g.reinforce(ctx, latest, now); err != nil {
			return nil, err
		}
		up.Reinforced = append(up.Reinforced, latest)
		return nil, nil
	default:
		f, err := g.supersede(ctx, latest, value, confidence, origin, now)
		if err != nil {
			return nil, err
		}
		up.Superseded = append(up.Superseded, f)
		return f, nil
	}
}

// advance evaluates and persists at most one forward stage step.
func (g *Graph) advance(ctx context.Context, contactID string, msg *types.Message, ev Evidence, up *Update) error {
	// Reload so the compare-and-set runs against the stored stage, not a
	// caller's stale copy.
	current, err := g.store.GetContact(ctx, contactID)
	if err != nil {
		return fmt.Errorf("failed to reload contact: %w", err)
	}
	from := current.CurrentStage()
	up.From, up.To = from, from

	if msg.ID != "" {
		if current.StageEvidenceID == msg.ID {
			return nil
		}
		used, err := g.store.IsStageEvidence(ctx, contactID, msg.ID)
		if err != nil {
			return fmt.Errorf("failed to check stage evidence: %w", err)
		}
		if used {
			g.logger.Debug("message already advanced the stage",
				zap.String("contact_id", contactID), zap.String("message_id", msg.ID))
			return nil
		}
	}
	to, ok := EvaluateStage(from, ev)
	if !ok {
		return nil
	}

	err = g.store.AdvanceStage(ctx, contactID, from, to, msg.ID)
	if errors.Is(err, storage.ErrStageConflict) {
		g.logger.Debug("stage advanced concurrently",
			zap.String("contact_id", contactID), zap.String("from", string(from)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to advance stage: %w", err)
	}

	up.To = to
	up.Advanced = true
	g.logger.Info("stage advanced",
		zap.String("contact_id", contactID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("message_id", msg.ID))
	return nil
}

// Facts returns the latest version of every fact about a contact.
func (g *Graph) Facts(ctx context.Context, contactID string) ([]*types.Fact, error) {
	facts, err := g.store.LatestFacts(ctx, contactID)
	if err != nil {
		return nil, fmt.Errorf("failed to load facts: %w", err)
	}
	return facts, nil
}

func (g *Graph) latest(ctx context.Context, contactID, key string) (*types.Fact, error) {
	f, err := g.store.LatestFact(ctx, contactID, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load fact %s: %w", key, err)
	}
	return f, nil
}

func (g *Graph) insert(ctx context.Context, contactID, key, value string, confidence float64, origin string, now time.Time) (*types.Fact, error) {
	f := &types.Fact{
		ID:               uuid.New().String(),
		ContactID:        contactID,
		Key:              key,
		Value:            value,
		Confidence:       clampConfidence(confidence),
		DecayWeight:      1.0,
		Version:          1,
		OriginMessageID:  origin,
		FirstObservedAt:  now,
		LastReinforcedAt: now,
	}
	if err := g.store.InsertFact(ctx, f); err != nil {
		return nil, fmt.Errorf("failed to insert fact %s: %w", key, err)
	}
	return f, nil
}

func (g *Graph) reinforce(ctx context.Context, f *types.Fact, now time.Time) error {
	weight := min(f.DecayWeight*g.cfg.ReinforceFactor, g.cfg.MaxWeight)
	if err := g.store.ReinforceFact(ctx, f.ID, weight, now); err != nil {
		return fmt.Errorf("failed to reinforce fact %s: %w", f.Key, err)
	}
	f.DecayWeight = weight
	f.LastReinforcedAt = now
	return nil
}

func (g *Graph) supersede(ctx context.Context, old *types.Fact, value string, confidence float64, origin string, now time.Time) (*types.Fact, error) {
	next := &types.Fact{
		ID:               uuid.New().String(),
		ContactID:        old.ContactID,
		Key:              old.Key,
		Value:            value,
		Confidence:       clampConfidence(confidence),
		DecayWeight:      1.0,
		Version:          old.Version + 1,
		OriginMessageID:  origin,
		FirstObservedAt:  now,
		LastReinforcedAt: now,
	}
	if err := g.store.SupersedeFact(ctx, old, old.DecayWeight*g.cfg.ConflictPenalty, next); err != nil {
		return nil, fmt.Errorf("failed to supersede fact %s: %w", old.Key, err)
	}
	return next, nil
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func sameValue(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func clampConfidence(c float64) float64 {
	switch {
	case c <= 0:
		return 1.0
	case c > 1:
		return 1.0
	default:
		return c
	}
}

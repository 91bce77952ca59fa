// Package reply drafts outbound replies: it assembles persona, history and
// memory into a prompt, calls the text generator and runs the result
// through a deterministic post-processing pipeline.
package reply

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/rapport/internal/config"
	"github.com/scrypster/rapport/internal/llm"
	"github.com/scrypster/rapport/internal/logging"
	"github.com/scrypster/rapport/internal/memory"
	"github.com/scrypster/rapport/internal/policy"
	"github.com/scrypster/rapport/internal/storage"
	"github.com/scrypster/rapport/pkg/types"
)

// ErrEmptyDraft is returned when generation produced no usable text.
var ErrEmptyDraft = errors.New("generated reply is empty")

// Store is the persistence the generator reads.
type Store interface {
	storage.AccountStore
	storage.MessageStore
	storage.MessageSearcher
}

// Synopsizer provides the memory synopsis for a contact.
type Synopsizer interface {
	Synopsis(ctx context.Context, contact *types.Contact) (*memory.Synopsis, error)
}

// Draft is a generated reply ready to persist and send.
type Draft struct {
	Text     string
	Parts    []string
	MetaTags types.MetaTags
	Context  types.ContextSummary
}

// Generator drafts replies.
type Generator struct {
	store    Store
	memory   Synopsizer
	gen      llm.TextGenerator
	embedder llm.EmbeddingGenerator
	cfg      config.ReplyConfig

	maxTokens   int
	temperature float64
	hedge       func(text string) bool

	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Generator.
type Option func(*Generator)

// WithEmbedder enables embedding-based retrieval of older turns.
func WithEmbedder(e llm.EmbeddingGenerator) Option {
	return func(g *Generator) { g.embedder = e }
}

// WithHedgeRate decides whether an unhedged draft at a logistics stage gets
// a hedge prefix. The default always hedges.
func WithHedgeRate(decide func(text string) bool) Option {
	return func(g *Generator) { g.hedge = decide }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// New creates a reply generator.
func New(store Store, mem Synopsizer, gen llm.TextGenerator, cfg config.ReplyConfig, llmCfg config.LLMConfig, logger *zap.Logger, opts ...Option) *Generator {
	g := &Generator{
		store:       store,
		memory:      mem,
		gen:         gen,
		cfg:         cfg,
		maxTokens:   llmCfg.MaxTokens,
		temperature: llmCfg.Temperature,
		hedge:       func(string) bool { return true },
		logger:      logging.OrNop(logger).Named("reply"),
		now:         func() time.Time { return time.Now().UTC() },
	}
	if g.maxTokens <= 0 {
		g.maxTokens = 500
	}
	if g.temperature <= 0 {
		g.temperature = 0.7
	}
	if g.cfg.MaxParts <= 0 {
		g.cfg.MaxParts = 3
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate drafts a reply to msg.
func (g *Generator) Generate(ctx context.Context, account *types.Account, contact *types.Contact, msg *types.Message, rc policy.ReplyConstraints) (*Draft, error) {
	return g.generate(ctx, account, contact, msg, rc, false)
}

// GenerateFollowup drafts a nudge for a contact that went quiet. anchor is
// their latest inbound message.
func (g *Generator) GenerateFollowup(ctx context.Context, account *types.Account, contact *types.Contact, anchor *types.Message, rc policy.ReplyConstraints) (*Draft, error) {
	return g.generate(ctx, account, contact, anchor, rc, true)
}

func (g *Generator) generate(ctx context.Context, account *types.Account, contact *types.Contact, msg *types.Message, rc policy.ReplyConstraints, followup bool) (*Draft, error) {
	persona, err := g.persona(ctx, account)
	if err != nil {
		return nil, err
	}
	history, err := g.history(ctx, contact, msg)
	if err != nil {
		return nil, err
	}
	syn, err := g.memory.Synopsis(ctx, contact)
	if err != nil {
		return nil, fmt.Errorf("failed to build memory synopsis: %w", err)
	}

	name := contact.DisplayName
	if name == "" {
		name = "this person"
	}
	if rc.MaxWords <= 0 {
		rc.MaxWords = policy.DefaultMaxWords
	}
	prompt, err := renderPrompt(promptData{
		Name:        name,
		Persona:     persona,
		EmojiUsage:  emojiUsage(persona.EmojiFrequency),
		Goal:        StageGoal(contact.CurrentStage()),
		Memory:      memoryLines(syn),
		History:     history,
		Constraints: rc,
		MaxParts:    g.cfg.MaxParts,
		Followup:    followup,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render prompt: %w", err)
	}

	raw, err := g.gen.Complete(ctx, prompt, g.maxTokens, g.temperature)
	if err != nil {
		return nil, fmt.Errorf("reply generation failed: %w", err)
	}
	text, tags := ParseResponse(raw)

	previous, err := g.store.RecentMessages(ctx, contact.ID, g.cfg.SimilarityWindow, types.DirectionOutbound)
	if err != nil {
		return nil, fmt.Errorf("failed to load previous replies: %w", err)
	}
	pipe := Pipeline{
		MaxWords:  rc.MaxWords,
		Previous:  messageTexts(previous),
		Threshold: g.cfg.SimilarityThreshold,
		Stage:     contact.CurrentStage(),
		Hedge:     g.hedge,
	}
	text = pipe.Apply(text)
	parts := Split(text, g.cfg.MaxParts)
	if len(parts) == 0 {
		return nil, ErrEmptyDraft
	}

	draft := &Draft{
		Text:     strings.Join(parts, "\n"),
		Parts:    parts,
		MetaTags: tags,
		Context: types.ContextSummary{
			PromptLength: len(prompt),
			Provider:     g.gen.Provider(),
			Model:        g.gen.Model(),
			GeneratedAt:  g.now(),
		},
	}
	g.logger.Debug("reply drafted",
		zap.String("contact_id", contact.ID),
		zap.String("stage", string(contact.CurrentStage())),
		zap.Int("prompt_length", len(prompt)),
		zap.Int("parts", len(parts)),
		zap.Bool("followup", followup))
	return draft, nil
}

// persona returns the account's cached persona, deriving and caching it
// from outbound history when missing.
func (g *Generator) persona(ctx context.Context, account *types.Account) (*types.Persona, error) {
	if account.PersonaProfile != nil {
		return account.PersonaProfile, nil
	}
	sent, err := g.store.AccountOutbound(ctx, account.ID, personaSample)
	if err != nil {
		return nil, fmt.Errorf("failed to load outbound history: %w", err)
	}
	p := DerivePersona(sent)
	if p == nil {
		return types.DefaultPersona(), nil
	}
	if err := g.store.UpdatePersona(ctx, account.ID, p); err != nil {
		g.logger.Warn("failed to cache persona", zap.String("account_id", account.ID), zap.Error(err))
	} else {
		account.PersonaProfile = p
	}
	return p, nil
}

// history returns the recent window followed by older relevant turns.
func (g *Generator) history(ctx context.Context, contact *types.Contact, msg *types.Message) ([]Turn, error) {
	recent, err := g.store.RecentMessages(ctx, contact.ID, g.cfg.ContextTurns, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	speaker := contact.DisplayName
	if speaker == "" {
		speaker = "Them"
	}

	turns := make([]Turn, 0, len(recent)+g.cfg.SearchResults)
	seen := make([]string, 0, len(recent))
	for _, m := range recent {
		turns = append(turns, turnFor(m, speaker, m.ID == msg.ID, false))
		seen = append(seen, m.ID)
	}

	if g.cfg.SearchResults <= 0 || strings.TrimSpace(msg.Text) == "" {
		return turns, nil
	}
	q := storage.SearchQuery{
		ContactID:  contact.ID,
		Text:       msg.Text,
		ExcludeIDs: seen,
		Limit:      g.cfg.SearchResults,
	}
	if g.embedder != nil {
		vec, err := g.embedder.Embed(ctx, msg.Text)
		if err != nil {
			g.logger.Warn("query embedding failed, using text search", zap.Error(err))
		} else {
			q.Embedding = llm.ToFloat64(vec)
		}
	}
	older, err := g.store.SearchMessages(ctx, q)
	if err != nil {
		g.logger.Warn("relevant history search failed", zap.String("contact_id", contact.ID), zap.Error(err))
		return turns, nil
	}
	for _, m := range older {
		turns = append(turns, turnFor(m, speaker, false, true))
	}
	return turns, nil
}

func turnFor(m *types.Message, contactName string, current, earlier bool) Turn {
	text := m.Text
	if text == "" && m.MediaType != "" {
		text = "[" + m.MediaType + " message]"
	}
	who := contactName
	if m.Direction == types.DirectionOutbound {
		who = "You"
	}
	return Turn{Speaker: who, Text: text, Current: current, Earlier: earlier}
}

func messageTexts(msgs []*types.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Text != "" {
			out = append(out, m.Text)
		}
	}
	return out
}

// Pipeline is the post-processing applied to every draft.
type Pipeline struct {
	MaxWords  int
	Previous  []string
	Threshold float64
	Stage     types.Stage
	Hedge     func(text string) bool
}

// Apply de-duplicates, hedges, softens and finally caps text. The cap runs
// last because every earlier step may add words.
func (p Pipeline) Apply(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return text
	}
	if p.Threshold > 0 && TooSimilar(text, p.Previous, p.Threshold) {
		text = Rephrase(text)
	}
	if NeedsHedge(p.Stage) && (p.Hedge == nil || p.Hedge(text)) {
		text = Hedge(text)
	}
	return CapWords(SoftenCommitments(text), p.MaxWords)
}

package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Index defaults.
const (
	DefaultSearchLimit   = 3
	DefaultMinSimilarity = 0.35
)

// StoredFragment is one indexed long-term memory narrative.
type StoredFragment struct {
	ID        string
	ChannelID string
	Text      string
	Embedding []float32
	CreatedAt time.Time
}

// Match is a search hit with its cosine similarity to the query.
type Match struct {
	StoredFragment
	Score float64
}

// Ago renders how long before now the fragment was stored, e.g. "3 hours ago".
func (m Match) Ago(now time.Time) string {
	return humanize.RelTime(m.CreatedAt, now, "ago", "from now")
}

// FragmentStore is the storage backend shared by every channel's
// SimilarityIndex. Implementations must not partially apply a failed
// AddFragment.
type FragmentStore interface {
	AddFragment(ctx context.Context, f StoredFragment) error
	// SearchFragments returns the channel's fragments scoring at least
	// minScore against query, ranked by rankMatches and cut to limit.
	SearchFragments(ctx context.Context, channelID string, query []float32, minScore float64, limit int) ([]Match, error)
}

// IndexConfig tunes retrieval.
type IndexConfig struct {
	// MinSimilarity is the cosine cutoff. Values <= 0 use DefaultMinSimilarity.
	MinSimilarity float64
	// Limit caps the number of matches. Values <= 0 use DefaultSearchLimit.
	Limit int
}

// SimilarityIndex is one channel's view of a FragmentStore. Entries are
// append-only and timestamped when inserted.
type SimilarityIndex struct {
	channelID string
	embedder  Embedder
	store     FragmentStore
	cfg       IndexConfig
	logger    *slog.Logger
}

// NewSimilarityIndex creates the index for channelID. If logger is nil, the
// default slog logger is used.
func NewSimilarityIndex(channelID string, embedder Embedder, store FragmentStore, cfg IndexConfig, logger *slog.Logger) *SimilarityIndex {
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = DefaultMinSimilarity
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultSearchLimit
	}
	if embedder == nil {
		embedder = NoopEmbedder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SimilarityIndex{
		channelID: channelID,
		embedder:  embedder,
		store:     store,
		cfg:       cfg,
		logger:    logger,
	}
}

// AddFragment embeds text and stores it stamped with ts. On any error the
// index is left as it was.
func (ix *SimilarityIndex) AddFragment(ctx context.Context, text string, ts time.Time) error {
	vec, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("memory index: embed fragment: %w", err)
	}
	f := StoredFragment{
		ID:        uuid.New().String(),
		ChannelID: ix.channelID,
		Text:      text,
		Embedding: vec,
		CreatedAt: ts,
	}
	if err := ix.store.AddFragment(ctx, f); err != nil {
		return fmt.Errorf("memory index: store fragment: %w", err)
	}
	ix.logger.Debug("memory index: added fragment",
		"channel_id", ix.channelID,
		"fragment_id", f.ID,
		"text_len", len(text),
		"has_embedding", vec != nil,
	)
	return nil
}

// Search returns fragments similar to query, best first, most recent first
// among equal scores. No fragments, no match above the cutoff, or a noop
// embedder all yield an empty result.
func (ix *SimilarityIndex) Search(ctx context.Context, query string) ([]Match, error) {
	vec, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory index: embed query: %w", err)
	}
	if len(vec) == 0 {
		return nil, nil
	}
	matches, err := ix.store.SearchFragments(ctx, ix.channelID, vec, ix.cfg.MinSimilarity, ix.cfg.Limit)
	if err != nil {
		return nil, fmt.Errorf("memory index: search: %w", err)
	}
	return matches, nil
}

// rankMatches sorts by descending score, breaking ties by recency, and cuts
// the result to limit (limit <= 0 keeps everything).
func rankMatches(matches []Match, limit int) []Match {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// cosineSimilarity returns 0 for mismatched, empty or zero vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

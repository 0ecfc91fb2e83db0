package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

const (
	chromemMetaChannel   = "channel_id"
	chromemMetaCreatedAt = "created_at"
)

// ChromemFragmentStore keeps fragments in chromem-go, an embedded pure-Go
// vector database, with one collection per channel.
type ChromemFragmentStore struct {
	db     *chromem.DB
	logger *slog.Logger

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// NewChromemFragmentStore opens a chromem database. An empty path keeps
// everything in memory; otherwise collections persist under path.
func NewChromemFragmentStore(path string, logger *slog.Logger) (*ChromemFragmentStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db := chromem.NewDB()
	if path != "" {
		var err error
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("fragments chromem: open %s: %w", path, err)
		}
	}
	return &ChromemFragmentStore{
		db:          db,
		logger:      logger,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

// collection returns the channel's collection, creating it on first use.
func (s *ChromemFragmentStore) collection(channelID string) (*chromem.Collection, error) {
	s.mu.RLock()
	col, ok := s.collections[channelID]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[channelID]; ok {
		return col, nil
	}
	// Embeddings are always supplied, so no embedding func is registered.
	col, err := s.db.GetOrCreateCollection("channel_"+channelID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fragments chromem: collection for %s: %w", channelID, err)
	}
	s.collections[channelID] = col
	return col, nil
}

// AddFragment stores f. Fragments without an embedding cannot be searched
// and are skipped.
func (s *ChromemFragmentStore) AddFragment(ctx context.Context, f StoredFragment) error {
	if len(f.Embedding) == 0 {
		s.logger.Debug("fragments chromem: skip fragment without embedding",
			"channel_id", f.ChannelID, "fragment_id", f.ID)
		return nil
	}
	col, err := s.collection(f.ChannelID)
	if err != nil {
		return err
	}
	doc := chromem.Document{
		ID:        f.ID,
		Content:   f.Text,
		Embedding: f.Embedding,
		Metadata: map[string]string{
			chromemMetaChannel:   f.ChannelID,
			chromemMetaCreatedAt: f.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("fragments chromem: add document: %w", err)
	}
	return nil
}

// SearchFragments implements FragmentStore. chromem rejects queries for more
// results than the collection holds, so the whole collection is scored and
// ranked here with the shared tie-break rule.
func (s *ChromemFragmentStore) SearchFragments(ctx context.Context, channelID string, query []float32, minScore float64, limit int) ([]Match, error) {
	if len(query) == 0 {
		return nil, nil
	}
	col, err := s.collection(channelID)
	if err != nil {
		return nil, err
	}
	n := col.Count()
	if n == 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fragments chromem: query: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		if float64(r.Similarity) < minScore {
			continue
		}
		created, err := time.Parse(time.RFC3339Nano, r.Metadata[chromemMetaCreatedAt])
		if err != nil {
			s.logger.Warn("fragments chromem: skip document with bad timestamp",
				"fragment_id", r.ID, "err", err)
			continue
		}
		matches = append(matches, Match{
			StoredFragment: StoredFragment{
				ID:        r.ID,
				ChannelID: channelID,
				Text:      r.Content,
				Embedding: r.Embedding,
				CreatedAt: created,
			},
			Score: float64(r.Similarity),
		})
	}
	return rankMatches(matches, limit), nil
}

var _ FragmentStore = (*ChromemFragmentStore)(nil)

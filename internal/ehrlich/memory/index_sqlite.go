package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// SQLiteFragmentStore keeps long-term fragments in the memory_fragments
// table with embeddings as JSON arrays. Similarity is computed in Go after
// loading a channel's rows: modernc.org/sqlite cannot host vector
// extensions, and a channel accumulates at most a few hundred narratives.
type SQLiteFragmentStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteFragmentStore uses db, which must already contain the
// memory_fragments table (created by the store migrations). If logger is
// nil, the default slog logger is used.
func NewSQLiteFragmentStore(db *sql.DB, logger *slog.Logger) *SQLiteFragmentStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteFragmentStore{db: db, logger: logger}
}

// AddFragment inserts f in a single statement.
func (s *SQLiteFragmentStore) AddFragment(ctx context.Context, f StoredFragment) error {
	var embeddingJSON []byte
	if f.Embedding != nil {
		var err error
		embeddingJSON, err = json.Marshal(f.Embedding)
		if err != nil {
			return fmt.Errorf("fragments sqlite: marshal embedding: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_fragments (id, channel_id, text, embedding, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		f.ID, f.ChannelID, f.Text, nullableJSON(embeddingJSON),
		f.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("fragments sqlite: insert: %w", err)
	}
	return nil
}

// SearchFragments implements FragmentStore.
func (s *SQLiteFragmentStore) SearchFragments(ctx context.Context, channelID string, query []float32, minScore float64, limit int) ([]Match, error) {
	if len(query) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, text, embedding, created_at
		FROM memory_fragments
		WHERE channel_id = ? AND embedding IS NOT NULL`,
		channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("fragments sqlite: query: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		f, err := scanFragment(rows)
		if err != nil {
			s.logger.Warn("fragments sqlite: skip malformed row", "err", err)
			continue
		}
		score := cosineSimilarity(query, f.Embedding)
		if score < minScore {
			continue
		}
		matches = append(matches, Match{StoredFragment: f, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fragments sqlite: iterate rows: %w", err)
	}
	return rankMatches(matches, limit), nil
}

// CountFragments returns the number of fragments stored for channelID.
func (s *SQLiteFragmentStore) CountFragments(ctx context.Context, channelID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_fragments WHERE channel_id = ?`, channelID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("fragments sqlite: count: %w", err)
	}
	return n, nil
}

func scanFragment(rows *sql.Rows) (StoredFragment, error) {
	var (
		f             StoredFragment
		embeddingJSON sql.NullString
		createdAt     string
	)
	if err := rows.Scan(&f.ID, &f.ChannelID, &f.Text, &embeddingJSON, &createdAt); err != nil {
		return StoredFragment{}, fmt.Errorf("scan row: %w", err)
	}
	if embeddingJSON.Valid && embeddingJSON.String != "" {
		if err := json.Unmarshal([]byte(embeddingJSON.String), &f.Embedding); err != nil {
			return StoredFragment{}, fmt.Errorf("unmarshal embedding: %w", err)
		}
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return StoredFragment{}, fmt.Errorf("parse created_at: %w", err)
	}
	f.CreatedAt = t
	return f, nil
}

// nullableJSON maps an empty encoding to SQL NULL.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

var _ FragmentStore = (*SQLiteFragmentStore)(nil)

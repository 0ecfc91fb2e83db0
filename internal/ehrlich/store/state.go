package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nmattis/ehrlichgpt/internal/ehrlich/memory"
)

// LoadMemoryState returns the saved memory of channelID; found is false
// when nothing was saved yet.
func (s *Store) LoadMemoryState(ctx context.Context, channelID string) (memory.MemoryState, bool, error) {
	var (
		st                   memory.MemoryState
		fragments, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT fragments, long_term, summary_cursor, updated_at
		FROM memory_state
		WHERE channel_id = ?`, channelID,
	).Scan(&fragments, &st.LongTerm, &st.Cursor, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return memory.MemoryState{}, false, nil
	}
	if err != nil {
		return memory.MemoryState{}, false, fmt.Errorf("store: load memory state: %w", err)
	}

	if err := json.Unmarshal([]byte(fragments), &st.Fragments); err != nil {
		return memory.MemoryState{}, false, fmt.Errorf("store: decode fragments of %s: %w", channelID, err)
	}
	if st.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return memory.MemoryState{}, false, fmt.Errorf("store: parse updated_at %q: %w", updatedAt, err)
	}
	return st, true, nil
}

// SaveMemoryState upserts the memory of channelID.
func (s *Store) SaveMemoryState(ctx context.Context, channelID string, st memory.MemoryState) error {
	frags := st.Fragments
	if frags == nil {
		frags = []memory.Fragment{}
	}
	fragments, err := json.Marshal(frags)
	if err != nil {
		return fmt.Errorf("store: encode fragments: %w", err)
	}
	updatedAt := st.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_state (channel_id, fragments, long_term, summary_cursor, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			fragments = excluded.fragments,
			long_term = excluded.long_term,
			summary_cursor = excluded.summary_cursor,
			updated_at = excluded.updated_at`,
		channelID, string(fragments), st.LongTerm, st.Cursor, updatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("store: save memory state: %w", err)
	}
	return nil
}

var (
	_ memory.Loader     = (*Store)(nil)
	_ memory.StateSaver = (*Store)(nil)
)

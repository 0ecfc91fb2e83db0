package store

import (
	"context"
	"fmt"
	"time"

	"github.com/nmattis/ehrlichgpt/internal/ehrlich/memory"
)

// AppendMessage records one chat message of channelID.
func (s *Store) AppendMessage(ctx context.Context, channelID string, m memory.Message) error {
	sentAt := m.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, channel_id, sender, content, mentioned, tier, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, channelID, m.Sender, m.Content, m.Mentioned, m.Tier.String(),
		sentAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("store: append message: %w", err)
	}
	return nil
}

// LoadHistory returns the channel's messages in arrival order.
func (s *Store) LoadHistory(ctx context.Context, channelID string) ([]memory.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender, content, mentioned, tier, sent_at
		FROM messages
		WHERE channel_id = ?
		ORDER BY seq ASC`, channelID)
	if err != nil {
		return nil, fmt.Errorf("store: load history: %w", err)
	}
	defer rows.Close()

	var out []memory.Message
	for rows.Next() {
		var (
			m            memory.Message
			tier, sentAt string
		)
		if err := rows.Scan(&m.ID, &m.Sender, &m.Content, &m.Mentioned, &tier, &sentAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.Tier = memory.ParseTier(tier)
		if m.SentAt, err = time.Parse(timeLayout, sentAt); err != nil {
			return nil, fmt.Errorf("store: parse sent_at %q: %w", sentAt, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: load history: %w", err)
	}
	return out, nil
}

// ListChannels returns every channel with recorded messages or memory,
// sorted.
func (s *Store) ListChannels(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id FROM messages
		UNION
		SELECT channel_id FROM memory_state
		ORDER BY channel_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list channels: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan channel: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CountMessages returns how many messages are recorded for channelID.
func (s *Store) CountMessages(ctx context.Context, channelID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE channel_id = ?", channelID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count messages: %w", err)
	}
	return n, nil
}

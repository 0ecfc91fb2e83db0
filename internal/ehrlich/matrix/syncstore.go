package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

var _ mautrix.SyncStore = (*DBSyncStore)(nil)

// syncKey names a row of matrix_sync_state for one bot user.
type syncKey string

const (
	keyFilterID  syncKey = "filter_id"
	keyNextBatch syncKey = "next_batch"
)

const (
	upsertSyncState = `INSERT INTO matrix_sync_state (user_id, key, value, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

	selectSyncState = `SELECT value FROM matrix_sync_state WHERE user_id = ? AND key = ?`
)

// DBSyncStore keeps the /sync position in SQLite so a restarted bot resumes
// where it stopped instead of replaying room history into channel memory.
type DBSyncStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewDBSyncStore uses db, which must already contain matrix_sync_state.
func NewDBSyncStore(db *sql.DB) *DBSyncStore {
	return &DBSyncStore{db: db, now: time.Now}
}

func (s *DBSyncStore) SaveFilterID(ctx context.Context, userID id.UserID, filterID string) error {
	return s.put(ctx, userID, keyFilterID, filterID)
}

// LoadFilterID returns "" when no filter was saved.
func (s *DBSyncStore) LoadFilterID(ctx context.Context, userID id.UserID) (string, error) {
	return s.get(ctx, userID, keyFilterID)
}

func (s *DBSyncStore) SaveNextBatch(ctx context.Context, userID id.UserID, nextBatchToken string) error {
	return s.put(ctx, userID, keyNextBatch, nextBatchToken)
}

// LoadNextBatch returns "" on first run.
func (s *DBSyncStore) LoadNextBatch(ctx context.Context, userID id.UserID) (string, error) {
	return s.get(ctx, userID, keyNextBatch)
}

func (s *DBSyncStore) put(ctx context.Context, userID id.UserID, key syncKey, value string) error {
	stamp := s.now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx, upsertSyncState, string(userID), string(key), value, stamp); err != nil {
		return fmt.Errorf("matrix sync store: save %s for %s: %w", key, userID, err)
	}
	return nil
}

func (s *DBSyncStore) get(ctx context.Context, userID id.UserID, key syncKey) (string, error) {
	var value string
	switch err := s.db.QueryRowContext(ctx, selectSyncState, string(userID), string(key)).Scan(&value); {
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("matrix sync store: load %s for %s: %w", key, userID, err)
	}
	return value, nil
}

package memory

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nmattis/ehrlichgpt/internal/ehrlich/tokenizer"
)

// --- Mock implementations for testing ----------------------------------------

// compressCall records one Condense invocation.
type compressCall struct {
	instruction string
	prior       string
	content     string
}

// mockCompressor answers summarize and consolidate calls separately. A
// non-nil gate blocks consolidation until closed; entered is signalled when
// a consolidation call begins.
type mockCompressor struct {
	mu          sync.Mutex
	calls       []compressCall
	summary     string
	summaryErr  error
	longTerm    string
	longTermErr error
	gate        chan struct{}
	entered     chan struct{}
}

func (m *mockCompressor) Condense(ctx context.Context, instruction, prior, content string) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, compressCall{instruction: instruction, prior: prior, content: content})
	gate, entered := m.gate, m.entered
	m.mu.Unlock()

	if instruction == ConsolidateInstruction {
		if entered != nil {
			entered <- struct{}{}
		}
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.longTerm, m.longTermErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.summary, m.summaryErr
}

func (m *mockCompressor) callsFor(instruction string) []compressCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []compressCall
	for _, c := range m.calls {
		if c.instruction == instruction {
			out = append(out, c)
		}
	}
	return out
}

func (m *mockCompressor) setSummary(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summary = s
}

// mockStateSaver records every saved state.
type mockStateSaver struct {
	mu     sync.Mutex
	states map[string][]MemoryState
	err    error
}

func (m *mockStateSaver) SaveMemoryState(_ context.Context, channelID string, st MemoryState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states == nil {
		m.states = make(map[string][]MemoryState)
	}
	m.states[channelID] = append(m.states[channelID], st)
	return m.err
}

func (m *mockStateSaver) last(channelID string) (MemoryState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.states[channelID]
	if len(s) == 0 {
		return MemoryState{}, false
	}
	return s[len(s)-1], true
}

// mockFragmentStore records added fragments and can be told to fail.
type mockFragmentStore struct {
	mu    sync.Mutex
	added []StoredFragment
	err   error
}

func (m *mockFragmentStore) AddFragment(_ context.Context, f StoredFragment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.added = append(m.added, f)
	return nil
}

func (m *mockFragmentStore) SearchFragments(_ context.Context, _ string, query []float32, minScore float64, limit int) ([]Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Match
	for _, f := range m.added {
		if s := cosineSimilarity(query, f.Embedding); s >= minScore {
			out = append(out, Match{StoredFragment: f, Score: s})
		}
	}
	return rankMatches(out, limit), nil
}

func (m *mockFragmentStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.added)
}

// failingEmbedder always errors.
type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedding service unavailable")
}

// recordingScheduler counts submissions and runs each job on a goroutine.
type recordingScheduler struct {
	mu    sync.Mutex
	names []string
}

func (s *recordingScheduler) Submit(name string, fn func(ctx context.Context) error) *Task {
	s.mu.Lock()
	s.names = append(s.names, name)
	s.mu.Unlock()
	t := newTask(name)
	go func() { t.finish(fn(context.Background())) }()
	return t
}

func (s *recordingScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.names)
}

// --- Helpers -----------------------------------------------------------------

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// lenMeasurer counts one token per byte, which keeps budget arithmetic in
// tests obvious.
var lenMeasurer = tokenizer.MeasurerFunc(func(s string) int { return len(s) })

func newTestConversation(t *testing.T, comp Compressor, opts Options) *Conversation {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testLogger(t)
	}
	opts.Compressor = comp
	return NewConversation("!room:example.org", opts)
}

func msg(sender, content string) Message {
	return Message{Sender: sender, Content: content, SentAt: time.Now()}
}

func mention(sender, content string) Message {
	m := msg(sender, content)
	m.Mentioned = true
	return m
}

// setupTestDB creates an in-memory SQLite database with the
// memory_fragments table. A single connection keeps every query on the same
// in-memory database.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`
		CREATE TABLE memory_fragments (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			text TEXT NOT NULL,
			embedding TEXT,
			created_at TEXT NOT NULL
		);
		CREATE INDEX idx_memory_fragments_channel ON memory_fragments(channel_id);
	`)
	if err != nil {
		db.Close()
		t.Fatalf("create table: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func waitTask(t *testing.T, task *Task) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := task.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("task %q did not finish", task.Name())
	}
	return err
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func repeat(s string, n int) string { return strings.Repeat(s, n) }

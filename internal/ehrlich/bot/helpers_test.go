package bot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nmattis/ehrlichgpt/internal/ehrlich/llm"
	"github.com/nmattis/ehrlichgpt/internal/ehrlich/memory"
)

const testChannel = "!room:example.org"

// --- Fakes -------------------------------------------------------------------

// fakePlatform records replies and typing indicators. Each stop function
// counts once no matter how often it is called.
type fakePlatform struct {
	mu       sync.Mutex
	sent     []string
	typing   int
	stopped  int
	members  int
	sendErr  error
	countErr error
	// typingAtSend holds the number of uncleared typing indicators seen by
	// each SendReply.
	typingAtSend []int
}

func (f *fakePlatform) SendReply(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.typingAtSend = append(f.typingAtSend, f.typing-f.stopped)
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakePlatform) StartTyping(_ context.Context, _ string) func() {
	f.mu.Lock()
	f.typing++
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.stopped++
			f.mu.Unlock()
		})
	}
}

func (f *fakePlatform) MemberCount(_ context.Context, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members, f.countErr
}

func (f *fakePlatform) replies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakePlatform) typingCounts() (started, stopped int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.typing, f.stopped
}

// fakeProvider answers every completion with reply. A non-nil gate blocks
// each call until a value is received from it; entered is signalled when a
// call begins.
type fakeProvider struct {
	mu      sync.Mutex
	reqs    []llm.CompletionRequest
	reply   string
	tokens  int
	err     error
	gate    chan struct{}
	entered chan struct{}
}

func (p *fakeProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	gate, entered := p.gate, p.entered
	p.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return &llm.CompletionResponse{
		Content: p.reply,
		Model:   req.Model,
		Usage:   llm.TokenUsage{TotalTokens: p.tokens},
	}, nil
}

func (p *fakeProvider) requests() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.CompletionRequest(nil), p.reqs...)
}

// mockLog records persisted messages.
type mockLog struct {
	mu   sync.Mutex
	msgs []memory.Message
	err  error
}

func (l *mockLog) AppendMessage(_ context.Context, _ string, m memory.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.msgs = append(l.msgs, m)
	return nil
}

func (l *mockLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

// recordingScheduler runs jobs on goroutines and keeps their handles.
type recordingScheduler struct {
	mu    sync.Mutex
	names []string
	tasks []*memory.Task
}

func (s *recordingScheduler) Submit(name string, fn func(ctx context.Context) error) *memory.Task {
	t := memory.GoScheduler{}.Submit(name, fn)
	s.mu.Lock()
	s.names = append(s.names, name)
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	return t
}

func (s *recordingScheduler) submitted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.names...)
}

func (s *recordingScheduler) waitAll(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	tasks := append([]*memory.Task(nil), s.tasks...)
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, task := range tasks {
		if err := task.Wait(ctx); errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("task %s did not finish", task.Name())
		}
	}
}

// --- Helpers -------------------------------------------------------------------

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	orch     *Orchestrator
	registry *memory.Registry
	platform *fakePlatform
	provider *fakeProvider
	log      *mockLog
	sched    *recordingScheduler
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		platform: &fakePlatform{members: 5},
		provider: &fakeProvider{reply: "hello there", tokens: 42},
		log:      &mockLog{},
		sched:    &recordingScheduler{},
	}
	h.registry = memory.NewRegistry(memory.Options{
		Compressor: memory.ExtractiveCompressor{},
		Scheduler:  h.sched,
		Logger:     testLogger(),
	}, nil)
	if cfg.Name == "" {
		cfg.Name = "EhrlichGPT"
	}
	h.orch = New(cfg, Deps{
		Registry:  h.registry,
		Provider:  h.provider,
		Platform:  h.platform,
		Log:       h.log,
		Scheduler: h.sched,
		Logger:    testLogger(),
	})
	t.Cleanup(func() {
		h.orch.Close()
		h.sched.waitAll(t)
	})
	return h
}

func inbound(sender, content string, mentioned bool) Inbound {
	return Inbound{
		ChannelID: testChannel,
		MessageID: "$" + sender + content,
		Sender:    sender,
		Content:   content,
		Mentioned: mentioned,
		SentAt:    time.Now(),
	}
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

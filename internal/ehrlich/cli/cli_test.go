package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nmattis/ehrlichgpt/common/version"
	"github.com/nmattis/ehrlichgpt/internal/ehrlich/memory"
	"github.com/nmattis/ehrlichgpt/internal/ehrlich/store"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		cfgFile = ""
	})
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, version.Version) {
		t.Errorf("output %q does not contain %q", out, version.Version)
	}
}

func TestMemoryShowCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ehrlich.db")
	t.Setenv("EHRLICH_DATABASE_PATH", dbPath)

	st, err := store.New(dbPath, nil)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	const channel = "!room:example.org"
	ctx := context.Background()
	if err := st.AppendMessage(ctx, channel, memory.Message{ID: "$1", Sender: "alice", Content: "hi", SentAt: time.Now()}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	st.Close()

	out, err := execute(t, "memory", "show", "--channel", "")
	if err != nil {
		t.Fatalf("memory show: %v", err)
	}
	if strings.TrimSpace(out) != channel {
		t.Errorf("channel list = %q, want %q", out, channel)
	}

	out, err = execute(t, "memory", "show", "--channel", channel)
	if err != nil {
		t.Fatalf("memory show --channel: %v", err)
	}
	if !strings.Contains(out, "Messages:     1 (0 summarized)") {
		t.Errorf("unexpected output:\n%s", out)
	}

	if _, err := execute(t, "memory", "show", "--channel", "!other:example.org"); err == nil {
		t.Error("expected error for unknown channel")
	}
}

package redact_test

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/nmattis/ehrlichgpt/common/redact"
)

func TestString(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		secrets []string
		want    string
	}{
		{"bearer", "Authorization: Bearer sk-live-12345 (retry)", []string{"sk-live-12345"}, "Authorization: Bearer [REDACTED] (retry)"},
		{"short secret skipped", "abc token", []string{"abc"}, "abc token"},
		{"several", "a=hunter2secret b=syt_tok_xxx", []string{"hunter2secret", "syt_tok_xxx"}, "a=[REDACTED] b=[REDACTED]"},
		{"absent secret", "nothing here", []string{"sk-live-99999"}, "nothing here"},
		{"none", "plain", nil, "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := redact.String(tt.in, tt.secrets...); got != tt.want {
				t.Errorf("String(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func newLogger(buf *bytes.Buffer, secrets ...string) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{ReplaceAttr: redact.ReplaceAttr(secrets...)}))
}

func TestReplaceAttr_ScrubsSecrets(t *testing.T) {
	const token = "syt_ZWhybGljaA_secret"
	var buf bytes.Buffer
	logger := newLogger(&buf, token)

	logger.Info("request failed",
		"url", "https://hs.example.org/sync?access_token="+token,
		"err", fmt.Errorf("matrix: sync: %w", errors.New("401 for token "+token)),
		"tokens", 42,
	)

	out := buf.String()
	if strings.Contains(out, token) {
		t.Fatalf("secret leaked: %s", out)
	}
	if strings.Count(out, redact.Placeholder) != 2 {
		t.Errorf("want 2 redactions in %s", out)
	}
	if !strings.Contains(out, "tokens=42") {
		t.Errorf("non-secret attribute altered: %s", out)
	}
}

func TestReplaceAttr_SensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf)

	logger.Info("config", "api_key", "sk-abc", "access_token", "", "channel_id", "!room:example.org")

	out := buf.String()
	if !strings.Contains(out, "api_key="+redact.Placeholder) {
		t.Errorf("api_key not redacted: %s", out)
	}
	if !strings.Contains(out, `access_token=""`) {
		t.Errorf("empty value should stay empty: %s", out)
	}
	if !strings.Contains(out, "channel_id=!room:example.org") {
		t.Errorf("channel_id altered: %s", out)
	}
}

func TestReplaceAttr_UnrelatedErrorUntouched(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "sk-secret-value")

	logger.Warn("oops", "err", errors.New("connection refused"))
	if !strings.Contains(buf.String(), `err="connection refused"`) {
		t.Errorf("error altered: %s", buf.String())
	}
}

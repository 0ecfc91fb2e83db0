// Package redact strips secrets (API keys, the Matrix access token) from
// log output before it leaves the process.
//
// Redaction is best-effort: it matches string representations against the
// secrets it was given. Keep secrets out of log call sites regardless.
package redact

import (
	"log/slog"
	"strings"
)

// Placeholder replaces every redacted value.
const Placeholder = "[REDACTED]"

// minSecretLen skips values so short that redacting them would mangle
// ordinary text.
const minSecretLen = 4

// String replaces every occurrence of each secret in s with Placeholder.
func String(s string, secrets ...string) string {
	for _, v := range secrets {
		if len(v) < minSecretLen {
			continue
		}
		s = strings.ReplaceAll(s, v, Placeholder)
	}
	return s
}

// ReplaceAttr returns a slog.HandlerOptions.ReplaceAttr hook. String values
// and errors are scrubbed of secrets; non-empty strings under a key that
// names a credential are replaced outright.
func ReplaceAttr(secrets ...string) func(groups []string, a slog.Attr) slog.Attr {
	kept := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if len(s) >= minSecretLen {
			kept = append(kept, s)
		}
	}
	return func(_ []string, a slog.Attr) slog.Attr {
		switch a.Value.Kind() {
		case slog.KindString:
			v := a.Value.String()
			if v != "" && isSensitiveKey(a.Key) {
				return slog.String(a.Key, Placeholder)
			}
			if len(kept) > 0 {
				return slog.String(a.Key, String(v, kept...))
			}
		case slog.KindAny:
			if err, ok := a.Value.Any().(error); ok && len(kept) > 0 {
				if msg := err.Error(); msg != String(msg, kept...) {
					return slog.String(a.Key, String(msg, kept...))
				}
			}
		}
		return a
	}
}

// isSensitiveKey reports whether a log key names a credential.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "secret", "api_key", "apikey", "access_token", "credential", "authorization"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

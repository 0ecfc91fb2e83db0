package bot

import (
	"sync"
	"time"
)

// DefaultDailyTokenBudget is the per-channel daily token allowance when none
// is configured.
const DefaultDailyTokenBudget = 200_000

// TokenBudget enforces a per-channel daily token budget for response rounds.
// Counters reset at midnight UTC. Callers check Allow before a round and
// call RecordUsage with the tokens the completion actually consumed.
//
// TokenBudget is safe for concurrent use.
type TokenBudget struct {
	mu     sync.Mutex
	budget int
	usage  map[string]*dailyUsage
	now    func() time.Time
}

type dailyUsage struct {
	tokens  int
	resetAt time.Time // next midnight UTC
}

// NewTokenBudget allows at most dailyBudget tokens per channel per UTC day.
// dailyBudget <= 0 uses DefaultDailyTokenBudget.
func NewTokenBudget(dailyBudget int) *TokenBudget {
	if dailyBudget <= 0 {
		dailyBudget = DefaultDailyTokenBudget
	}
	return &TokenBudget{
		budget: dailyBudget,
		usage:  make(map[string]*dailyUsage),
		now:    time.Now,
	}
}

// Budget returns the daily limit per channel.
func (tb *TokenBudget) Budget() int { return tb.budget }

// Allow reports whether channelID still has tokens left today. It consumes
// nothing.
func (tb *TokenBudget) Allow(channelID string) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.resetIfNeeded(channelID)
	u := tb.usage[channelID]
	return u == nil || u.tokens < tb.budget
}

// RecordUsage adds tokens to channelID's running daily total.
func (tb *TokenBudget) RecordUsage(channelID string, tokens int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.resetIfNeeded(channelID)
	u := tb.usage[channelID]
	if u == nil {
		u = &dailyUsage{resetAt: nextMidnightUTC(tb.now())}
		tb.usage[channelID] = u
	}
	u.tokens += tokens
}

// Remaining returns the tokens channelID may still use today, never
// negative.
func (tb *TokenBudget) Remaining(channelID string) int {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.resetIfNeeded(channelID)
	u := tb.usage[channelID]
	if u == nil {
		return tb.budget
	}
	return max(tb.budget-u.tokens, 0)
}

// resetIfNeeded drops the channel's counter once the UTC day has rolled
// over. Must be called with tb.mu held.
func (tb *TokenBudget) resetIfNeeded(channelID string) {
	u := tb.usage[channelID]
	if u != nil && !tb.now().UTC().Before(u.resetAt) {
		delete(tb.usage, channelID)
	}
}

func nextMidnightUTC(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}

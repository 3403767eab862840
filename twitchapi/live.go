package twitchapi

import (
	"context"
	"strings"
	"sync"
	"time"
)

// LiveChecker answers "is this channel live right now".
type LiveChecker interface {
	IsLive(ctx context.Context, login string) (bool, error)
}

type liveEntry struct {
	live    bool
	checked time.Time
}

// LiveCache memoizes live status for TTL so bursts of triggers in one channel cost a
// single Helix call. Errors are not cached.
type LiveCache struct {
	Checker LiveChecker
	TTL     time.Duration

	now     func() time.Time
	mu      sync.Mutex
	entries map[string]liveEntry
}

// NewLiveCache wraps checker with a ttl (default 30s).
func NewLiveCache(checker LiveChecker, ttl time.Duration) *LiveCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &LiveCache{Checker: checker, TTL: ttl, now: time.Now, entries: make(map[string]liveEntry)}
}

func (l *LiveCache) IsLive(ctx context.Context, login string) (bool, error) {
	login = strings.ToLower(login)
	now := l.now()
	l.mu.Lock()
	e, ok := l.entries[login]
	l.mu.Unlock()
	if ok && now.Sub(e.checked) < l.TTL {
		return e.live, nil
	}
	live, err := l.Checker.IsLive(ctx, login)
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	l.entries[login] = liveEntry{live: live, checked: now}
	l.mu.Unlock()
	return live, nil
}

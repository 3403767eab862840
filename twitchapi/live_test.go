package twitchapi

import (
	"context"
	"errors"
	"testing"
	"time"
)

type countingChecker struct {
	calls int
	live  bool
	err   error
}

func (c *countingChecker) IsLive(context.Context, string) (bool, error) {
	c.calls++
	return c.live, c.err
}

func TestLiveCacheMemoizes(t *testing.T) {
	checker := &countingChecker{live: true}
	lc := NewLiveCache(checker, time.Minute)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	lc.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		live, err := lc.IsLive(context.Background(), "Alpha")
		if err != nil || !live {
			t.Fatalf("IsLive = %v, %v", live, err)
		}
	}
	if checker.calls != 1 {
		t.Errorf("calls = %d, want 1", checker.calls)
	}

	now = now.Add(2 * time.Minute)
	checker.live = false
	if live, _ := lc.IsLive(context.Background(), "alpha"); live {
		t.Error("expired entry should be re-checked")
	}
	if checker.calls != 2 {
		t.Errorf("calls = %d, want 2", checker.calls)
	}
}

func TestLiveCacheDoesNotCacheErrors(t *testing.T) {
	checker := &countingChecker{err: errors.New("helix down")}
	lc := NewLiveCache(checker, 0)
	_, _ = lc.IsLive(context.Background(), "alpha")
	_, _ = lc.IsLive(context.Background(), "alpha")
	if checker.calls != 2 {
		t.Errorf("calls = %d, want 2", checker.calls)
	}
}

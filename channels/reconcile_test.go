package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func setupReconciler(t *testing.T, chs ...Channel) (*fakeSource, *Cache, *fakeTransport, *Reconciler) {
	t.Helper()
	src := newFakeSource(chs...)
	cache := NewCache(src)
	for _, ch := range chs {
		if _, err := cache.Refresh(context.Background(), ch.ID); err != nil {
			t.Fatalf("Refresh: %v", err)
		}
	}
	tr := &fakeTransport{joinErr: map[string]error{}}
	return src, cache, tr, NewReconciler(tr, cache, src)
}

func TestReconcileJoinsEnabledOnce(t *testing.T) {
	_, cache, tr, rec := setupReconciler(t, testChannel("1", "alpha", true))
	ch, _ := cache.Get("1")
	rec.Reconcile(context.Background(), ch)
	rec.Reconcile(context.Background(), ch)
	joins, _ := tr.counts()
	if joins != 1 {
		t.Errorf("joins = %d, want 1", joins)
	}
	if !rec.IsConnected("alpha") || rec.Count() != 1 {
		t.Errorf("connected = %v", rec.Connected())
	}
}

func TestReconcileJoinFailureLeavesStateUnchanged(t *testing.T) {
	_, cache, tr, rec := setupReconciler(t, testChannel("1", "alpha", true))
	tr.joinErr["alpha"] = errBoom
	ch, _ := cache.Get("1")
	rec.Reconcile(context.Background(), ch)
	if rec.IsConnected("alpha") {
		t.Error("failed join must not mark connected")
	}
}

func TestDisabledViaUpdateLeavesExactlyOnce(t *testing.T) {
	src, cache, tr, rec := setupReconciler(t, testChannel("1", "alpha", true))
	ch, _ := cache.Get("1")
	rec.Reconcile(context.Background(), ch)

	src.put(testChannel("1", "alpha", false))
	data := json.RawMessage(`{"channelUpdated":{"id":"1"}}`)
	for i := 0; i < 2; i++ {
		if err := HandleUpdated(context.Background(), data, cache, rec); err != nil {
			t.Fatalf("HandleUpdated: %v", err)
		}
	}
	_, leaves := tr.counts()
	if leaves != 1 {
		t.Errorf("leaves = %d, want 1", leaves)
	}
	if rec.IsConnected("alpha") {
		t.Error("alpha still connected")
	}
}

func TestBannedJoinDisablesChannel(t *testing.T) {
	src, cache, tr, rec := setupReconciler(t, testChannel("1", "alpha", true))
	tr.joinErr["alpha"] = fmt.Errorf("join alpha: %w", banErr{})
	ch, _ := cache.Get("1")
	rec.Reconcile(context.Background(), ch)
	if len(src.disabled) != 1 || src.disabled[0] != "1" {
		t.Errorf("disabled = %v, want [1]", src.disabled)
	}
	if rec.IsConnected("alpha") {
		t.Error("banned channel marked connected")
	}
}

func TestDisableUnknownChannel(t *testing.T) {
	_, _, _, rec := setupReconciler(t)
	if err := rec.Disable(context.Background(), "nobody", "banned"); err == nil {
		t.Error("expected ErrNotFound")
	}
}

func TestJoinAllSkipsDisabled(t *testing.T) {
	_, _, tr, rec := setupReconciler(t,
		testChannel("1", "alpha", true),
		testChannel("2", "beta", true),
		testChannel("3", "gamma", false),
	)
	rec.JoinConcurrency = 2
	rec.JoinAll(context.Background(), []string{"alpha", "beta", "gamma"})
	joins, _ := tr.counts()
	if joins != 2 {
		t.Errorf("joins = %d, want 2", joins)
	}
	if got := rec.Connected(); len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
		t.Errorf("Connected() = %v", got)
	}
}

func TestJoinLeavesIfDeletedMeanwhile(t *testing.T) {
	_, cache, tr, rec := setupReconciler(t, testChannel("1", "alpha", true))
	ch, _ := cache.Get("1")
	cache.Remove("1")
	rec.Reconcile(context.Background(), ch)
	_, leaves := tr.counts()
	if leaves != 1 || rec.IsConnected("alpha") {
		t.Errorf("expected a leave after joining a removed channel, leaves=%d", leaves)
	}
}

func TestDisableUpdatesCacheAndLeavesNow(t *testing.T) {
	src, cache, tr, rec := setupReconciler(t, testChannel("1", "alpha", true))
	ch, _ := cache.Get("1")
	rec.Reconcile(context.Background(), ch)

	if err := rec.Disable(context.Background(), "alpha", "banned"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	got, ok := cache.Get("1")
	if !ok || got.Enabled {
		t.Errorf("cache entry after Disable = %+v ok=%v, want disabled", got, ok)
	}
	if rec.IsConnected("alpha") {
		t.Error("alpha still connected after Disable")
	}
	if _, leaves := tr.counts(); leaves != 1 {
		t.Errorf("leaves = %d, want 1", leaves)
	}

	// the confirming update from the remote store changes nothing
	if err := HandleUpdated(context.Background(), json.RawMessage(`{"channelUpdated":{"id":"1"}}`), cache, rec); err != nil {
		t.Fatalf("HandleUpdated: %v", err)
	}
	rec.Wait()
	if joins, leaves := tr.counts(); joins != 1 || leaves != 1 {
		t.Errorf("joins=%d leaves=%d after confirming update, want 1/1", joins, leaves)
	}
	if len(src.disabled) != 1 {
		t.Errorf("disable mutations = %v, want one", src.disabled)
	}
}

func TestDisableKeepsRequestState(t *testing.T) {
	_, cache, _, rec := setupReconciler(t, testChannel("1", "alpha", true))
	if _, ok := cache.BeginRequest("1", time.Minute, nil); !ok {
		t.Fatal("BeginRequest failed")
	}
	if err := rec.Disable(context.Background(), "alpha", "banned"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if !cache.Pending("1") {
		t.Error("Disable reset an in-flight request")
	}
}

// blockingTransport holds every Join until release is closed.
type blockingTransport struct {
	fakeTransport
	release chan struct{}
}

func (t *blockingTransport) Join(ctx context.Context, name string) error {
	<-t.release
	return t.fakeTransport.Join(ctx, name)
}

func TestApplyDoesNotWaitForJoin(t *testing.T) {
	src := newFakeSource(testChannel("1", "alpha", true), testChannel("2", "beta", false))
	cache := NewCache(src)
	_, _ = cache.Refresh(context.Background(), "1")
	_, _ = cache.Refresh(context.Background(), "2")
	tr := &blockingTransport{fakeTransport: fakeTransport{joinErr: map[string]error{}}, release: make(chan struct{})}
	rec := NewReconciler(tr, cache, src)

	alpha, _ := cache.Get("1")
	done := make(chan struct{})
	go func() {
		rec.Apply(context.Background(), alpha)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Apply blocked on a pending join")
	}
	if rec.IsConnected("alpha") {
		t.Error("alpha connected before the join completed")
	}

	close(tr.release)
	rec.Wait()
	if !rec.IsConnected("alpha") {
		t.Error("alpha not connected after the join completed")
	}

	// disabled channels leave inline
	beta, _ := cache.Get("2")
	rec.Apply(context.Background(), beta)
	if joins, _ := tr.counts(); joins != 1 {
		t.Errorf("joins = %d, want 1", joins)
	}
}

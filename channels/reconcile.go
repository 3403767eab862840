package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/songid/telemetry"
)

// Transport is the part of the chat connection the reconciler drives.
type Transport interface {
	Join(ctx context.Context, channel string) error
	Leave(channel string)
}

// banned is implemented by join errors caused by the bot being banned.
type banned interface{ Banned() bool }

func isBanned(err error) bool {
	var b banned
	return errors.As(err, &b) && b.Banned()
}

// Reconciler keeps the set of joined channels in line with the cache's enabled set.
type Reconciler struct {
	transport Transport
	cache     *Cache
	source    Source
	// JoinConcurrency bounds parallel joins in JoinAll (default 20).
	JoinConcurrency int

	mu        sync.Mutex
	connected map[string]struct{}
	joining   map[string]struct{}
	wg        sync.WaitGroup
}

// NewReconciler returns a reconciler with an empty connected set.
func NewReconciler(transport Transport, cache *Cache, source Source) *Reconciler {
	return &Reconciler{
		transport: transport,
		cache:     cache,
		source:    source,
		connected: make(map[string]struct{}),
		joining:   make(map[string]struct{}),
	}
}

// Reconcile joins ch if it is enabled and not connected, or leaves it if it is
// disabled and connected. Join failures are logged and left for the next event.
func (r *Reconciler) Reconcile(ctx context.Context, ch Channel) {
	if !ch.Enabled {
		r.Leave(ch.Name)
		return
	}
	r.join(ctx, ch.Name)
}

// Apply is Reconcile for the event path: a leave happens inline, a join runs on
// its own goroutine so a slow or failing join does not hold up later events.
func (r *Reconciler) Apply(ctx context.Context, ch Channel) {
	if !ch.Enabled {
		r.Leave(ch.Name)
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.join(ctx, ch.Name)
	}()
}

// Wait blocks until joins started by Apply have finished.
func (r *Reconciler) Wait() { r.wg.Wait() }

// Resync re-reads the enabled channel list into cache and brings membership in
// line with it: listed channels are joined, connected channels that are no longer
// listed are left. It runs after the event feed reconnects.
func (r *Reconciler) Resync(ctx context.Context) error {
	list, err := r.cache.Sync(ctx)
	if err != nil {
		return err
	}
	listed := lo.SliceToMap(list, func(ch Channel) (string, bool) { return ch.Name, true })
	for _, name := range r.Connected() {
		if !listed[name] {
			r.Leave(name)
		}
	}
	for _, ch := range list {
		r.Apply(ctx, ch)
	}
	slog.Info("channel membership resynced", slog.String("component", "reconciler"), slog.Int("channels", len(list)))
	return nil
}

// JoinAll joins every named channel, bounded by JoinConcurrency.
func (r *Reconciler) JoinAll(ctx context.Context, names []string) {
	limit := r.JoinConcurrency
	if limit <= 0 {
		limit = 20
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for _, name := range names {
		g.Go(func() error {
			if ch, ok := r.cache.Lookup(name); ok && !ch.Enabled {
				return nil
			}
			r.join(ctx, name)
			return nil
		})
	}
	_ = g.Wait()
	slog.Info("initial joins complete", slog.String("component", "reconciler"), slog.Int("connected", r.Count()), slog.Int("requested", len(names)))
}

func (r *Reconciler) join(ctx context.Context, name string) {
	name = NormalizeName(name)
	r.mu.Lock()
	_, connected := r.connected[name]
	_, joining := r.joining[name]
	if connected || joining {
		r.mu.Unlock()
		return
	}
	r.joining[name] = struct{}{}
	r.mu.Unlock()

	err := r.transport.Join(ctx, name)

	r.mu.Lock()
	delete(r.joining, name)
	if err == nil {
		r.connected[name] = struct{}{}
	}
	r.updateGaugeLocked()
	r.mu.Unlock()

	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "reconciler"), slog.String("channel", name))
	switch {
	case err == nil:
		telemetry.IncVec(telemetry.Joins, "ok")
		log.Info("joined channel")
		// the channel may have been disabled or deleted while the join was outstanding
		if ch, ok := r.cache.Lookup(name); !ok || !ch.Enabled {
			log.Info("channel no longer enabled after join")
			r.Leave(name)
		}
	case isBanned(err):
		telemetry.IncVec(telemetry.Joins, "banned")
		log.Warn("join rejected, bot is banned", slog.Any("err", err))
		if derr := r.Disable(ctx, name, "banned"); derr != nil {
			telemetry.Report(ctx, "reconciler", derr, slog.String("channel", name))
		}
	default:
		telemetry.IncVec(telemetry.Joins, "error")
		log.Error("join failed", slog.Any("err", err))
	}
}

// Leave departs name if connected and removes it from the connected set whether or
// not the transport confirms.
func (r *Reconciler) Leave(name string) {
	name = NormalizeName(name)
	r.mu.Lock()
	_, ok := r.connected[name]
	delete(r.connected, name)
	r.updateGaugeLocked()
	r.mu.Unlock()
	if !ok {
		return
	}
	r.transport.Leave(name)
	telemetry.Inc(telemetry.Leaves)
	slog.Info("left channel", slog.String("component", "reconciler"), slog.String("channel", name))
}

// Disable marks the named channel disabled in the remote store, stores the result
// in the cache and leaves the channel. The "updated" event that follows finds
// nothing left to do.
func (r *Reconciler) Disable(ctx context.Context, name, reason string) error {
	ch, ok := r.cache.Lookup(name)
	if !ok {
		return fmt.Errorf("disable %s: %w", name, ErrNotFound)
	}
	updated, err := r.source.SetEnabled(ctx, ch.ID, false, reason)
	if err != nil {
		return err
	}
	updated = r.cache.Apply(updated)
	telemetry.LoggerWithCorr(ctx).Info("channel disabled",
		slog.String("component", "reconciler"), slog.String("channel", updated.Name), slog.String("reason", reason))
	r.Reconcile(ctx, updated)
	return nil
}

// Connected returns the sorted set of joined channels.
func (r *Reconciler) Connected() []string {
	r.mu.Lock()
	names := lo.Keys(r.connected)
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

// IsConnected reports whether name is in the connected set.
func (r *Reconciler) IsConnected(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.connected[NormalizeName(name)]
	return ok
}

// Count returns the size of the connected set.
func (r *Reconciler) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connected)
}

func (r *Reconciler) updateGaugeLocked() {
	telemetry.SetGauge(telemetry.ConnectedChannels, len(r.connected))
}

package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/onnwee/songid/telemetry"
)

// RequestState is the per-channel identification gate.
//
//	Idle    --BeginRequest-->          Pending
//	Pending --FinishRequest(ticket)--> Idle (notice cleared)
//	Pending --safety timer(ticket)-->  Idle (notice cleared)
//	any     --MarkNoticeSent-->        same state, notice set
//	any     --add / refresh-->         Idle (notice cleared, timer stopped)
type RequestState int

const (
	StateIdle RequestState = iota
	StatePending
)

func (s RequestState) String() string {
	if s == StatePending {
		return "pending"
	}
	return "idle"
}

// Ticket identifies one BeginRequest. Finishing with a stale ticket is a no-op.
type Ticket uint64

type entry struct {
	ch         Channel
	state      RequestState
	noticeSent bool
	ticket     Ticket
	safety     *time.Timer
}

func (e *entry) reset() {
	if e.safety != nil {
		e.safety.Stop()
		e.safety = nil
	}
	if e.state == StatePending {
		telemetry.AddGauge(telemetry.PendingRequests, -1)
	}
	e.state = StateIdle
	e.noticeSent = false
}

// Cache is the in-memory channel configuration table plus each channel's request state.
// All access goes through its methods; one mutex guards the whole table.
type Cache struct {
	source Source
	// SingleChannel keeps only the first channel on BulkLoad (development).
	SingleChannel bool

	mu      sync.Mutex
	byID    map[string]*entry
	byName  map[string]string
	tickets Ticket
	loaded  bool
}

// NewCache returns an empty cache backed by source.
func NewCache(source Source) *Cache {
	return &Cache{
		source: source,
		byID:   make(map[string]*entry),
		byName: make(map[string]string),
	}
}

// BulkLoad fetches all enabled channels, replaces the table with them in a clean
// runtime state and returns their names. Entries missing from the list are dropped.
func (c *Cache) BulkLoad(ctx context.Context) ([]string, error) {
	list, err := c.list(ctx)
	if err != nil {
		return nil, fmt.Errorf("bulk load channels: %w", err)
	}
	c.mu.Lock()
	c.replaceLocked(list, true)
	c.loaded = true
	c.mu.Unlock()

	names := lo.Map(list, func(ch Channel, _ int) string { return ch.Name })
	slog.Info("channel configurations loaded", slog.String("component", "channels"), slog.Int("count", len(names)))
	return names, nil
}

// Sync fetches all enabled channels and replaces the table with them like BulkLoad,
// except that channels already cached keep their request state. It is the catch-up
// path after missed events.
func (c *Cache) Sync(ctx context.Context) ([]Channel, error) {
	list, err := c.list(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync channels: %w", err)
	}
	c.mu.Lock()
	c.replaceLocked(list, false)
	c.mu.Unlock()
	return lo.Map(list, func(ch Channel, _ int) Channel { return ch.clone() }), nil
}

func (c *Cache) list(ctx context.Context) ([]Channel, error) {
	list, err := c.source.ListChannels(ctx, true)
	if err != nil {
		return nil, err
	}
	if c.SingleChannel && len(list) > 1 {
		list = list[:1]
	}
	return list, nil
}

// replaceLocked swaps the table for list. Dropped entries have their safety timers
// stopped; fresh also resets the entries that stay.
func (c *Cache) replaceLocked(list []Channel, fresh bool) {
	keep := lo.SliceToMap(list, func(ch Channel) (string, bool) { return ch.ID, true })
	for id, e := range c.byID {
		if !keep[id] {
			e.reset()
			delete(c.byID, id)
		}
	}
	c.byName = make(map[string]string, len(list))
	for _, ch := range list {
		c.storeLocked(ch, fresh)
	}
	c.updateGaugeLocked()
}

// Refresh re-fetches one channel and replaces its entry, resetting request state.
// This is the path for explicit refreshes and "added" events.
func (c *Cache) Refresh(ctx context.Context, id string) (Channel, error) {
	ch, err := c.source.GetChannel(ctx, id)
	if err != nil {
		return Channel{}, err
	}
	c.mu.Lock()
	c.storeLocked(ch, true)
	c.updateGaugeLocked()
	c.mu.Unlock()
	return ch.clone(), nil
}

// ApplyUpdate re-fetches one channel and replaces its static fields while keeping
// request state, so an update arriving mid-request cannot open the gate early.
func (c *Cache) ApplyUpdate(ctx context.Context, id string) (Channel, error) {
	ch, err := c.source.GetChannel(ctx, id)
	if err != nil {
		return Channel{}, err
	}
	c.mu.Lock()
	c.storeLocked(ch, false)
	c.updateGaugeLocked()
	c.mu.Unlock()
	return ch.clone(), nil
}

// Apply stores a channel record obtained elsewhere (a mutation result) and keeps
// request state, like ApplyUpdate.
func (c *Cache) Apply(ch Channel) Channel {
	c.mu.Lock()
	c.storeLocked(ch, false)
	c.updateGaugeLocked()
	c.mu.Unlock()
	return ch.clone()
}

// Remove drops a channel and returns the removed configuration.
func (c *Cache) Remove(id string) (Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byID[id]
	if !ok {
		slog.Warn("remove of unknown channel", slog.String("component", "channels"), slog.String("id", id))
		return Channel{}, false
	}
	e.reset()
	delete(c.byID, id)
	if c.byName[e.ch.Name] == id {
		delete(c.byName, e.ch.Name)
	}
	c.updateGaugeLocked()
	return e.ch.clone(), true
}

func (c *Cache) storeLocked(ch Channel, fresh bool) {
	ch = ch.clone()
	e, ok := c.byID[ch.ID]
	if !ok {
		e = &entry{}
		c.byID[ch.ID] = e
	} else if e.ch.Name != ch.Name && c.byName[e.ch.Name] == ch.ID {
		delete(c.byName, e.ch.Name)
	}
	if fresh {
		e.reset()
		// invalidate tickets issued before the fresh load
		c.tickets++
		e.ticket = c.tickets
	}
	e.ch = ch
	if holder, ok := c.byName[ch.Name]; ok && holder != ch.ID {
		// the newest record wins the name; the other id stays reachable by Get
		// until its own update renames it
		telemetry.Report(context.Background(), "channels",
			fmt.Errorf("%w: %s moves from id %s to id %s", ErrNameConflict, ch.Name, holder, ch.ID))
	}
	c.byName[ch.Name] = ch.ID
}

func (c *Cache) updateGaugeLocked() {
	telemetry.SetGauge(telemetry.CachedChannels, len(c.byID))
}

// Lookup finds a channel by (case-insensitive) name.
func (c *Cache) Lookup(name string) (Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byName[NormalizeName(name)]
	if !ok {
		return Channel{}, false
	}
	return c.byID[id].ch.clone(), true
}

// Get finds a channel by id.
func (c *Cache) Get(id string) (Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byID[id]
	if !ok {
		return Channel{}, false
	}
	return e.ch.clone(), true
}

// Names returns the sorted names of all cached channels.
func (c *Cache) Names() []string {
	c.mu.Lock()
	names := lo.Keys(c.byName)
	c.mu.Unlock()
	sort.Strings(names)
	return names
}

// Loaded reports whether a BulkLoad has succeeded.
func (c *Cache) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

// Len returns the number of cached channels.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}

// State returns the request state and notice flag for a channel.
func (c *Cache) State(id string) (RequestState, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byID[id]
	if !ok {
		return StateIdle, false, false
	}
	return e.state, e.noticeSent, true
}

// Pending reports whether an identification is in flight for the channel.
func (c *Cache) Pending(id string) bool {
	st, _, _ := c.State(id)
	return st == StatePending
}

// BeginRequest moves an idle channel to Pending and arms a safety timer that returns
// it to Idle after safety even if FinishRequest never runs. onReset (optional) is
// called when the timer actually cleared the state. ok is false if the channel is
// unknown or already pending.
func (c *Cache) BeginRequest(id string, safety time.Duration, onReset func()) (Ticket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byID[id]
	if !ok || e.state == StatePending {
		return 0, false
	}
	c.tickets++
	t := c.tickets
	e.ticket = t
	e.state = StatePending
	telemetry.AddGauge(telemetry.PendingRequests, 1)
	e.safety = time.AfterFunc(safety, func() {
		if c.finish(id, t) {
			telemetry.Inc(telemetry.SafetyResets)
			slog.Warn("safety reset cleared pending request", slog.String("component", "channels"), slog.String("id", id))
			if onReset != nil {
				onReset()
			}
		}
	})
	return t, true
}

// FinishRequest returns the channel to Idle and clears the notice flag if ticket is
// still current. It reports whether anything changed.
func (c *Cache) FinishRequest(id string, t Ticket) bool {
	return c.finish(id, t)
}

func (c *Cache) finish(id string, t Ticket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byID[id]
	if !ok || e.ticket != t || e.state != StatePending {
		return false
	}
	e.reset()
	return true
}

// MarkNoticeSent sets the cooldown-notice flag. It returns false if the flag was
// already set (or the channel is unknown), in which case no notice should be sent.
func (c *Cache) MarkNoticeSent(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byID[id]
	if !ok || e.noticeSent {
		return false
	}
	e.noticeSent = true
	return true
}

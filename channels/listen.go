package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/onnwee/songid/remote"
	"github.com/onnwee/songid/telemetry"
)

// Subscriber registers GraphQL subscriptions and reconnect hooks; *remote.Feed
// satisfies it.
type Subscriber interface {
	Subscribe(name, query string, h remote.Handler)
	OnReconnect(name string, h remote.Handler)
}

const (
	channelAddedSubscription   = `subscription ChannelAdded { channelAdded { id } }`
	channelUpdatedSubscription = `subscription ChannelUpdated { channelUpdated { id } }`
	channelDeletedSubscription = `subscription ChannelDeleted { channelDeleted { id channelName } }`
)

type channelEvent struct {
	ID          string `json:"id"`
	ChannelName string `json:"channelName"`
}

func decodeEvent(data json.RawMessage, field string) (channelEvent, error) {
	var m map[string]*channelEvent
	if err := json.Unmarshal(data, &m); err != nil {
		return channelEvent{}, fmt.Errorf("decode %s: %w", field, err)
	}
	ev := m[field]
	if ev == nil || ev.ID == "" {
		return channelEvent{}, fmt.Errorf("decode %s: missing id", field)
	}
	return *ev, nil
}

// Listen registers the added, updated and deleted handlers on sub, plus a resync
// after every reconnect. Each handler is independent; an error in one event is
// returned to the feed for reporting and the subscription keeps running.
func Listen(sub Subscriber, cache *Cache, rec *Reconciler) {
	sub.Subscribe("channelAdded", channelAddedSubscription, func(ctx context.Context, data json.RawMessage) error {
		return HandleAdded(ctx, data, cache, rec)
	})
	sub.Subscribe("channelUpdated", channelUpdatedSubscription, func(ctx context.Context, data json.RawMessage) error {
		return HandleUpdated(ctx, data, cache, rec)
	})
	sub.Subscribe("channelDeleted", channelDeletedSubscription, func(ctx context.Context, data json.RawMessage) error {
		return HandleDeleted(ctx, data, cache, rec)
	})
	// events sent while the feed was down are gone; re-read the whole list
	sub.OnReconnect("channelResync", func(ctx context.Context, _ json.RawMessage) error {
		return rec.Resync(ctx)
	})
}

// HandleAdded applies a "channelAdded" event.
func HandleAdded(ctx context.Context, data json.RawMessage, cache *Cache, rec *Reconciler) error {
	ev, err := decodeEvent(data, "channelAdded")
	if err != nil {
		return err
	}
	telemetry.IncVec(telemetry.ChannelEvents, "added")
	ch, err := cache.Refresh(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("channel added %s: %w", ev.ID, err)
	}
	telemetry.LoggerWithCorr(ctx).Info("channel added",
		slog.String("component", "channels"), slog.String("id", ch.ID), slog.String("channel", ch.Name), slog.Bool("enabled", ch.Enabled))
	rec.Apply(ctx, ch)
	return nil
}

// HandleUpdated applies a "channelUpdated" event. A renamed channel leaves its old name.
func HandleUpdated(ctx context.Context, data json.RawMessage, cache *Cache, rec *Reconciler) error {
	ev, err := decodeEvent(data, "channelUpdated")
	if err != nil {
		return err
	}
	telemetry.IncVec(telemetry.ChannelEvents, "updated")
	prev, hadPrev := cache.Get(ev.ID)
	ch, err := cache.ApplyUpdate(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("channel updated %s: %w", ev.ID, err)
	}
	telemetry.LoggerWithCorr(ctx).Info("channel updated",
		slog.String("component", "channels"), slog.String("id", ch.ID), slog.String("channel", ch.Name), slog.Bool("enabled", ch.Enabled))
	if hadPrev && prev.Name != ch.Name {
		rec.Leave(prev.Name)
	}
	rec.Apply(ctx, ch)
	return nil
}

// HandleDeleted applies a "channelDeleted" event and always issues a leave.
func HandleDeleted(ctx context.Context, data json.RawMessage, cache *Cache, rec *Reconciler) error {
	ev, err := decodeEvent(data, "channelDeleted")
	if err != nil {
		return err
	}
	telemetry.IncVec(telemetry.ChannelEvents, "deleted")
	name := NormalizeName(ev.ChannelName)
	if ch, ok := cache.Remove(ev.ID); ok {
		name = ch.Name
	}
	if name == "" {
		return fmt.Errorf("channel deleted %s: %w", ev.ID, ErrNotFound)
	}
	telemetry.LoggerWithCorr(ctx).Info("channel deleted",
		slog.String("component", "channels"), slog.String("id", ev.ID), slog.String("channel", name))
	rec.Leave(name)
	return nil
}

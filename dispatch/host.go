package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/samber/lo"

	"github.com/onnwee/songid/channels"
	"github.com/onnwee/songid/chat"
	"github.com/onnwee/songid/composer"
	"github.com/onnwee/songid/telemetry"
)

// handleHost serves the bot's own channel: "!song <channel>" and its aliases.
// Anything else gets the info reply.
func (d *Dispatcher) handleHost(ctx context.Context, msg chat.Message) {
	fields := strings.Fields(msg.Text)
	if len(fields) == 0 {
		return
	}
	cmd := strings.ToLower(fields[0])
	if !lo.Contains(d.cfg.HostCommands, cmd) {
		d.say(ctx, d.cfg.BotName, composer.HostInfo(d.cfg.BotName, d.cfg.HostCommands), true)
		return
	}
	if len(fields) < 2 || channels.NormalizeName(fields[1]) == "" {
		d.say(ctx, d.cfg.BotName, composer.HostUsage(cmd), true)
		return
	}
	target := channels.NormalizeName(fields[1])
	requester := msg.DisplayNameOrUser()
	d.goAsync(func() { d.HostIdentify(ctx, target, requester, msg.Text) })
}

// HostIdentify identifies the song in target on behalf of a viewer in the bot's
// channel. A configured target is gated by its own request state; any other
// target by a local pending set.
func (d *Dispatcher) HostIdentify(ctx context.Context, target, requester, message string) {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "dispatch_host"), slog.String("channel", target))

	if d.cfg.Live != nil {
		live, err := d.cfg.Live.IsLive(ctx, target)
		switch {
		case err != nil:
			telemetry.Report(ctx, "dispatch_host", fmt.Errorf("live check: %w", err), slog.String("channel", target))
		case !live:
			telemetry.IncVec(telemetry.RequestsSuppressed, "offline")
			d.say(ctx, d.cfg.BotName, composer.HostOffline(target), true)
			return
		}
	}

	release, ok := d.beginHost(target)
	if !ok {
		telemetry.IncVec(telemetry.RequestsSuppressed, "pending")
		log.Debug("identification already in progress")
		return
	}
	telemetry.Inc(telemetry.IdentificationsStarted)
	log.Info("identifying for host channel", slog.String("requester", requester))
	id, err := d.cfg.Identifier.Identify(ctx, target, requester, message)
	release()

	var reply string
	switch {
	case err != nil:
		telemetry.Inc(telemetry.IdentificationsFailed)
		telemetry.Report(ctx, "dispatch_host", err, slog.String("channel", target))
		reply = composer.HostNoResult(target)
	case len(id.Songs) == 0:
		telemetry.Inc(telemetry.IdentificationsEmpty)
		reply = composer.HostNoResult(target)
	default:
		telemetry.Inc(telemetry.IdentificationsFound)
		reply = composer.HostSuccess(target, id)
	}
	d.say(ctx, d.cfg.BotName, reply, true)
}

// beginHost claims the pending slot for target and returns its release func.
func (d *Dispatcher) beginHost(target string) (func(), bool) {
	if ch, ok := d.cfg.Cache.Lookup(target); ok {
		ticket, ok := d.cfg.Cache.BeginRequest(ch.ID, d.cfg.SafetyReset, nil)
		if !ok {
			return nil, false
		}
		return func() { d.cfg.Cache.FinishRequest(ch.ID, ticket) }, true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hostPending[target] {
		return nil, false
	}
	d.hostPending[target] = true
	return func() {
		d.mu.Lock()
		delete(d.hostPending, target)
		d.mu.Unlock()
	}, true
}

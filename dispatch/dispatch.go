// Package dispatch turns chat messages into identification requests.
//
// Each configured channel is gated by its request state in the channel cache: at
// most one identification in flight, and at most one cooldown notice per cooldown
// window. Messages in the bot's own channel form a second command surface where
// viewers ask about any live channel with "!song <channel>".
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/onnwee/songid/channels"
	"github.com/onnwee/songid/chat"
	"github.com/onnwee/songid/composer"
	"github.com/onnwee/songid/identify"
	"github.com/onnwee/songid/telemetry"
)

// Identifier is the identification service.
type Identifier interface {
	Identify(ctx context.Context, channel, requester, message string) (identify.Identification, error)
	Latest(ctx context.Context, channelID string) (*identify.Identification, error)
}

// Sender posts a reply to a joined channel.
type Sender interface {
	Send(channel, text string, action bool) error
}

// LiveChecker reports whether a channel is streaming.
type LiveChecker interface {
	IsLive(ctx context.Context, login string) (bool, error)
}

// MentionRecorder stores messages that mention the bot.
type MentionRecorder interface {
	RecordMention(ctx context.Context, channel, sender, message string, at time.Time) error
}

// Disabler marks a channel disabled remotely; *channels.Reconciler satisfies it.
type Disabler interface {
	Disable(ctx context.Context, name, reason string) error
}

// Config wires a Dispatcher. Live and Mentions are optional.
type Config struct {
	Cache      *channels.Cache
	Identifier Identifier
	Disabler   Disabler
	Live       LiveChecker
	Mentions   MentionRecorder

	BotName         string
	HostCommands    []string
	MentionTriggers []string
	SafetyReset     time.Duration
}

// Dispatcher implements chat.Handler.
type Dispatcher struct {
	cfg    Config
	sender Sender
	now    func() time.Time

	mu          sync.Mutex
	hostPending map[string]bool

	wg sync.WaitGroup
}

var _ chat.Handler = (*Dispatcher)(nil)

// New returns a Dispatcher. SetSender must be called before messages arrive.
func New(cfg Config) *Dispatcher {
	if cfg.SafetyReset <= 0 {
		cfg.SafetyReset = 10 * time.Second
	}
	cfg.BotName = channels.NormalizeName(cfg.BotName)
	return &Dispatcher{
		cfg:         cfg,
		now:         time.Now,
		hostPending: make(map[string]bool),
	}
}

// SetSender sets the transport replies go out on. The chat client needs the
// dispatcher at construction, so this is set afterwards.
func (d *Dispatcher) SetSender(s Sender) { d.sender = s }

// SetDisabler sets the target for ban-triggered disables; the reconciler is built
// after the chat client, so it arrives late like the sender.
func (d *Dispatcher) SetDisabler(dis Disabler) { d.cfg.Disabler = dis }

// Wait blocks until every in-flight request has finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) goAsync(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

// HandleMessage routes one chat line. Blocking work runs on its own goroutine so
// the chat reader is never held up.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg chat.Message) {
	if channels.NormalizeName(msg.User) == d.cfg.BotName {
		return
	}
	corr := msg.ID
	if corr == "" {
		corr = uuid.NewString()
	}
	ctx = telemetry.WithCorrelation(ctx, corr)
	lower := strings.ToLower(msg.Text)

	if d.cfg.Mentions != nil && lo.ContainsBy(d.cfg.MentionTriggers, func(t string) bool {
		return t != "" && strings.Contains(lower, t)
	}) {
		d.goAsync(func() { d.recordMention(ctx, msg) })
	}

	if channels.NormalizeName(msg.Channel) == d.cfg.BotName {
		d.handleHost(ctx, msg)
		return
	}

	ch, ok := d.cfg.Cache.Lookup(msg.Channel)
	if !ok {
		telemetry.Report(ctx, "dispatch", fmt.Errorf("message from %s: %w", msg.Channel, channels.ErrNotFound),
			slog.String("channel", msg.Channel))
		return
	}
	if ch.Ignores(msg.User) {
		telemetry.LoggerWithCorr(ctx).Debug("ignoring message", slog.String("component", "dispatch"),
			slog.String("channel", ch.Name), slog.String("user", msg.User))
		return
	}
	if !ch.Enabled || !ch.MatchesTrigger(msg.Text) {
		return
	}
	telemetry.Inc(telemetry.TriggersReceived)
	d.goAsync(func() { d.HandleTrigger(ctx, ch, msg.DisplayNameOrUser(), msg.Text) })
}

func (d *Dispatcher) recordMention(ctx context.Context, msg chat.Message) {
	if err := d.cfg.Mentions.RecordMention(ctx, msg.Channel, msg.User, msg.Text, msg.SentAt); err != nil {
		telemetry.Report(ctx, "mentions", err, slog.String("channel", msg.Channel))
	}
}

// HandleTrigger runs the request gate for one triggering message and sends the
// resulting reply, if any.
func (d *Dispatcher) HandleTrigger(ctx context.Context, ch channels.Channel, requester, message string) {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "dispatch"), slog.String("channel", ch.Name))

	if d.cfg.Cache.Pending(ch.ID) {
		telemetry.IncVec(telemetry.RequestsSuppressed, "pending")
		log.Debug("identification already in progress")
		return
	}

	if d.cfg.Live != nil {
		live, err := d.cfg.Live.IsLive(ctx, ch.Name)
		switch {
		case err != nil:
			telemetry.Report(ctx, "dispatch", fmt.Errorf("live check: %w", err), slog.String("channel", ch.Name))
		case !live:
			telemetry.IncVec(telemetry.RequestsSuppressed, "offline")
			d.send(ctx, ch, composer.HostOffline(ch.Name))
			return
		}
	}

	latest, err := d.cfg.Identifier.Latest(ctx, ch.ID)
	if err != nil {
		// no cooldown information; treat as no prior identification
		telemetry.Report(ctx, "dispatch", err, slog.String("channel", ch.Name))
		latest = nil
	}
	now := d.now()
	since := 0
	if latest != nil {
		since = latest.SecondsSince(now)
	}

	if since > 0 && since < ch.CooldownSeconds {
		remaining := ch.CooldownSeconds - since
		if !d.cfg.Cache.MarkNoticeSent(ch.ID) {
			telemetry.IncVec(telemetry.RequestsSuppressed, "notice_sent")
			log.Debug("cooldown notice already sent", slog.Int("remaining", remaining))
			return
		}
		telemetry.Inc(telemetry.CooldownNotices)
		log.Info("channel on cooldown", slog.Int("remaining", remaining))
		d.send(ctx, ch, composer.Cooldown(ch, requester, remaining, latest, now))
		return
	}

	ticket, ok := d.cfg.Cache.BeginRequest(ch.ID, d.cfg.SafetyReset, nil)
	if !ok {
		telemetry.IncVec(telemetry.RequestsSuppressed, "pending")
		return
	}
	telemetry.Inc(telemetry.IdentificationsStarted)
	log.Info("identifying", slog.String("requester", requester))

	id, err := d.cfg.Identifier.Identify(ctx, ch.Name, requester, message)
	d.cfg.Cache.FinishRequest(ch.ID, ticket)

	// compose with the newest configuration; the channel may have changed meanwhile
	if cur, ok := d.cfg.Cache.Get(ch.ID); ok {
		ch = cur
	}
	var reply string
	switch {
	case err != nil:
		telemetry.Inc(telemetry.IdentificationsFailed)
		telemetry.Report(ctx, "dispatch", err, slog.String("channel", ch.Name))
		reply = composer.Failure(ch, requester, composer.GenericError)
	case len(id.Songs) == 0:
		telemetry.Inc(telemetry.IdentificationsEmpty)
		log.Info("no result")
		reply = composer.Failure(ch, requester, composer.NoResult)
	default:
		telemetry.Inc(telemetry.IdentificationsFound)
		log.Info("identified", slog.Int("songs", len(id.Songs)))
		reply = composer.Success(ch, requester, id)
	}
	d.send(ctx, ch, reply)
}

// send is best effort: a channel left while the request was in flight just drops the reply.
func (d *Dispatcher) send(ctx context.Context, ch channels.Channel, text string) {
	d.say(ctx, ch.Name, text, ch.UseAction)
}

func (d *Dispatcher) say(ctx context.Context, channel, text string, action bool) {
	if text == "" || d.sender == nil {
		return
	}
	if err := d.sender.Send(channel, text, action); err != nil {
		if errors.Is(err, chat.ErrNotJoined) {
			telemetry.LoggerWithCorr(ctx).Debug("reply dropped, channel not joined",
				slog.String("component", "dispatch"), slog.String("channel", channel))
			return
		}
		telemetry.Report(ctx, "dispatch", err, slog.String("channel", channel))
	}
}

// HandleBanned disables a channel the bot was banned from.
func (d *Dispatcher) HandleBanned(ctx context.Context, channel, user string) {
	if channels.NormalizeName(user) != d.cfg.BotName || d.cfg.Disabler == nil {
		return
	}
	slog.Warn("bot banned from channel", slog.String("component", "dispatch"), slog.String("channel", channel))
	if err := d.cfg.Disabler.Disable(ctx, channel, "banned"); err != nil {
		telemetry.Report(ctx, "dispatch", fmt.Errorf("disable banned channel: %w", err), slog.String("channel", channel))
	}
}

// HandleRateLimited logs a rejected message; the chat client counts it.
func (d *Dispatcher) HandleRateLimited(ctx context.Context, channel string) {
	telemetry.LoggerWithCorr(ctx).Error("rate limited", slog.String("component", "dispatch"), slog.String("channel", channel))
}

// HandleDisconnected logs the drop; the IRC client reconnects on its own.
func (d *Dispatcher) HandleDisconnected(ctx context.Context, reason error) {
	telemetry.LoggerWithCorr(ctx).Warn("chat disconnected", slog.String("component", "dispatch"), slog.Any("reason", reason))
}

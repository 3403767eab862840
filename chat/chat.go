package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/songid/telemetry"
)

var (
	// ErrBanned is wrapped by join errors caused by a ban or suspension.
	ErrBanned = errors.New("banned from channel")
	// ErrJoinTimeout is returned when no join confirmation arrives in time.
	ErrJoinTimeout = errors.New("join timed out")
	// ErrNotJoined is returned by Send for a channel the bot is not in.
	ErrNotJoined = errors.New("not joined to channel")
)

// maxMessageLength is Twitch's PRIVMSG limit in characters.
const maxMessageLength = 500

// JoinError reports a join rejected by the server.
type JoinError struct {
	Channel string
	Reason  string // NOTICE msg-id
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join %s rejected: %s", e.Channel, e.Reason)
}

func (e *JoinError) Unwrap() error { return ErrBanned }

// Banned reports whether the rejection was a ban or suspension.
func (e *JoinError) Banned() bool { return true }

// Handler receives chat events.
type Handler interface {
	HandleMessage(ctx context.Context, msg Message)
	HandleBanned(ctx context.Context, channel, user string)
	HandleRateLimited(ctx context.Context, channel string)
	HandleDisconnected(ctx context.Context, reason error)
}

// ircConn is the subset of *twitch.Client used here.
type ircConn interface {
	Join(channels ...string)
	Depart(channel string)
	Say(channel, text string)
	SetIRCToken(token string)
	Connect() error
	Disconnect() error
}

// Client wraps go-twitch-irc with confirmed joins and a tracked joined set.
type Client struct {
	irc         ircConn
	username    string
	handler     Handler
	joinTimeout time.Duration

	mu      sync.Mutex
	joined  map[string]struct{}
	waiters map[string][]chan error
	baseCtx context.Context

	readyOnce sync.Once
	ready     chan struct{}
	connected bool
}

// Options configures a Client.
type Options struct {
	JoinTimeout time.Duration
	// Verified raises the join rate limit for verified bots.
	Verified bool
}

// NewClient creates the IRC client and registers its callbacks. Events are delivered to
// handler, which must be set before Run.
func NewClient(username, token string, handler Handler, opts Options) *Client {
	irc := twitch.NewClient(username, formatToken(token))
	if opts.Verified {
		irc.SetJoinRateLimiter(twitch.CreateVerifiedRateLimiter())
	}
	c := newClient(irc, username, handler, opts)

	irc.OnConnect(c.handleConnect)
	irc.OnPrivateMessage(func(m twitch.PrivateMessage) {
		c.handler.HandleMessage(c.context(), toMessage(m))
	})
	irc.OnSelfJoinMessage(func(m twitch.UserJoinMessage) { c.handleSelfJoin(m.Channel) })
	irc.OnSelfPartMessage(func(m twitch.UserPartMessage) { c.handleSelfPart(m.Channel) })
	irc.OnNoticeMessage(func(m twitch.NoticeMessage) { c.handleNotice(m.Channel, m.MsgID, m.Message) })
	irc.OnClearChatMessage(func(m twitch.ClearChatMessage) {
		c.handleClearChat(m.Channel, m.TargetUsername, m.BanDuration)
	})
	irc.OnReconnectMessage(func(m twitch.ReconnectMessage) {
		slog.Info("twitch chat: server requested reconnect", slog.String("component", "chat"))
	})
	return c
}

func newClient(irc ircConn, username string, handler Handler, opts Options) *Client {
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 10 * time.Second
	}
	return &Client{
		irc:         irc,
		username:    strings.ToLower(username),
		handler:     handler,
		joinTimeout: opts.JoinTimeout,
		joined:      make(map[string]struct{}),
		waiters:     make(map[string][]chan error),
		ready:       make(chan struct{}),
	}
}

// formatToken accepts tokens with or without the "oauth:" prefix.
func formatToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" || strings.HasPrefix(token, "oauth:") {
		return token
	}
	return "oauth:" + token
}

// Run connects and blocks until ctx is cancelled or the connection fails for good.
// go-twitch-irc reconnects on its own after transient drops.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	c.baseCtx = ctx
	c.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.irc.Connect()
	}()

	select {
	case <-ctx.Done():
		_ = c.irc.Disconnect()
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		if err != nil && !errors.Is(err, twitch.ErrClientDisconnected) {
			c.handler.HandleDisconnected(ctx, err)
		}
		return err
	}
}

// Ready is closed after the first successful connection.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// Connected reports whether the IRC connection is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SetToken replaces the IRC password used on the next (re)connect.
func (c *Client) SetToken(token string) {
	c.irc.SetIRCToken(formatToken(token))
}

// Join joins channel and waits for the server's confirmation, a rejection notice,
// JoinTimeout or ctx, whichever comes first. Before the first connection it waits
// for Ready; JoinTimeout starts counting once connected.
func (c *Client) Join(ctx context.Context, channel string) error {
	channel = normalizeChannel(channel)
	select {
	case <-c.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	if _, ok := c.joined[channel]; ok {
		c.mu.Unlock()
		return nil
	}
	w := make(chan error, 1)
	c.waiters[channel] = append(c.waiters[channel], w)
	c.mu.Unlock()

	c.irc.Join(channel)

	timer := time.NewTimer(c.joinTimeout)
	defer timer.Stop()
	select {
	case err := <-w:
		return err
	case <-timer.C:
		c.abandonJoin(channel, w)
		return fmt.Errorf("join %s: %w", channel, ErrJoinTimeout)
	case <-ctx.Done():
		c.abandonJoin(channel, w)
		return ctx.Err()
	}
}

// abandonJoin drops a waiter and departs so the library does not keep rejoining.
func (c *Client) abandonJoin(channel string, w chan error) {
	c.mu.Lock()
	ws := c.waiters[channel]
	for i, x := range ws {
		if x == w {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(c.waiters, channel)
	} else {
		c.waiters[channel] = ws
	}
	_, joined := c.joined[channel]
	c.mu.Unlock()
	if !joined {
		c.irc.Depart(channel)
	}
}

// Leave departs channel. It does not wait for confirmation.
func (c *Client) Leave(channel string) {
	channel = normalizeChannel(channel)
	c.mu.Lock()
	delete(c.joined, channel)
	c.mu.Unlock()
	c.irc.Depart(channel)
}

// Send says text in channel, as an action (/me) if action is set.
func (c *Client) Send(channel, text string, action bool) error {
	channel = normalizeChannel(channel)
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	c.mu.Lock()
	_, ok := c.joined[channel]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("send to %s: %w", channel, ErrNotJoined)
	}
	c.irc.Say(channel, formatMessage(text, action))
	return nil
}

func formatMessage(text string, action bool) string {
	if action {
		text = "/me " + text
	}
	if utf8.RuneCountInString(text) <= maxMessageLength {
		return text
	}
	r := []rune(text)
	return string(r[:maxMessageLength-1]) + "…"
}

// Joined returns the channels the server has confirmed.
func (c *Client) Joined() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.joined))
	for ch := range c.joined {
		out = append(out, ch)
	}
	return out
}

func (c *Client) handleConnect() {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })
	slog.Info("twitch chat: connected", slog.String("component", "chat"), slog.String("user", c.username))
}

func (c *Client) handleSelfJoin(channel string) {
	channel = normalizeChannel(channel)
	c.mu.Lock()
	c.joined[channel] = struct{}{}
	ws := c.waiters[channel]
	delete(c.waiters, channel)
	c.mu.Unlock()
	for _, w := range ws {
		w <- nil
	}
}

func (c *Client) handleSelfPart(channel string) {
	channel = normalizeChannel(channel)
	c.mu.Lock()
	delete(c.joined, channel)
	c.mu.Unlock()
}

// isBanNotice reports NOTICE ids that mean the bot cannot take part in a channel.
func isBanNotice(msgID string) bool {
	switch msgID {
	case "msg_banned", "msg_channel_suspended", "tos_ban", "msg_channel_blocked":
		return true
	}
	return false
}

func isRateLimitNotice(msgID string) bool {
	switch msgID {
	case "msg_ratelimit", "msg_duplicate", "msg_slowmode":
		return true
	}
	return false
}

func (c *Client) handleNotice(channel, msgID, message string) {
	channel = normalizeChannel(channel)
	log := slog.With(slog.String("component", "chat"), slog.String("channel", channel), slog.String("msg_id", msgID))
	switch {
	case isBanNotice(msgID):
		c.mu.Lock()
		ws := c.waiters[channel]
		delete(c.waiters, channel)
		delete(c.joined, channel)
		c.mu.Unlock()
		if len(ws) > 0 {
			err := &JoinError{Channel: channel, Reason: msgID}
			for _, w := range ws {
				w <- err
			}
			return
		}
		log.Warn("twitch chat: banned notice", slog.String("message", message))
		c.handler.HandleBanned(c.context(), channel, c.username)
	case isRateLimitNotice(msgID):
		telemetry.Inc(telemetry.RateLimited)
		c.handler.HandleRateLimited(c.context(), channel)
	default:
		log.Debug("twitch chat: notice", slog.String("message", message))
	}
}

// handleClearChat turns a permanent ban of the bot into a HandleBanned event.
func (c *Client) handleClearChat(channel, target string, banDuration int) {
	if !strings.EqualFold(target, c.username) || banDuration > 0 {
		return
	}
	channel = normalizeChannel(channel)
	c.mu.Lock()
	delete(c.joined, channel)
	c.mu.Unlock()
	c.handler.HandleBanned(c.context(), channel, c.username)
}

func (c *Client) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.baseCtx != nil {
		return c.baseCtx
	}
	return context.Background()
}

func normalizeChannel(ch string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ch), "#"))
}

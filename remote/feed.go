package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/onnwee/songid/telemetry"
)

// Handler applies one subscription payload (the GraphQL "data" object).
// A returned error is reported and never ends the subscription.
type Handler func(ctx context.Context, data json.RawMessage) error

type subscription struct {
	name    string
	query   string
	handler Handler
}

type event struct {
	sub  *subscription
	data json.RawMessage
}

// Feed keeps a graphql-transport-ws connection open, re-subscribing after reconnects.
// Events from all subscriptions are applied one at a time in delivery order.
type Feed struct {
	URL    string
	Secret string
	Dialer *websocket.Dialer
	// RetryDelay is the pause between connection attempts (default 5s).
	RetryDelay time.Duration

	mu    sync.Mutex
	subs  []*subscription
	hooks []*subscription

	// sessions counts acknowledged connections; only Run's goroutine touches it.
	sessions int
}

// protocol message types (graphql-transport-ws)
const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgPing           = "ping"
	msgPong           = "pong"
	msgSubscribe      = "subscribe"
	msgNext           = "next"
	msgError          = "error"
	msgComplete       = "complete"
)

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Subscribe registers a subscription. It must be called before Run.
func (f *Feed) Subscribe(name, query string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, &subscription{name: name, query: query, handler: h})
}

// OnReconnect registers h to run, in order with the events, after every
// acknowledged connection except the first. h receives nil data. It must be
// called before Run.
func (f *Feed) OnReconnect(name string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, &subscription{name: name, handler: h})
}

// Run connects and delivers events until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	events := make(chan event, 256)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.apply(ctx, events)
	}()
	defer func() {
		close(events)
		wg.Wait()
	}()

	delay := f.RetryDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	for {
		if err := f.connect(ctx, events); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("subscription feed disconnected", slog.String("component", "remote_feed"), slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (f *Feed) apply(ctx context.Context, events <-chan event) {
	for ev := range events {
		f.deliver(ctx, ev)
	}
}

func (f *Feed) deliver(ctx context.Context, ev event) {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	defer func() {
		if r := recover(); r != nil {
			telemetry.Report(ctx, "remote_feed", fmt.Errorf("panic in %s handler: %v", ev.sub.name, r))
		}
	}()
	if err := ev.sub.handler(ctx, ev.data); err != nil {
		telemetry.Report(ctx, "remote_feed", err, slog.String("subscription", ev.sub.name))
	}
}

func (f *Feed) connect(ctx context.Context, events chan<- event) error {
	dialer := f.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	header.Set("Sec-WebSocket-Protocol", "graphql-transport-ws")
	conn, _, err := dialer.DialContext(ctx, f.URL, header)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	// unblock ReadMessage on shutdown
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	initPayload, _ := json.Marshal(map[string]string{"Authorization": "Secret " + f.Secret})
	if err := conn.WriteJSON(wsMessage{Type: msgConnectionInit, Payload: initPayload}); err != nil {
		return err
	}
	var ack wsMessage
	if err := conn.ReadJSON(&ack); err != nil {
		return err
	}
	if ack.Type != msgConnectionAck {
		return fmt.Errorf("unexpected %q before connection_ack", ack.Type)
	}

	f.mu.Lock()
	subs := append([]*subscription(nil), f.subs...)
	hooks := append([]*subscription(nil), f.hooks...)
	f.mu.Unlock()
	byID := make(map[string]*subscription, len(subs))
	for _, s := range subs {
		id := uuid.NewString()
		byID[id] = s
		payload, _ := json.Marshal(gqlRequest{Query: s.query})
		if err := conn.WriteJSON(wsMessage{ID: id, Type: msgSubscribe, Payload: payload}); err != nil {
			return err
		}
	}
	slog.Info("subscription feed connected", slog.String("component", "remote_feed"),
		slog.Int("subscriptions", len(subs)), slog.Int("session", f.sessions+1))
	if f.sessions > 0 {
		for _, h := range hooks {
			select {
			case events <- event{sub: h}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	f.sessions++

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		switch msg.Type {
		case msgPing:
			if err := conn.WriteJSON(wsMessage{Type: msgPong}); err != nil {
				return err
			}
		case msgNext:
			s, ok := byID[msg.ID]
			if !ok {
				continue
			}
			var gr gqlResponse
			if err := json.Unmarshal(msg.Payload, &gr); err != nil {
				telemetry.Report(ctx, "remote_feed", fmt.Errorf("decode %s payload: %w", s.name, err))
				continue
			}
			if len(gr.Errors) > 0 {
				telemetry.Report(ctx, "remote_feed", fmt.Errorf("%w: %s: %s", ErrGraphQL, s.name, gr.Errors[0].Message))
				continue
			}
			select {
			case events <- event{sub: s, data: gr.Data}:
			case <-ctx.Done():
				return ctx.Err()
			}
		case msgError:
			name := msg.ID
			if s, ok := byID[msg.ID]; ok {
				name = s.name
			}
			telemetry.Report(ctx, "remote_feed", fmt.Errorf("%w: subscription %s rejected: %s", ErrGraphQL, name, string(msg.Payload)))
		case msgComplete:
			if s, ok := byID[msg.ID]; ok {
				return errors.New("server completed subscription " + s.name)
			}
		}
	}
}

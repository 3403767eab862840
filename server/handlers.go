package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/samber/lo"

	"github.com/onnwee/songid/channels"
	"github.com/onnwee/songid/telemetry"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps Deps
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}

// ChannelView is the JSON shape of one cached channel.
type ChannelView struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Enabled         bool     `json:"enabled"`
	Connected       bool     `json:"connected"`
	State           string   `json:"state"`
	NoticeSent      bool     `json:"cooldownNoticeSent"`
	CooldownSeconds int      `json:"cooldownSeconds"`
	Triggers        []string `json:"triggers"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", slog.Any("err", err), slog.String("component", "http"))
	}
}

// HandleHealthz is the liveness probe. It only proves the process serves HTTP.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports ready once the channel list is loaded, chat is connected
// and, if configured, the database answers.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"channels", func() error {
			if h.deps.Cache == nil || !h.deps.Cache.Loaded() {
				return errors.New("channel configurations not loaded")
			}
			return nil
		}},
		{"chat", func() error {
			if h.deps.Chat == nil || !h.deps.Chat.Connected() {
				return errors.New("chat not connected")
			}
			return nil
		}},
		{"database", func() error {
			if h.deps.DB == nil {
				return nil
			}
			return h.deps.DB.PingContext(r.Context())
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"channels":  h.deps.Cache.Len(),
		"connected": h.connectedCount(),
	})
}

func (h *Handlers) connectedCount() int {
	if h.deps.Membership == nil {
		return 0
	}
	return h.deps.Membership.Count()
}

func (h *Handlers) view(ch channels.Channel) ChannelView {
	st, notice, _ := h.deps.Cache.State(ch.ID)
	v := ChannelView{
		ID:              ch.ID,
		Name:            ch.Name,
		Enabled:         ch.Enabled,
		State:           st.String(),
		NoticeSent:      notice,
		CooldownSeconds: ch.CooldownSeconds,
		Triggers:        ch.Triggers,
	}
	if h.deps.Membership != nil {
		v.Connected = h.deps.Membership.IsConnected(ch.Name)
	}
	return v
}

// HandleChannels lists every cached channel with its runtime state.
func (h *Handlers) HandleChannels(w http.ResponseWriter, _ *http.Request) {
	views := lo.FilterMap(h.deps.Cache.Names(), func(name string, _ int) (ChannelView, bool) {
		ch, ok := h.deps.Cache.Lookup(name)
		if !ok {
			return ChannelView{}, false
		}
		return h.view(ch), true
	})
	writeJSON(w, http.StatusOK, views)
}

// HandleRefresh re-fetches one channel, resets its request state and reconciles
// membership.
func (h *Handlers) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "missing channel id", http.StatusBadRequest)
		return
	}
	ch, err := h.deps.Cache.Refresh(r.Context(), id)
	if errors.Is(err, channels.ErrNotFound) {
		http.Error(w, "channel not found", http.StatusNotFound)
		return
	}
	if err != nil {
		telemetry.Report(r.Context(), "http", fmt.Errorf("refresh channel: %w", err), slog.String("id", id))
		http.Error(w, "refresh failed", http.StatusBadGateway)
		return
	}
	if h.deps.Membership != nil {
		h.deps.Membership.Reconcile(r.Context(), ch)
	}
	writeJSON(w, http.StatusOK, h.view(ch))
}

// HandleMentions returns recent mentions, optionally filtered by ?channel= and
// capped by ?limit=.
func (h *Handlers) HandleMentions(w http.ResponseWriter, r *http.Request) {
	if h.deps.Mentions == nil {
		http.Error(w, "mention log not configured", http.StatusNotFound)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	channel := channels.NormalizeName(r.URL.Query().Get("channel"))
	list, err := h.deps.Mentions.RecentMentions(r.Context(), channel, limit)
	if err != nil {
		telemetry.Report(r.Context(), "http", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

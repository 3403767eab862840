package channels

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// Source is the remote configuration service.
type Source interface {
	GetChannel(ctx context.Context, id string) (Channel, error)
	ListChannels(ctx context.Context, enabled bool) ([]Channel, error)
	SetEnabled(ctx context.Context, id string, enabled bool, reason string) (Channel, error)
}

// Querier runs one GraphQL operation; *remote.Client satisfies it.
type Querier interface {
	Do(ctx context.Context, query string, vars map[string]any, out any) error
}

const channelFields = `
	id
	channelName
	active
	cooldown
	useAction
	enableLinks
	messageTemplates { type template }
	triggers { keyword enabled deleted }
	ignoredUsers
`

var (
	channelQuery  = `query Channel($id: ID!) { channel(id: $id) {` + channelFields + `} }`
	channelsQuery = `query Channels($active: Boolean!) { channels(active: $active) {` + channelFields + `} }`
	updateChannel = `mutation UpdateChannel($id: ID!, $active: Boolean!, $reason: String) {
	updateChannel(channel: { id: $id, active: $active, reason: $reason }) {` + channelFields + `} }`
)

type templateRecord struct {
	Type     string `json:"type"`
	Template string `json:"template"`
}

type triggerRecord struct {
	Keyword string `json:"keyword"`
	Enabled bool   `json:"enabled"`
	Deleted bool   `json:"deleted"`
}

// channelRecord is the wire shape returned by the configuration API.
type channelRecord struct {
	ID               string           `json:"id"`
	ChannelName      string           `json:"channelName"`
	Active           bool             `json:"active"`
	Cooldown         int              `json:"cooldown"`
	UseAction        bool             `json:"useAction"`
	EnableLinks      bool             `json:"enableLinks"`
	MessageTemplates []templateRecord `json:"messageTemplates"`
	Triggers         []triggerRecord  `json:"triggers"`
	IgnoredUsers     []string         `json:"ignoredUsers"`
}

func (r channelRecord) toChannel() Channel {
	ch := Channel{
		ID:              r.ID,
		Name:            NormalizeName(r.ChannelName),
		Enabled:         r.Active,
		CooldownSeconds: r.Cooldown,
		UseAction:       r.UseAction,
		AllowLinks:      r.EnableLinks,
	}
	for _, t := range r.MessageTemplates {
		switch strings.ToUpper(t.Type) {
		case "SUCCESS":
			ch.Templates.Success = t.Template
		case "COOLDOWN":
			ch.Templates.Cooldown = t.Template
		case "COOLDOWN_WITH_ID", "COOLDOWN_WITH_RESULT":
			ch.Templates.CooldownWithResult = t.Template
		case "ERROR":
			ch.Templates.Error = t.Template
		}
	}
	ch.Triggers = lo.Uniq(lo.FilterMap(r.Triggers, func(t triggerRecord, _ int) (string, bool) {
		kw := strings.ToLower(strings.TrimSpace(t.Keyword))
		return kw, t.Enabled && !t.Deleted && kw != ""
	}))
	ch.IgnoredUsers = lo.Uniq(lo.FilterMap(r.IgnoredUsers, func(u string, _ int) (string, bool) {
		u = NormalizeName(u)
		return u, u != ""
	}))
	return ch
}

// GraphQLSource reads channel configuration from the GraphQL API.
type GraphQLSource struct {
	API Querier
}

func (s *GraphQLSource) GetChannel(ctx context.Context, id string) (Channel, error) {
	var out struct {
		Channel *channelRecord `json:"channel"`
	}
	if err := s.API.Do(ctx, channelQuery, map[string]any{"id": id}, &out); err != nil {
		return Channel{}, fmt.Errorf("get channel %s: %w", id, err)
	}
	if out.Channel == nil {
		return Channel{}, fmt.Errorf("get channel %s: %w", id, ErrNotFound)
	}
	return out.Channel.toChannel(), nil
}

func (s *GraphQLSource) ListChannels(ctx context.Context, enabled bool) ([]Channel, error) {
	var out struct {
		Channels []channelRecord `json:"channels"`
	}
	if err := s.API.Do(ctx, channelsQuery, map[string]any{"active": enabled}, &out); err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return lo.Map(out.Channels, func(r channelRecord, _ int) Channel { return r.toChannel() }), nil
}

func (s *GraphQLSource) SetEnabled(ctx context.Context, id string, enabled bool, reason string) (Channel, error) {
	vars := map[string]any{"id": id, "active": enabled}
	if reason != "" {
		vars["reason"] = reason
	}
	var out struct {
		UpdateChannel *channelRecord `json:"updateChannel"`
	}
	if err := s.API.Do(ctx, updateChannel, vars, &out); err != nil {
		return Channel{}, fmt.Errorf("set channel %s enabled=%t: %w", id, enabled, err)
	}
	if out.UpdateChannel == nil {
		return Channel{}, fmt.Errorf("set channel %s: %w", id, ErrNotFound)
	}
	return out.UpdateChannel.toChannel(), nil
}

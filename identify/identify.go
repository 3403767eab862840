// Package identify is the gateway to the identification service. It normalizes the
// service's song shapes and never returns a nil result: failures come back as an
// unsuccessful Identification together with the error.
package identify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/onnwee/songid/telemetry"
)

// Song is one identified track.
type Song struct {
	Title    string
	Artists  []string
	URL      string
	Timecode string
}

// Identification is the result of one identification attempt.
type Identification struct {
	ID         string
	ChannelID  string
	Timestamp  time.Time
	Successful bool
	Songs      []Song
}

// Primary returns the first song, if any.
func (i Identification) Primary() (Song, bool) {
	if len(i.Songs) == 0 {
		return Song{}, false
	}
	return i.Songs[0], true
}

// SecondsSince returns whole seconds elapsed between the identification and now.
func (i Identification) SecondsSince(now time.Time) int {
	if i.Timestamp.IsZero() {
		return 0
	}
	return int(now.Sub(i.Timestamp) / time.Second)
}

// Querier runs one GraphQL operation; *remote.Client satisfies it.
type Querier interface {
	Do(ctx context.Context, query string, vars map[string]any, out any) error
}

const (
	songFields    = `title artists url timecode`
	identifyQuery = `query Identify($channel: String!, $requester: String!, $message: String!) {
	identify(channel: $channel, requester: $requester, message: $message) { id timestamp successful songs { ` + songFields + ` } } }`
	latestQuery = `query LatestIdentification($id: ID!) {
	channel(id: $id) { latestIdentification { id timestamp successful songs { ` + songFields + ` } } } }`
)

// Gateway calls the identification service.
type Gateway struct {
	API Querier
}

// Identify asks the service what is playing in channel. The returned Identification is
// always usable: on error it is unsuccessful with no songs.
func (g *Gateway) Identify(ctx context.Context, channel, requester, message string) (Identification, error) {
	ctx, span := telemetry.StartSpan(ctx, "identify", "identify", telemetry.ChannelAttr(channel))
	defer span.End()

	var out struct {
		Identify *identificationRecord `json:"identify"`
	}
	var err error
	telemetry.TimeFunc(telemetry.IdentifyDuration, func() {
		err = g.API.Do(ctx, identifyQuery, map[string]any{
			"channel":   channel,
			"requester": requester,
			"message":   message,
		}, &out)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return Identification{}, fmt.Errorf("identify %s: %w", channel, err)
	}
	if out.Identify == nil {
		return Identification{}, nil
	}
	id := out.Identify.normalize()
	telemetry.LoggerWithCorr(ctx).Debug("identification finished",
		slog.String("component", "identify"), slog.String("channel", channel),
		slog.Bool("successful", id.Successful), slog.Int("songs", len(id.Songs)))
	telemetry.SetSpanSuccess(span)
	return id, nil
}

// Latest returns the most recent identification for a channel, or nil if there is none.
func (g *Gateway) Latest(ctx context.Context, channelID string) (*Identification, error) {
	var out struct {
		Channel *struct {
			LatestIdentification *identificationRecord `json:"latestIdentification"`
		} `json:"channel"`
	}
	if err := g.API.Do(ctx, latestQuery, map[string]any{"id": channelID}, &out); err != nil {
		return nil, fmt.Errorf("latest identification %s: %w", channelID, err)
	}
	if out.Channel == nil || out.Channel.LatestIdentification == nil {
		return nil, nil
	}
	id := out.Channel.LatestIdentification.normalize()
	id.ChannelID = channelID
	return &id, nil
}

type identificationRecord struct {
	ID         string       `json:"id"`
	Timestamp  time.Time    `json:"timestamp"`
	Successful *bool        `json:"successful"`
	Songs      []songRecord `json:"songs"`
}

type songRecord struct {
	Title    string          `json:"title"`
	Artists  json.RawMessage `json:"artists"`
	Artist   json.RawMessage `json:"artist"`
	URL      string          `json:"url"`
	Timecode string          `json:"timecode"`
}

func (r identificationRecord) normalize() Identification {
	songs := lo.FilterMap(r.Songs, func(s songRecord, _ int) (Song, bool) {
		raw := s.Artists
		if len(raw) == 0 || string(raw) == "null" {
			raw = s.Artist
		}
		song := Song{
			Title:    strings.TrimSpace(s.Title),
			Artists:  ParseArtists(raw),
			URL:      strings.TrimSpace(s.URL),
			Timecode: s.Timecode,
		}
		return song, song.Title != ""
	})
	successful := len(songs) > 0
	if r.Successful != nil {
		successful = *r.Successful && len(songs) > 0
	}
	return Identification{
		ID:         r.ID,
		Timestamp:  r.Timestamp,
		Successful: successful,
		Songs:      songs,
	}
}

var artistSeparators = strings.NewReplacer(";", ",", " feat. ", ",", " ft. ", ",", " featuring ", ",")

// ParseArtists accepts a JSON array of names, an array of {"name": ...} objects, or a
// single delimited string (comma, semicolon, "feat."), and returns the trimmed names.
func ParseArtists(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err == nil {
		return cleanNames(names)
	}
	var objs []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &objs); err == nil {
		return cleanNames(lo.Map(objs, func(o struct {
			Name string `json:"name"`
		}, _ int) string {
			return o.Name
		}))
	}
	var joined string
	if err := json.Unmarshal(raw, &joined); err == nil {
		return cleanNames(strings.Split(artistSeparators.Replace(joined), ","))
	}
	return nil
}

func cleanNames(in []string) []string {
	return lo.FilterMap(in, func(s string, _ int) (string, bool) {
		s = strings.TrimSpace(s)
		return s, s != ""
	})
}

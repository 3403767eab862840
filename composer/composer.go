// Package composer fills reply templates.
package composer

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/onnwee/songid/channels"
	"github.com/onnwee/songid/identify"
)

// Placeholders understood by channel templates.
const (
	Requester = "%REQUESTER%"
	Title     = "%TITLE%"
	Artist    = "%ARTIST%"
	Timecode  = "%TIMECODE%"
	Remaining = "%REMAINING%"
	Time      = "%TIME%"
	URL       = "%URL%"
	Error     = "%ERROR%"
)

// Messages used where a channel has no template of its own.
const (
	GenericError = "Something went wrong, please try again later."
	NoResult     = "No result, we didn't quite catch that."
)

// Bindings maps placeholder tokens to their values.
type Bindings map[string]string

// Compose substitutes every bound placeholder in template. Unbound placeholders are
// left untouched.
func Compose(template string, b Bindings) string {
	if template == "" || len(b) == 0 {
		return template
	}
	// longest token first so overlapping tokens replace deterministically
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, k, b[k])
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// HumanizeArtists joins names as "A", "A and B" or "A, B, and C".
func HumanizeArtists(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	case 2:
		return names[0] + " and " + names[1]
	}
	return strings.Join(names[:len(names)-1], ", ") + ", and " + names[len(names)-1]
}

// LinkSuffix returns " → url" when links are allowed and url is set.
func LinkSuffix(allowLinks bool, url string) string {
	if !allowLinks || url == "" {
		return ""
	}
	return " → " + url
}

func songBindings(requester string, song identify.Song) Bindings {
	return Bindings{
		Requester: requester,
		Title:     song.Title,
		Artist:    HumanizeArtists(song.Artists),
		Timecode:  song.Timecode,
		URL:       "",
	}
}

// Success renders the channel's success template for the first song in id.
func Success(ch channels.Channel, requester string, id identify.Identification) string {
	song, ok := id.Primary()
	if !ok || ch.Templates.Success == "" {
		return ""
	}
	return Compose(ch.Templates.Success, songBindings(requester, song)) + LinkSuffix(ch.AllowLinks, song.URL)
}

// Cooldown renders the cooldown notice. If latest holds a successful result the
// with-result template is used, otherwise the plain remaining-time template.
func Cooldown(ch channels.Channel, requester string, remaining int, latest *identify.Identification, now time.Time) string {
	if latest != nil && latest.Successful && ch.Templates.CooldownWithResult != "" {
		if song, ok := latest.Primary(); ok {
			b := songBindings(requester, song)
			b[Remaining] = strconv.Itoa(remaining)
			b[Time] = humanize.RelTime(latest.Timestamp, now, "ago", "from now")
			return Compose(ch.Templates.CooldownWithResult, b) + LinkSuffix(ch.AllowLinks, song.URL)
		}
	}
	return Compose(ch.Templates.Cooldown, Bindings{
		Requester: requester,
		Remaining: strconv.Itoa(remaining),
	})
}

// Failure renders the error template with message bound to %ERROR%.
func Failure(ch channels.Channel, requester, message string) string {
	return Compose(ch.Templates.Error, Bindings{
		Requester: requester,
		Error:     message,
	})
}

// HostSuccess is the reply for a host-channel command that found a song.
func HostSuccess(target string, id identify.Identification) string {
	song, ok := id.Primary()
	if !ok {
		return HostNoResult(target)
	}
	msg := target + ` is currently playing "` + song.Title + `"`
	if artists := HumanizeArtists(song.Artists); artists != "" {
		msg += " by " + artists
	}
	return msg + LinkSuffix(true, song.URL)
}

// HostNoResult is the reply for a host-channel command without a match.
func HostNoResult(target string) string {
	return "Couldn't identify the song playing in " + target + ", please try again later."
}

// HostOffline is the reply when the requested channel is not live.
func HostOffline(target string) string {
	return target + " seems to be offline. Please try again when the channel is live."
}

// HostUsage is the reply for a host-channel command without a target.
func HostUsage(command string) string {
	return "Usage: " + command + " <channel>"
}

// HostInfo is the reply to any other message in the bot's own channel.
func HostInfo(bot string, commands []string) string {
	if len(commands) == 0 {
		return "Hi! I identify songs playing on Twitch streams."
	}
	return "Hi! I identify songs playing on Twitch streams. Type " + commands[0] + " <channel> here to try it, or mention @" + bot + " in a channel I'm in."
}

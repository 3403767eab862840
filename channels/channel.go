// Package channels holds the in-memory channel configuration cache, the per-channel
// request state used to gate identifications, and the reconciler that keeps the set of
// joined chat channels in line with configuration.
package channels

import (
	"errors"
	"strings"

	"github.com/samber/lo"
)

// ErrNotFound is returned when a channel is not known to the cache or the remote store.
var ErrNotFound = errors.New("channel not found")

// ErrNameConflict is reported when two channel ids claim the same name.
var ErrNameConflict = errors.New("channel name held by another id")

// Templates are the per-channel reply formats. Any of them may be empty, which
// suppresses that reply.
type Templates struct {
	Success            string
	Cooldown           string
	CooldownWithResult string
	Error              string
}

// Channel is one configured chat channel.
type Channel struct {
	ID              string
	Name            string
	Enabled         bool
	CooldownSeconds int
	UseAction       bool
	AllowLinks      bool
	Triggers        []string
	Templates       Templates
	IgnoredUsers    []string
}

// NormalizeName lowercases a channel or user name and strips a leading '#' or '@'.
func NormalizeName(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "#@")
	return strings.ToLower(s)
}

// MatchesTrigger reports whether text contains any trigger keyword (case-insensitive).
// A message matches at most once regardless of how many keywords it contains.
func (c Channel) MatchesTrigger(text string) bool {
	lower := strings.ToLower(text)
	return lo.ContainsBy(c.Triggers, func(kw string) bool {
		return kw != "" && strings.Contains(lower, kw)
	})
}

// Ignores reports whether user is on the channel's ignore list.
func (c Channel) Ignores(user string) bool {
	return lo.Contains(c.IgnoredUsers, NormalizeName(user))
}

func (c Channel) clone() Channel {
	c.Triggers = append([]string(nil), c.Triggers...)
	c.IgnoredUsers = append([]string(nil), c.IgnoredUsers...)
	return c
}

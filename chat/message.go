package chat

import (
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// Message is a chat line delivered to the Handler.
type Message struct {
	ID          string
	Channel     string
	User        string // login, lowercase
	DisplayName string
	Text        string
	Action      bool
	SentAt      time.Time
}

func toMessage(m twitch.PrivateMessage) Message {
	sentAt := m.Time
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	return Message{
		ID:          m.ID,
		Channel:     normalizeChannel(m.Channel),
		User:        normalizeChannel(m.User.Name),
		DisplayName: m.User.DisplayName,
		Text:        m.Message,
		Action:      m.Action,
		SentAt:      sentAt,
	}
}

// DisplayNameOrUser prefers the display name and falls back to the login.
func (m Message) DisplayNameOrUser() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.User
}

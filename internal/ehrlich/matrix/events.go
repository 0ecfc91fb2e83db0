package matrix

import (
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Inbound is a chat message received from a room, reduced to what the bot
// needs.
type Inbound struct {
	EventID  string
	RoomID   string
	SenderID string
	// Sender is the localpart of SenderID, used as the speaker name in
	// memory and prompts.
	Sender    string
	Body      string
	Mentioned bool
	SentAt    time.Time
}

// toInbound converts a room message event. It reports false for events the
// bot must not record: its own messages, non-text messages and edits.
func toInbound(evt *event.Event, self id.UserID, name string) (Inbound, bool) {
	if evt.Sender == self {
		return Inbound{}, false
	}
	content := evt.Content.AsMessage()
	if content == nil {
		return Inbound{}, false
	}
	switch content.MsgType {
	case event.MsgText, event.MsgEmote, event.MsgNotice:
	default:
		return Inbound{}, false
	}
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return Inbound{}, false
	}
	body := strings.TrimSpace(content.Body)
	if body == "" {
		return Inbound{}, false
	}

	return Inbound{
		EventID:   evt.ID.String(),
		RoomID:    evt.RoomID.String(),
		SenderID:  evt.Sender.String(),
		Sender:    localpart(evt.Sender),
		Body:      body,
		Mentioned: mentions(content, self, name),
		SentAt:    time.UnixMilli(evt.Timestamp),
	}, true
}

// mentions reports whether content addresses the bot: an m.mentions entry,
// the full user ID in the body, "@name" anywhere, or a leading "name:" as
// clients insert when completing a nick.
func mentions(content *event.MessageEventContent, self id.UserID, name string) bool {
	if content.Mentions != nil {
		for _, u := range content.Mentions.UserIDs {
			if u == self {
				return true
			}
		}
	}
	body := strings.ToLower(content.Body)
	if strings.Contains(body, strings.ToLower(self.String())) {
		return true
	}
	if name == "" {
		return false
	}
	name = strings.ToLower(name)
	return strings.Contains(body, "@"+name) || strings.HasPrefix(body, name+":")
}

// localpart returns the user part of a Matrix ID, or the ID itself if it
// does not parse.
func localpart(u id.UserID) string {
	lp, _, err := u.Parse()
	if err != nil || lp == "" {
		return u.String()
	}
	return lp
}

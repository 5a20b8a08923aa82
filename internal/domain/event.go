package domain

import (
	"time"
)

// EventType identifies one kind of inbound protocol event. The set is
// closed: the dispatcher and the webhook consumer recognize exactly these.
type EventType string

const (
	EventNewMessage         EventType = "new_message"
	EventMessageEdited      EventType = "message_edited"
	EventSessionExpired     EventType = "session_expired"
	EventConnectionLost     EventType = "connection_lost"
	EventConnectionRestored EventType = "connection_restored"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventNewMessage, EventMessageEdited, EventSessionExpired,
		EventConnectionLost, EventConnectionRestored:
		return true
	}
	return false
}

// MessageFrom identifies the sender of a Telegram message.
type MessageFrom struct {
	ID        int64  `json:"id" bson:"id"`
	FirstName string `json:"first_name" bson:"first_name"`
	LastName  string `json:"last_name,omitempty" bson:"last_name,omitempty"`
	Username  string `json:"username,omitempty" bson:"username,omitempty"`
	Phone     string `json:"phone,omitempty" bson:"phone,omitempty"`
}

// MessageChat identifies the chat a message belongs to.
type MessageChat struct {
	ID   int64  `json:"id" bson:"id"`
	Type string `json:"type" bson:"type"` // private, group, channel
}

// Message is the payload of new_message and message_edited events,
// shaped for the downstream webhook consumer.
type Message struct {
	ID               int         `json:"id" bson:"id"`
	From             MessageFrom `json:"from" bson:"from"`
	Chat             MessageChat `json:"chat" bson:"chat"`
	Text             string      `json:"text" bson:"text"`
	Date             time.Time   `json:"date" bson:"date"`
	ReplyToMessageID int         `json:"reply_to_message_id,omitempty" bson:"reply_to_message_id,omitempty"`
}

// InboundEvent is one message, edit, or connection status notice received
// from the protocol layer for a session.
type InboundEvent struct {
	EventID    string            `json:"event_id" bson:"event_id"`
	SessionID  string            `json:"session_id" bson:"session_id"`
	AgentID    int64             `json:"agent_id" bson:"agent_id"`
	Type       EventType         `json:"event" bson:"event"`
	Message    *Message          `json:"message,omitempty" bson:"message,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`
	ReceivedAt time.Time         `json:"received_at" bson:"received_at"`
}

// DedupKey is the identity under which delivery is effectively-once
// within the dedup window.
func (e *InboundEvent) DedupKey() string {
	return e.SessionID + ":" + e.EventID + ":" + string(e.Type)
}

// AgentStats aggregates the stored message events for one agent across
// all of its sessions.
type AgentStats struct {
	AgentID        int64 `json:"agent_id"`
	TotalMessages  int64 `json:"total_messages"`
	UniqueChats    int64 `json:"unique_chats"`
	RecentMessages int64 `json:"recent_messages_count"`
}

package models

import "time"

// Message is a directed message between two users.
type Message struct {
	ID          int64        `json:"id"`
	SenderID    int64        `json:"sender_id"`
	RecipientID int64        `json:"recipient_id"`
	Content     string       `json:"content"`
	IsRead      bool         `json:"is_read"`
	CreatedAt   time.Time    `json:"created_at"`
	Sender      *UserSummary `json:"sender,omitempty"`
	Recipient   *UserSummary `json:"recipient,omitempty"`
}

// Before reports whether m sorts ahead of other: created_at first, id breaks ties.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// ConversationSummary describes one partner in a user's conversation list.
type ConversationSummary struct {
	User        UserSummary `json:"user"`
	LastMessage *Message    `json:"last_message"`
	UnreadCount int         `json:"unread_count"`
}

// Thread is the ordered history between the viewer and one partner.
type Thread struct {
	Messages  []*Message  `json:"messages"`
	OtherUser UserSummary `json:"other_user"`
}

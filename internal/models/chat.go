package models

import (
	"slices"
	"time"
)

type ChatType string

const (
	ChatSingle         ChatType = "single"
	ChatGroup          ChatType = "group"
	ChatPrivateChannel ChatType = "private_channel"
	ChatPublicChannel  ChatType = "public_channel"
)

// Chat is a snapshot of a chat row as seen by the chat server.
type Chat struct {
	ID        int64     `json:"id"`
	WsID      int64     `json:"ws_id"`
	Name      *string   `json:"name"`
	Type      ChatType  `json:"type"`
	Members   []int64   `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy so the snapshot can be shared by concurrent readers.
func (c Chat) Clone() Chat {
	out := c
	if c.Name != nil {
		name := *c.Name
		out.Name = &name
	}
	out.Members = slices.Clone(c.Members)
	return out
}

// HasMember reports whether userID is in the member list.
func (c Chat) HasMember(userID int64) bool {
	return slices.Contains(c.Members, userID)
}

type Message struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	SenderID  int64     `json:"sender_id"`
	Body      string    `json:"body"`
	Files     []string  `json:"files,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (m Message) Clone() Message {
	out := m
	out.Files = slices.Clone(m.Files)
	return out
}

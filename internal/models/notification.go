package models

// Change-notification channels raised by the chat server's database triggers.
const (
	ChannelChatUpdated    = "chat_updated"
	ChannelMessageCreated = "chat_message_created"
)

const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Notification is a raw change notification as received from a source.
type Notification struct {
	Channel string
	Payload []byte
}

// ChatUpdated is the payload of a chat_updated notification.
type ChatUpdated struct {
	Op  string `json:"op"`
	Old *Chat  `json:"old"`
	New *Chat  `json:"new"`
}

// MessageCreated is the payload of a chat_message_created notification.
type MessageCreated struct {
	Message Message `json:"message"`
	Members []int64 `json:"members"`
}

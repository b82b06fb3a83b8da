package models

import "time"

// Kind classifies persisted messages.
type Kind string

const (
	KindText  Kind = "text"
	KindGroup Kind = "group_message"
	KindFile  Kind = "file"
)

type User struct {
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

type Group struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Creator   string    `json:"creator"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is an append-only history record. Receiver is a group name when
// IsGroup is set and a username otherwise.
type Message struct {
	ID        int64     `json:"id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Kind      Kind      `json:"kind"`
	Content   string    `json:"content"`
	IsGroup   bool      `json:"is_group"`
	Timestamp time.Time `json:"timestamp"`
}

// OfflineMessage is a message queued for a receiver that was not connected.
// GroupName is set when the message was fanned out from a group.
type OfflineMessage struct {
	ID        int64     `json:"id"`
	Receiver  string    `json:"receiver"`
	Sender    string    `json:"sender"`
	Kind      Kind      `json:"kind"`
	Content   string    `json:"content"`
	GroupName string    `json:"group_name,omitempty"`
	Delivered bool      `json:"delivered"`
	Timestamp time.Time `json:"timestamp"`
}

// Package protocol defines the chat wire records and their line framing.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ServerName is the sender used on frames originated by the server.
const ServerName = "SERVER"

type Kind string

const (
	KindHandshakeInit Kind = "handshake_init"
	KindPublicKey     Kind = "public_key"
	KindKeyExchange   Kind = "key_exchange"
	KindHandshakeAck  Kind = "handshake_ack"
	KindText          Kind = "text"
	KindFile          Kind = "file"
	KindGroupCreate   Kind = "group_create"
	KindGroupJoin     Kind = "group_join"
	KindGroupMessage  Kind = "group_message"
	KindPresence      Kind = "presence"
	KindListUsers     Kind = "list_users"
	KindListGroups    Kind = "list_groups"
	KindHistory       Kind = "history"
	KindSuccess       Kind = "success"
	KindOffline       Kind = "offline"
	KindError         Kind = "error"
	KindDisconnect    Kind = "disconnect"
)

// Error codes carried in error frames.
const (
	CodeDuplicateUser    = "DUPLICATE_USER"
	CodeDuplicateGroup   = "DUPLICATE_GROUP"
	CodeUnknownUser      = "UNKNOWN_USER"
	CodeUnknownGroup     = "UNKNOWN_GROUP"
	CodeNotAMember       = "NOT_A_MEMBER"
	CodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	CodeInvalidPayload   = "INVALID_PAYLOAD"
	CodeInvalidUsername  = "INVALID_USERNAME"
	CodeRecipientOffline = "RECIPIENT_OFFLINE"
)

type field uint8

const (
	fieldSender field = 1 << iota
	fieldTarget
	fieldPayload
	fieldFileName
)

// required lists the fields each kind must carry; a kind missing from the map is unknown.
var required = map[Kind]field{
	KindHandshakeInit: fieldSender,
	KindPublicKey:     fieldPayload,
	KindKeyExchange:   fieldSender | fieldPayload,
	KindHandshakeAck:  0,
	KindText:          fieldSender | fieldTarget | fieldPayload,
	KindFile:          fieldSender | fieldTarget | fieldPayload | fieldFileName,
	KindGroupCreate:   fieldSender | fieldTarget,
	KindGroupJoin:     fieldSender | fieldTarget,
	KindGroupMessage:  fieldSender | fieldTarget | fieldPayload,
	KindPresence:      0,
	KindListUsers:     0,
	KindListGroups:    0,
	KindHistory:       fieldTarget,
	KindSuccess:       0,
	KindOffline:       0,
	KindError:         fieldPayload,
	KindDisconnect:    0,
}

var ErrMalformedMessage = errors.New("malformed message")

// Message is the record carried by every frame.
type Message struct {
	Kind      Kind           `json:"kind"`
	Sender    string         `json:"sender,omitempty"`
	Target    string         `json:"target,omitempty"`
	Payload   string         `json:"payload,omitempty"`
	FileName  string         `json:"file_name,omitempty"`
	IsGroup   bool           `json:"is_group,omitempty"`
	Code      string         `json:"code,omitempty"`
	Users     []string       `json:"users,omitempty"`
	Groups    []GroupSummary `json:"groups,omitempty"`
	History   []HistoryEntry `json:"history,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type GroupSummary struct {
	Name    string `json:"name"`
	Creator string `json:"creator"`
}

type HistoryEntry struct {
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Encode renders m as a single newline-terminated JSON line.
func Encode(m *Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformedMessage)
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind, err)
	}
	return append(b, '\n'), nil
}

// Decode parses one line (with or without its trailing newline) and checks
// that the kind is known and its required fields are present.
func Decode(line []byte) (*Message, error) {
	line = trimNewline(line)
	if len(line) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedMessage)
	}
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate enforces the per-kind required fields.
func (m *Message) Validate() error {
	if m.Kind == "" {
		return fmt.Errorf("%w: missing kind", ErrMalformedMessage)
	}
	need, ok := required[m.Kind]
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedMessage, m.Kind)
	}
	switch {
	case need&fieldSender != 0 && m.Sender == "":
		return fmt.Errorf("%w: %s requires sender", ErrMalformedMessage, m.Kind)
	case need&fieldTarget != 0 && m.Target == "":
		return fmt.Errorf("%w: %s requires target", ErrMalformedMessage, m.Kind)
	case need&fieldPayload != 0 && m.Payload == "":
		return fmt.Errorf("%w: %s requires payload", ErrMalformedMessage, m.Kind)
	case need&fieldFileName != 0 && m.FileName == "":
		return fmt.Errorf("%w: %s requires file_name", ErrMalformedMessage, m.Kind)
	}
	return nil
}

// NewError builds a server error frame.
func NewError(code, text string) *Message {
	return &Message{Kind: KindError, Sender: ServerName, Code: code, Payload: text}
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

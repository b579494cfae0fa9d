package models

import (
	"strings"
	"time"
)

// Chat session models

// counterpartyPrefix namespaces user ids on the wire ("user_42").
const counterpartyPrefix = "user_"

// CounterpartyID identifies the other party of a conversation in its
// normalized form (no wire namespace prefix).
type CounterpartyID string

// NormalizeCounterpartyID converts any wire form of a user id into a
// CounterpartyID. Notification ingestion and counterparty activation
// both go through here so the two always agree on map keys.
func NormalizeCounterpartyID(raw string) CounterpartyID {
	raw = strings.TrimSpace(raw)
	return CounterpartyID(strings.TrimPrefix(raw, counterpartyPrefix))
}

// WireID returns the namespaced form used for recipient_id and history queries.
func (id CounterpartyID) WireID() string {
	return counterpartyPrefix + string(id)
}

// String implements fmt.Stringer
func (id CounterpartyID) String() string {
	return string(id)
}

// IsZero reports whether the id is empty
func (id CounterpartyID) IsZero() bool {
	return id == ""
}

// Counterparty represents a user the operator can chat with
type Counterparty struct {
	ID       CounterpartyID `json:"id"`
	Username string         `json:"username"`
	Email    string         `json:"email"`
	IsAdmin  bool           `json:"is_admin"`
}

// DisplayName returns the username, falling back to the id
func (c Counterparty) DisplayName() string {
	if c.Username != "" {
		return c.Username
	}
	return c.ID.String()
}

// Direction tells whether a message was written in this session
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// MessageStatus is the lifecycle status of a message
type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// IsTerminal reports whether the status can no longer change
func (s MessageStatus) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Message is one entry of a conversation timeline
type Message struct {
	ID        string        `json:"id"`
	Sender    string        `json:"sender"`
	Body      string        `json:"body"`
	Timestamp time.Time     `json:"timestamp"`
	Direction Direction     `json:"direction"`
	Status    MessageStatus `json:"status"`
}

// IsOutgoing reports whether the message was written by the session owner
func (m Message) IsOutgoing() bool {
	return m.Direction == DirectionOutgoing
}

// Notification is a cross-counterparty unread event
type Notification struct {
	ID             string         `json:"id"`
	SenderID       string         `json:"sender_id"` // raw wire form
	Counterparty   CounterpartyID `json:"counterparty"`
	MessageID      string         `json:"message_id,omitempty"`
	Title          string         `json:"title"`
	Message        string         `json:"message"`
	ContentPreview string         `json:"content_preview"`
	Timestamp      time.Time      `json:"timestamp"`
	Read           bool           `json:"read"`
	Dismissed      bool           `json:"dismissed"`
}

// ConnectionState is the state of the live connection for the active counterparty
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
)

// ParseConnectionState maps a connection_status value onto a ConnectionState.
// The second result is false for values outside the known set.
func ParseConnectionState(s string) (ConnectionState, bool) {
	switch state := ConnectionState(strings.ToLower(strings.TrimSpace(s))); state {
	case StateDisconnected, StateConnecting, StateConnected, StateReconnecting, StateError:
		return state, true
	}
	return "", false
}

// UnreadCounts maps a counterparty to its number of unread notifications
type UnreadCounts map[CounterpartyID]int

package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Frame type discriminators
const (
	TypeConnectionStatus = "connection_status"
	TypeChatMessage      = "chat_message"
	TypeNotification     = "notification"
	TypeMessageSent      = "message_sent"
	TypeError            = "error"
)

var (
	// ErrMalformed wraps frames that are not valid JSON objects
	ErrMalformed = errors.New("wire: malformed frame")
	// ErrUnknownType is returned for frames whose type is not recognized
	ErrUnknownType = errors.New("wire: unknown frame type")
)

// ID is an identifier the server may send either as a JSON string or a number
type ID string

// UnmarshalJSON accepts strings, numbers and null
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// String implements fmt.Stringer
func (id ID) String() string { return string(id) }

// Inbound is implemented by every decoded server frame
type Inbound interface {
	FrameType() string
}

// ConnectionStatus reports a server-side view of the connection
type ConnectionStatus struct {
	Status string `json:"status"`
}

// ChatMessage is a live message in the active conversation
type ChatMessage struct {
	MessageID  ID     `json:"message_id"`
	SenderID   ID     `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Content    string `json:"content"`
	Timestamp  string `json:"timestamp"`
	IsAdmin    bool   `json:"is_admin"`
}

// Notification announces activity from any counterparty
type Notification struct {
	MessageID      ID     `json:"message_id"`
	SenderID       ID     `json:"sender_id"`
	UserID         ID     `json:"user_id"`
	Title          string `json:"title"`
	Message        string `json:"message"`
	ContentPreview string `json:"content_preview"`
	Timestamp      string `json:"timestamp"`
}

// Sender returns sender_id, falling back to user_id
func (n Notification) Sender() string {
	if n.SenderID != "" {
		return n.SenderID.String()
	}
	return n.UserID.String()
}

// MessageSent acknowledges an outbound chat message. The remaining
// fields of the frame are kept in Raw.
type MessageSent struct {
	MessageID   ID              `json:"message_id"`
	RecipientID ID              `json:"recipient_id"`
	Raw         json.RawMessage `json:"-"`
}

// ErrorFrame is a non-fatal error reported by the server
type ErrorFrame struct {
	Message string `json:"message"`
}

func (ConnectionStatus) FrameType() string { return TypeConnectionStatus }
func (ChatMessage) FrameType() string      { return TypeChatMessage }
func (Notification) FrameType() string     { return TypeNotification }
func (MessageSent) FrameType() string      { return TypeMessageSent }
func (ErrorFrame) FrameType() string       { return TypeError }

type envelope struct {
	Type string `json:"type"`
}

// Decode parses one inbound frame. Errors wrap ErrMalformed or ErrUnknownType.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		frame Inbound
		err   error
	)
	switch env.Type {
	case TypeConnectionStatus:
		var f ConnectionStatus
		err = json.Unmarshal(data, &f)
		frame = f
	case TypeChatMessage:
		var f ChatMessage
		err = json.Unmarshal(data, &f)
		frame = f
	case TypeNotification:
		var f Notification
		err = json.Unmarshal(data, &f)
		frame = f
	case TypeMessageSent:
		var f MessageSent
		err = json.Unmarshal(data, &f)
		f.Raw = append(json.RawMessage(nil), data...)
		frame = f
	case TypeError:
		var f ErrorFrame
		err = json.Unmarshal(data, &f)
		frame = f
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return frame, nil
}

// OutboundChat is the only frame the client sends
type OutboundChat struct {
	Type        string `json:"type"`
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
}

// NewOutboundChat builds a chat_message frame for the given wire recipient
func NewOutboundChat(recipientID, content string) OutboundChat {
	return OutboundChat{Type: TypeChatMessage, RecipientID: recipientID, Content: content}
}

// Encode serializes an outbound frame
func Encode(frame OutboundChat) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", frame.Type, err)
	}
	return data, nil
}

// ParseTimestamp reads the server's timestamp formats. Empty or
// unparseable values return fallback.
func ParseTimestamp(raw string, fallback time.Time) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999",
		"2006-01-02 15:04:05.999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts
		}
	}
	return fallback
}

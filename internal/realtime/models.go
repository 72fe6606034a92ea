package realtime

import "time"

// MessageType identifies a realtime message.
type MessageType string

const (
	// Server to client.
	MessageProgressChanged MessageType = "progress_changed"
	MessageIdle            MessageType = "idle"
	MessageStatus          MessageType = "status"

	// Client to server.
	MessageActivity MessageType = "activity"
	MessagePing     MessageType = "ping"
)

// Message is the websocket envelope.
type Message struct {
	Type      MessageType            `json:"type"`
	UserID    string                 `json:"user_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Payload   interface{}            `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

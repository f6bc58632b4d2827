package liveserver

import "encoding/json"

// Message is one frame pushed to dashboard clients
type Message struct {
	Type string          `json:"type"`
	Key  string          `json:"key,omitempty"`
	Data json.RawMessage `json:"data"`
}

const (
	// TypeEvent carries one position event from the log
	TypeEvent = "event"
	// TypeHello is the first frame of every connection
	TypeHello = "hello"
)

// NewMessage encodes data into a Message
func NewMessage(msgType, key string, data interface{}) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: msgType, Key: key, Data: raw}, nil
}

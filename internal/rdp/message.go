// Package rdp speaks the remote debugging protocol: a JSON-RPC-like framing
// over one WebSocket per target, multiplexed into independent logical
// connections ("forks").
package rdp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Errors
var (
	ErrClosed           = errors.New("transport closed")
	ErrForkReleased     = errors.New("fork released")
	ErrDuplicateID      = errors.New("request id already in flight")
	ErrRetriesExhausted = errors.New("send retries exhausted")
	ErrProtocol         = errors.New("protocol error")
)

// ProtocolError is the error object carried by a failed response.
type ProtocolError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

func (e *ProtocolError) Unwrap() error {
	return ErrProtocol
}

// Message is one protocol frame. Requests carry ID, Method and Params;
// responses carry ID and either Result or Error; notifications carry
// Method and Params and no ID. ID is a pointer so that an absent id
// (notification) is distinguishable from id 0.
type Message struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ProtocolError  `json:"error,omitempty"`
}

// IsNotification reports whether the message has no id.
func (m *Message) IsNotification() bool {
	return m.ID == nil
}

// withID returns a shallow copy of m carrying id.
func (m *Message) withID(id int64) *Message {
	c := *m
	c.ID = &id
	return &c
}

// ParseMessage decodes a single frame.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return &msg, nil
}

// NewRequest builds a request with params marshaled to JSON.
func NewRequest(id int64, method string, params interface{}) (*Message, error) {
	data, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{ID: &id, Method: method, Params: data}, nil
}

func encodeParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling params: %w", err)
	}
	return data, nil
}

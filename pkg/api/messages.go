package api

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// MessageType separates nonce-paired requests from fire-and-forget
// notifies.
type MessageType string

const (
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
	TypeSignal   MessageType = "signal"
)

// Message is the framed envelope on every interface connection. Payload is
// the msgpack encoding of the command-specific body.
type Message struct {
	Type    MessageType `msgpack:"type"`
	ID      uint64      `msgpack:"id"`
	Command string      `msgpack:"command,omitempty"`
	Payload []byte      `msgpack:"payload,omitempty"`
	Error   string      `msgpack:"error,omitempty"`
}

// EncodeMessage frames a message for the wire.
func EncodeMessage(m *Message) ([]byte, error) {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// DecodeMessage parses a wire frame.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &m, nil
}

// EncodePayload serializes a command body.
func EncodePayload(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

// DecodePayload parses a command body.
func DecodePayload(data []byte, v interface{}) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}

// respond builds the success response to a request.
func respond(req *Message, payload interface{}) (*Message, error) {
	data, err := EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: TypeResponse, ID: req.ID, Command: req.Command, Payload: data}, nil
}

// respondErr builds the error response to a request.
func respondErr(req *Message, err error) *Message {
	return &Message{Type: TypeResponse, ID: req.ID, Command: req.Command, Error: err.Error()}
}

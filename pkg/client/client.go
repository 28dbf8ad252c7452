package client

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuemby/conductor/pkg/api"
	"github.com/gorilla/websocket"
)

// Client is a websocket client for the conductor's admin and app
// interfaces, used by the CLI.
type Client struct {
	conn   *websocket.Conn
	nextID atomic.Uint64
	mu     sync.Mutex
}

// Connect dials an interface endpoint (ws://host:port).
func Connect(url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Request sends a command and decodes the response payload into out (which
// may be nil to discard).
func (c *Client) Request(command string, payload interface{}, out interface{}) error {
	body, err := api.EncodePayload(payload)
	if err != nil {
		return err
	}
	req := &api.Message{
		Type:    api.TypeRequest,
		ID:      c.nextID.Add(1),
		Command: command,
		Payload: body,
	}
	frame, err := api.EncodeMessage(req)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("failed to send %s: %w", command, err)
	}

	// Signals may interleave with the response; skip them.
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		resp, err := api.DecodeMessage(data)
		if err != nil {
			return err
		}
		if resp.Type == api.TypeSignal || resp.ID != req.ID {
			continue
		}
		if resp.Error != "" {
			return fmt.Errorf("%s failed: %s", command, resp.Error)
		}
		if out == nil {
			return nil
		}
		return api.DecodePayload(resp.Payload, out)
	}
}

// Authenticate performs the app-interface first-message handshake.
func (c *Client) Authenticate(token string) error {
	var ok bool
	return c.Request("authenticate", map[string]string{"token": token}, &ok)
}

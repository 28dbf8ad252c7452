package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/conductor/pkg/conductor"
	"github.com/cuemby/conductor/pkg/keystore"
	"github.com/cuemby/conductor/pkg/network"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConductor(t *testing.T) *conductor.Conductor {
	t.Helper()
	loop := network.NewLoopback()
	c, err := conductor.New(conductor.Config{DataDir: t.TempDir()}, keystore.New(), loop, loop)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c
}

func TestMessageFraming(t *testing.T) {
	payload, err := EncodePayload("hello")
	require.NoError(t, err)
	frame, err := EncodeMessage(&Message{Type: TypeRequest, ID: 7, Command: "list_dnas", Payload: payload})
	require.NoError(t, err)

	decoded, err := DecodeMessage(frame)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), decoded.ID)
	assert.Equal(t, "list_dnas", decoded.Command)

	var body string
	require.NoError(t, DecodePayload(decoded.Payload, &body))
	assert.Equal(t, "hello", body)
}

func dialWS(t *testing.T, srv *httptest.Server, origin string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, msg *Message) *Message {
	t.Helper()
	frame, err := EncodeMessage(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	resp, err := DecodeMessage(data)
	require.NoError(t, err)
	return resp
}

func TestAdminRoundTrip(t *testing.T) {
	c := newTestConductor(t)
	admin := NewAdminServer(c)
	srv := httptest.NewServer(http.HandlerFunc(admin.handleWS))
	t.Cleanup(srv.Close)

	conn := dialWS(t, srv, "")

	resp := roundTrip(t, conn, &Message{Type: TypeRequest, ID: 1, Command: "generate_agent_key"})
	assert.Empty(t, resp.Error)
	assert.Equal(t, uint64(1), resp.ID)

	resp = roundTrip(t, conn, &Message{Type: TypeRequest, ID: 2, Command: "no_such_command"})
	assert.Contains(t, resp.Error, "unknown admin command")
}

func TestAppInterfaceRequiresAuthentication(t *testing.T) {
	c := newTestConductor(t)
	app := NewAppServer(c, nil)
	srv := httptest.NewServer(http.HandlerFunc(app.handleWS))
	t.Cleanup(srv.Close)

	// A request before authenticate closes the connection.
	conn := dialWS(t, srv, "")
	frame, err := EncodeMessage(&Message{Type: TypeRequest, ID: 1, Command: "app_info"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "unauthenticated connection must be closed")

	// Authenticating with a bad token also closes.
	conn2 := dialWS(t, srv, "")
	payload, err := EncodePayload(authenticateReq{Token: "bogus"})
	require.NoError(t, err)
	frame, err = EncodeMessage(&Message{Type: TypeRequest, ID: 1, Command: "authenticate", Payload: payload})
	require.NoError(t, err)
	require.NoError(t, conn2.WriteMessage(websocket.BinaryMessage, frame))
	conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn2.ReadMessage()
	assert.Error(t, err)
}

func TestAppInterfaceTokenFlow(t *testing.T) {
	c := newTestConductor(t)
	app := NewAppServer(c, nil)
	srv := httptest.NewServer(http.HandlerFunc(app.handleWS))
	t.Cleanup(srv.Close)

	token, err := c.Tokens().IssueToken("some-app", nil, true, time.Minute)
	require.NoError(t, err)

	conn := dialWS(t, srv, "")
	payload, err := EncodePayload(authenticateReq{Token: token.Token})
	require.NoError(t, err)
	resp := roundTrip(t, conn, &Message{Type: TypeRequest, ID: 1, Command: "authenticate", Payload: payload})
	assert.Empty(t, resp.Error)

	// Post-auth commands reach the dispatcher (the app is not installed,
	// so app_info errors, but through the command path).
	resp = roundTrip(t, conn, &Message{Type: TypeRequest, ID: 2, Command: "app_info"})
	assert.Contains(t, resp.Error, "not installed")
}

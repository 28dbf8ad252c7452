package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/conductor/pkg/bundle"
	"github.com/cuemby/conductor/pkg/conductor"
	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// AppServer serves one app interface: authenticated connections bound to a
// single app, carrying zome calls, clone management, countersigning
// session control, and outbound signals.
type AppServer struct {
	conductor      *conductor.Conductor
	allowedOrigins []string
	upgrader       websocket.Upgrader
	logger         zerolog.Logger

	mu      sync.Mutex
	httpSrv *http.Server
	stopCh  chan struct{}
}

// NewAppServer creates an app interface with an origin allowlist.
func NewAppServer(c *conductor.Conductor, allowedOrigins []string) *AppServer {
	s := &AppServer{
		conductor:      c,
		allowedOrigins: allowedOrigins,
		logger:         log.WithComponent("app-api"),
		stopCh:         make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *AppServer) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range s.allowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Start listens on the port, returning the actual port (for port 0).
func (s *AppServer) Start(port uint16) (uint16, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return 0, fmt.Errorf("failed to listen: %w", err)
	}
	actual := uint16(lis.Addr().(*net.TCPAddr).Port)

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	s.mu.Lock()
	s.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Unlock()

	s.logger.Info().Uint16("port", actual).Msg("App interface listening")
	go func() {
		if err := s.httpSrv.Serve(lis); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("App server stopped")
		}
	}()
	return actual, nil
}

// Stop closes the listener and all connections.
func (s *AppServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
	}
}

type authenticateReq struct {
	Token string `msgpack:"token"`
}

// handleWS drives one connection: the first message must be an
// Authenticate carrying a valid token; everything before that is rejected.
// After authentication the connection carries requests for the bound app
// and receives that app's signals.
func (s *AppServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	appID, err := s.authenticate(conn, r.Header.Get("Origin"))
	if err != nil {
		s.logger.Warn().Err(err).Msg("App interface authentication failed")
		return
	}

	// Signals flow only to connections authenticated against the
	// signalling app.
	sub := s.conductor.Broker().Subscribe()
	defer s.conductor.Broker().Unsubscribe(sub)
	var writeMu sync.Mutex
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case sig, ok := <-sub:
				if !ok {
					return
				}
				if sig.AppID != appID {
					continue
				}
				payload, err := EncodePayload(sig.Payload)
				if err != nil {
					continue
				}
				frame, err := EncodeMessage(&Message{Type: TypeSignal, Command: string(sig.Type), Payload: payload})
				if err != nil {
					continue
				}
				writeMu.Lock()
				_ = conn.WriteMessage(websocket.BinaryMessage, frame)
				writeMu.Unlock()
			case <-done:
				return
			case <-s.stopCh:
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		req, err := DecodeMessage(data)
		if err != nil {
			continue
		}
		resp := s.dispatch(r.Context(), appID, req)
		out, err := EncodeMessage(resp)
		if err != nil {
			continue
		}
		writeMu.Lock()
		err = conn.WriteMessage(websocket.BinaryMessage, out)
		writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// authenticate enforces the first-message contract.
func (s *AppServer) authenticate(conn *websocket.Conn, origin string) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	msg, err := DecodeMessage(data)
	if err != nil {
		return "", err
	}
	if msg.Command != "authenticate" {
		return "", fmt.Errorf("first message must authenticate, got %q", msg.Command)
	}
	var in authenticateReq
	if err := DecodePayload(msg.Payload, &in); err != nil {
		return "", err
	}
	appID, err := s.conductor.Tokens().ValidateToken(in.Token, origin)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrUnauthorized, err)
	}

	ok, err := respond(msg, true)
	if err != nil {
		return "", err
	}
	frame, err := EncodeMessage(ok)
	if err != nil {
		return "", err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return "", err
	}
	return appID, nil
}

// App command payloads.

type cloneReq struct {
	Role      string                    `msgpack:"role"`
	CloneID   string                    `msgpack:"clone_id"`
	Modifiers *bundle.ModifiersOverride `msgpack:"modifiers,omitempty"`
}

type sessionReq struct {
	CellID      types.CellID `msgpack:"cell_id"`
	SessionHash hash.Hash    `msgpack:"session_hash"`
}

func (s *AppServer) dispatch(ctx context.Context, appID string, req *Message) *Message {
	resp, err := s.handle(ctx, appID, req)
	if err != nil {
		return respondErr(req, err)
	}
	return resp
}

func (s *AppServer) handle(ctx context.Context, appID string, req *Message) (*Message, error) {
	switch req.Command {

	case "app_info":
		app, err := s.conductor.GetApp(appID)
		if err != nil {
			return nil, err
		}
		return respond(req, AppSummary{AppID: app.ID, Status: string(app.Status), Cells: app.CellIDs()})

	case "call_zome":
		var params types.ZomeCallParams
		if err := DecodePayload(req.Payload, &params); err != nil {
			return nil, err
		}
		out, err := s.conductor.CallZome(ctx, params)
		if err != nil {
			return nil, err
		}
		return respond(req, types.ZomeCallResult{Payload: out})

	case "create_clone_cell":
		var in cloneReq
		if err := DecodePayload(req.Payload, &in); err != nil {
			return nil, err
		}
		id, err := s.conductor.CreateCloneCell(ctx, appID, in.Role, in.CloneID, in.Modifiers)
		if err != nil {
			return nil, err
		}
		return respond(req, id)

	case "disable_clone_cell":
		var in cloneReq
		if err := DecodePayload(req.Payload, &in); err != nil {
			return nil, err
		}
		if err := s.conductor.DisableCloneCell(appID, in.Role, in.CloneID); err != nil {
			return nil, err
		}
		return respond(req, true)

	case "enable_clone_cell":
		var in cloneReq
		if err := DecodePayload(req.Payload, &in); err != nil {
			return nil, err
		}
		if err := s.conductor.EnableCloneCell(ctx, appID, in.Role, in.CloneID); err != nil {
			return nil, err
		}
		return respond(req, true)

	case "list_cap_grants":
		var in cellIDReq
		if err := DecodePayload(req.Payload, &in); err != nil {
			return nil, err
		}
		cl, err := s.conductor.Cell(in.CellID)
		if err != nil {
			return nil, err
		}
		grants, err := cl.ListGrants()
		if err != nil {
			return nil, err
		}
		return respond(req, grants)

	case "abandon_countersigning_session":
		var in sessionReq
		if err := DecodePayload(req.Payload, &in); err != nil {
			return nil, err
		}
		cl, err := s.conductor.Cell(in.CellID)
		if err != nil {
			return nil, err
		}
		if err := cl.Countersign().Abandon(in.SessionHash); err != nil {
			return nil, err
		}
		return respond(req, true)

	case "publish_countersigning_session":
		var in sessionReq
		if err := DecodePayload(req.Payload, &in); err != nil {
			return nil, err
		}
		cl, err := s.conductor.Cell(in.CellID)
		if err != nil {
			return nil, err
		}
		if err := cl.Countersign().Publish(in.SessionHash); err != nil {
			return nil, err
		}
		return respond(req, true)

	case "get_countersigning_session_state":
		var in sessionReq
		if err := DecodePayload(req.Payload, &in); err != nil {
			return nil, err
		}
		cl, err := s.conductor.Cell(in.CellID)
		if err != nil {
			return nil, err
		}
		state, err := cl.Countersign().SessionState(in.SessionHash)
		if err != nil {
			return nil, err
		}
		return respond(req, state)

	default:
		return nil, fmt.Errorf("unknown app command %q", req.Command)
	}
}

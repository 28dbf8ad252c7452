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
	"github.com/cuemby/conductor/pkg/metrics"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// AdminServer serves the admin interface over websocket: synchronous
// request/response commands managing DNAs, apps, cells and capabilities.
type AdminServer struct {
	conductor *conductor.Conductor
	upgrader  websocket.Upgrader
	logger    zerolog.Logger

	mu       sync.Mutex
	httpSrv  *http.Server
	appIfces map[uint16]*AppServer
}

// NewAdminServer creates an admin server over a conductor.
func NewAdminServer(c *conductor.Conductor) *AdminServer {
	return &AdminServer{
		conductor: c,
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		logger:    log.WithComponent("admin-api"),
		appIfces:  make(map[uint16]*AppServer),
	}
}

// Start listens on addr. The /metrics endpoint rides on the same listener.
func (s *AdminServer) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	mux.Handle("/metrics", metrics.Handler())

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.mu.Lock()
	s.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Unlock()

	s.logger.Info().Str("addr", addr).Msg("Admin interface listening")
	go func() {
		if err := s.httpSrv.Serve(lis); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Admin server stopped")
		}
	}()
	return nil
}

// Stop shuts the admin listener and every attached app interface.
func (s *AdminServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for port, app := range s.appIfces {
		app.Stop()
		delete(s.appIfces, port)
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
	}
}

func (s *AdminServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		req, err := DecodeMessage(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Dropping malformed admin frame")
			continue
		}
		resp := s.dispatch(r.Context(), req)
		out, err := EncodeMessage(resp)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to encode admin response")
			continue
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, out); err != nil {
			return
		}
	}
}

// Admin command payloads.

type installAppReq struct {
	AppID          string               `msgpack:"app_id"`
	Agent          hash.Hash            `msgpack:"agent"`
	Manifest       bundle.AppManifest   `msgpack:"manifest"`
	DnaByRole      map[string]hash.Hash `msgpack:"dna_by_role"`
	MembraneProofs map[string][]byte    `msgpack:"membrane_proofs,omitempty"`
}

type appIDReq struct {
	AppID string `msgpack:"app_id"`
}

type cellIDReq struct {
	CellID types.CellID `msgpack:"cell_id"`
}

type attachAppInterfaceReq struct {
	Port           uint16   `msgpack:"port"`
	AllowedOrigins []string `msgpack:"allowed_origins"`
}

type issueTokenReq struct {
	AppID          string   `msgpack:"app_id"`
	AllowedOrigins []string `msgpack:"allowed_origins"`
	SingleUse      bool     `msgpack:"single_use"`
	ExpirySeconds  uint64   `msgpack:"expiry_seconds"`
}

type grantCapReq struct {
	CellID types.CellID   `msgpack:"cell_id"`
	Grant  types.CapGrant `msgpack:"grant"`
}

type revokeCapReq struct {
	CellID      types.CellID `msgpack:"cell_id"`
	GrantAction hash.Hash    `msgpack:"grant_action"`
}

type graftReq struct {
	CellID   types.CellID   `msgpack:"cell_id"`
	Validate bool           `msgpack:"validate"`
	Records  []types.Record `msgpack:"records"`
}

type cloneCellsReq struct {
	AppID string `msgpack:"app_id"`
	Role  string `msgpack:"role"`
}

type enableAppResp struct {
	AppID      string   `msgpack:"app_id"`
	Status     string   `msgpack:"status"`
	CellErrors []string `msgpack:"cell_errors,omitempty"`
}

func (s *AdminServer) dispatch(ctx context.Context, req *Message) *Message {
	resp, err := s.handle(ctx, req)
	if err != nil {
		s.logger.Warn().Err(err).Str("command", req.Command).Msg("Admin command failed")
		return respondErr(req, err)
	}
	return resp
}

func (s *AdminServer) handle(ctx context.Context, req *Message) (*Message, error) {
	switch req.Command {

	case "register_dna":
		var bundleBytes []byte
		if err := DecodePayload(req.Payload, &bundleBytes); err != nil {
			return nil, err
		}
		b, err := bundle.Unpack(bundleBytes)
		if err != nil {
			return nil, err
		}
		dna, err := bundle.BuildDnaDef(b, "")
		if err != nil {
			return nil, err
		}
		dnaHash, err := s.conductor.RegisterDna(dna)
		if err != nil {
			return nil, err
		}
		return respond(req, dnaHash)

	case "install_app":
		var in installAppReq
		if err := DecodePayload(req.Payload, &in); err != nil {
			return nil, err
		}
		app, err := s.conductor.InstallApp(in.AppID, in.Agent, in.Manifest, in.DnaByRole, in.MembraneProofs)
		if err != nil {
			return nil, err
		}
		return respond(req, app.ID)

	case "uninstall_app":
		var in appIDReq
		if err := DecodePayload(req.Payload, &in); err != nil {
			return nil, err
		}
		return respond(req, s.conductor.UninstallApp(in.AppID) == nil)

	case "enable_app":
		var in appIDReq
		if err := DecodePayload(req.Payload, &in); err != nil {
			return nil, err
		}
		app, cellErrs, err := s.conductor.EnableApp(ctx, in.AppID)
		out := enableAppResp{AppID: in.AppID}
		for _, ce := range cellErrs {
			out.CellErrors = append(out.CellErrors, fmt.Sprintf("%s: %v", ce.CellID, ce.Err))
		}
		if err != nil {
			out.Status = string(conductor.AppDisabled)
			return respond(req, out)
		}
		out.Status = string(app.Status)
		return respond(req, out)

	case "disable_app":
		var in appIDReq
		if err := DecodePayload(req.Payload, &in); err != nil {
			return nil, err
		}
		if err := s.conductor.DisableApp(in.AppID); err != nil {
			return nil, err
		}
		return respond(req, true)

	case "list_dnas":
		return respond(req, s.conductor.ListDnas())

	case "list_cells":
		return respond(req, s.conductor.ListCells())

	case "list_apps":
		return respond(req, appSummaries(s.conductor.ListApps(false)))

	case "list_enabled_apps":
		return respond(req, appSummaries(s.conductor.ListApps(true)))

	case "list_app_interfaces":
		s.mu.Lock()
		ports := make([]uint16, 0, len(s.appIfces))
		for port := range s.appIfces {
			ports = append(ports, port)
		}
		s.mu.Unlock()
		return respond(req, ports)

	case "attach_app_interface":
		var in attachAppInterfaceReq
		if err := DecodePayload(req.Payload, &in); err != nil {
			return nil, err
		}
		port, err := s.AttachAppInterface(in.Port, in.AllowedOrigins)
		if err != nil {
			return nil, err
		}
		return respond(req, port)

	case "detach_app_interface":
		var port uint16
		if err := DecodePayload(req.Payload, &port); err != nil {
			return nil, err
		}
		s.mu.Lock()
		if app, ok := s.appIfces[port]; ok {
			app.Stop()
			delete(s.appIfces, port)
		}
		s.mu.Unlock()
		return respond(req, true)

	case "dump_state":
		var in cellIDReq
		if err := DecodePayload(req.Payload, &in); err != nil {
			return nil, err
		}
		dump, err := s.conductor.DumpState(in.CellID)
		if err != nil {
			return nil, err
		}
		return respond(req, dump)

	case "storage_info":
		var out []conductor.StateDump
		for _, id := range s.conductor.ListCells() {
			dump, err := s.conductor.DumpState(id)
			if err != nil {
				return nil, err
			}
			out = append(out, *dump)
		}
		return respond(req, out)

	case "generate_agent_key":
		agent, err := s.conductor.GenerateAgentKey()
		if err != nil {
			return nil, err
		}
		return respond(req, agent)

	case "grant_zome_call_capability":
		var in grantCapReq
		if err := DecodePayload(req.Payload, &in); err != nil {
			return nil, err
		}
		cl, err := s.conductor.Cell(in.CellID)
		if err != nil {
			return nil, err
		}
		grantHash, err := cl.GrantCapability(in.Grant)
		if err != nil {
			return nil, err
		}
		return respond(req, grantHash)

	case "revoke_zome_call_capability":
		var in revokeCapReq
		if err := DecodePayload(req.Payload, &in); err != nil {
			return nil, err
		}
		cl, err := s.conductor.Cell(in.CellID)
		if err != nil {
			return nil, err
		}
		if err := cl.RevokeCapability(in.GrantAction); err != nil {
			return nil, err
		}
		return respond(req, true)

	case "delete_disabled_clone_cells":
		var in cloneCellsReq
		if err := DecodePayload(req.Payload, &in); err != nil {
			return nil, err
		}
		if err := s.conductor.DeleteDisabledCloneCells(in.AppID, in.Role); err != nil {
			return nil, err
		}
		return respond(req, true)

	case "get_dna_definition":
		var in cellIDReq
		if err := DecodePayload(req.Payload, &in); err != nil {
			return nil, err
		}
		dna, err := s.conductor.GetDna(in.CellID.DnaHash)
		if err != nil {
			return nil, err
		}
		return respond(req, dna)

	case "graft_records":
		var in graftReq
		if err := DecodePayload(req.Payload, &in); err != nil {
			return nil, err
		}
		if err := s.conductor.GraftRecords(in.CellID, in.Validate, in.Records); err != nil {
			return nil, err
		}
		return respond(req, true)

	case "add_agent_info":
		var infos []conductor.AgentInfo
		if err := DecodePayload(req.Payload, &infos); err != nil {
			return nil, err
		}
		s.conductor.AddAgentInfo(infos)
		return respond(req, true)

	case "get_agent_info":
		var dnaFilter []hash.Hash
		if err := DecodePayload(req.Payload, &dnaFilter); err != nil {
			return nil, err
		}
		return respond(req, s.conductor.GetAgentInfo(dnaFilter))

	case "dump_network_metrics":
		// Aggregate per-cell op-queue depths; transport-level metrics
		// belong to the p2p layer.
		out := make(map[string]map[string]int)
		for _, id := range s.conductor.ListCells() {
			dump, err := s.conductor.DumpState(id)
			if err != nil {
				return nil, err
			}
			out[id.String()] = dump.OpCounts
		}
		return respond(req, out)

	case "issue_app_auth_token":
		var in issueTokenReq
		if err := DecodePayload(req.Payload, &in); err != nil {
			return nil, err
		}
		expiry := time.Duration(in.ExpirySeconds) * time.Second
		if expiry == 0 {
			expiry = 30 * time.Second
		}
		token, err := s.conductor.Tokens().IssueToken(in.AppID, in.AllowedOrigins, in.SingleUse, expiry)
		if err != nil {
			return nil, err
		}
		return respond(req, token.Token)

	default:
		return nil, fmt.Errorf("unknown admin command %q", req.Command)
	}
}

// AppSummary is the admin listing view of an installed app.
type AppSummary struct {
	AppID  string         `msgpack:"app_id"`
	Status string         `msgpack:"status"`
	Cells  []types.CellID `msgpack:"cells"`
}

func appSummaries(apps []*conductor.App) []AppSummary {
	out := make([]AppSummary, 0, len(apps))
	for _, app := range apps {
		out = append(out, AppSummary{AppID: app.ID, Status: string(app.Status), Cells: app.CellIDs()})
	}
	return out
}

// AttachAppInterface starts an app interface on the port with an
// origin allowlist. Port 0 picks a free port; the chosen port is returned.
func (s *AdminServer) AttachAppInterface(port uint16, allowedOrigins []string) (uint16, error) {
	app := NewAppServer(s.conductor, allowedOrigins)
	actual, err := app.Start(port)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.appIfces[actual] = app
	s.mu.Unlock()
	return actual, nil
}

package countersign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/conductor/pkg/chain"
	"github.com/cuemby/conductor/pkg/events"
	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/keystore"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/metrics"
	"github.com/cuemby/conductor/pkg/network"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/rs/zerolog"
)

// Acceptance failures. These fail cleanly: the chain is left unlocked.
var (
	ErrFutureStart   = errors.New("session start is in the future")
	ErrAgentNotFound = errors.New("agent is not a session participant")
	ErrWindowClosed  = errors.New("session window already closed")
	ErrUnknownSession = errors.New("no such countersigning session")
)

// Session is one participant's local view of a countersigning session.
// Cross-node reconciliation never runs as a distributed routine: acceptance
// is a local state transition and resolution a polling workflow.
type Session struct {
	Request    types.PreflightRequest
	Hash       hash.Hash
	State      types.SessionState
	MyResponse types.PreflightResponse
	// EntryHash is set once the countersigned entry is committed locally.
	EntryHash *hash.Hash
	// Responses collected from peers, keyed by agent, for entry building.
	Responses map[string]types.PreflightResponse
}

// Manager coordinates countersigning for one cell: chain locking at
// acceptance, the committed-entry tracking, and the resolution workflow.
type Manager struct {
	cellID types.CellID
	chain  *chain.SourceChain
	ks     *keystore.Keystore
	net    network.Handle
	broker *events.Broker
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session // by preflight hash string

	stopCh chan struct{}
}

// NewManager creates a countersigning manager for a cell.
func NewManager(cellID types.CellID, ch *chain.SourceChain, ks *keystore.Keystore,
	net network.Handle, broker *events.Broker) *Manager {
	return &Manager{
		cellID:   cellID,
		chain:    ch,
		ks:       ks,
		net:      net,
		broker:   broker,
		logger:   log.WithComponent("countersign").With().Str("cell_id", cellID.String()).Logger(),
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}
}

// RecoverState inspects a persisted chain lock at startup. A lock whose
// session the manager does not know is indeterminate: the node may have
// crashed between commit and resolution, so the session enters Unknown and
// waits for an explicit Abandon or Publish from the app.
func (m *Manager) RecoverState() error {
	subject, err := m.chain.LockSubject()
	if err != nil {
		return err
	}
	if subject == nil {
		return nil
	}
	h, err := hash.Decode(subject)
	if err != nil {
		return fmt.Errorf("chain lock subject is not a session hash: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, known := m.sessions[h.String()]; !known {
		m.sessions[h.String()] = &Session{
			Hash:      h,
			State:     types.SessionUnknown,
			Responses: make(map[string]types.PreflightResponse),
		}
		m.logger.Warn().Str("session", h.String()).Msg("Recovered indeterminate countersigning session")
	}
	return nil
}

// Accept handles accept_countersigning_preflight_request: verify the
// window, lock the chain under the preflight hash, sign, and answer with
// our chain position. Re-accepting the same request while locked returns
// the identical response.
func (m *Manager) Accept(ctx context.Context, req types.PreflightRequest) (*types.PreflightResponse, error) {
	if err := req.Check(); err != nil {
		return nil, fmt.Errorf("invalid preflight request: %w", err)
	}
	if req.AgentIndex(m.cellID.AgentKey) < 0 {
		return nil, ErrAgentNotFound
	}
	now := types.Now()
	if now < req.SessionStart {
		return nil, ErrFutureStart
	}
	if now >= req.SessionEnd {
		return nil, ErrWindowClosed
	}

	reqHash, err := req.Hash()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Idempotent re-acceptance.
	if session, ok := m.sessions[reqHash.String()]; ok && session.State == types.SessionAccepted {
		resp := session.MyResponse
		return &resp, nil
	}

	head, err := m.chain.Head()
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, fmt.Errorf("cannot countersign on an empty chain")
	}

	// Lock first; a competing session already holding the lock fails here
	// and nothing below runs.
	if err := m.chain.Lock(reqHash.Bytes()); err != nil {
		return nil, err
	}

	sig, err := m.ks.Sign(m.cellID.AgentKey, reqHash.Bytes())
	if err != nil {
		// Leave no half-accepted state behind.
		if uerr := m.chain.Unlock(); uerr != nil {
			m.logger.Error().Err(uerr).Msg("Failed to unlock after signing failure")
		}
		return nil, fmt.Errorf("failed to sign preflight: %w", err)
	}

	resp := types.PreflightResponse{
		Request:      req,
		Agent:        m.cellID.AgentKey,
		ChainTopHash: head.Hash,
		ChainTopSeq:  head.Seq,
		Signature:    sig,
	}
	m.sessions[reqHash.String()] = &Session{
		Request:    req,
		Hash:       reqHash,
		State:      types.SessionAccepted,
		MyResponse: resp,
		Responses:  map[string]types.PreflightResponse{m.cellID.AgentKey.String(): resp},
	}
	m.logger.Info().Str("session", reqHash.String()).Msg("Countersigning session accepted, chain locked")
	return &resp, nil
}

// AddResponse records a peer's preflight response, verifying its signature
// over the session hash. Responses arrive out-of-band via the app or pushed
// through the network layer.
func (m *Manager) AddResponse(resp types.PreflightResponse) error {
	reqHash, err := resp.Request.Hash()
	if err != nil {
		return err
	}
	if !keystore.Verify(resp.Agent, reqHash.Bytes(), resp.Signature) {
		return fmt.Errorf("preflight response signature does not verify for %s", resp.Agent)
	}
	if resp.Request.AgentIndex(resp.Agent) < 0 {
		return ErrAgentNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[reqHash.String()]
	if !ok {
		return ErrUnknownSession
	}
	session.Responses[resp.Agent.String()] = resp
	return nil
}

// BuildEntry deterministically constructs the countersigned session data
// from the collected responses, ordered by the request's participant
// ordering. Every participant building from the same responses produces
// byte-identical session data.
func (m *Manager) BuildEntry(sessionHash hash.Hash, appBytes []byte) (*types.Entry, error) {
	m.mu.Lock()
	session, ok := m.sessions[sessionHash.String()]
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknownSession
	}

	ordered, err := orderedResponses(&session.Request, session.Responses)
	if err != nil {
		return nil, err
	}
	return &types.Entry{
		Kind:     types.EntryKindCounterSign,
		AppBytes: appBytes,
		CounterSign: &types.CounterSigningSessionData{
			Request:   session.Request,
			Responses: ordered,
		},
	}, nil
}

// orderedResponses requires every required participant (and at least the
// minimal optional count) and sorts by participant index.
func orderedResponses(req *types.PreflightRequest, byAgent map[string]types.PreflightResponse) ([]types.PreflightResponse, error) {
	var ordered []types.PreflightResponse
	for _, a := range req.SigningAgents {
		resp, ok := byAgent[a.Agent.String()]
		if !ok {
			return nil, fmt.Errorf("missing response from required agent %s", a.Agent)
		}
		ordered = append(ordered, resp)
	}
	optional := 0
	for _, a := range req.OptionalAgents {
		if resp, ok := byAgent[a.Agent.String()]; ok {
			ordered = append(ordered, resp)
			optional++
		}
	}
	if optional < int(req.MinimalOptional) {
		return nil, fmt.Errorf("only %d of %d required optional responses", optional, req.MinimalOptional)
	}
	return ordered, nil
}

// MarkCommitted records the locally committed countersigned entry and
// starts the resolution clock for the session.
func (m *Manager) MarkCommitted(sessionHash hash.Hash, entryHash hash.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionHash.String()]
	if !ok {
		return ErrUnknownSession
	}
	session.State = types.SessionCommitted
	session.EntryHash = &entryHash
	return nil
}

// SessionState reports a session's current state.
func (m *Manager) SessionState(sessionHash hash.Hash) (types.SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionHash.String()]
	if !ok {
		return "", ErrUnknownSession
	}
	return session.State, nil
}

// ActiveLock returns the preflight hash of the session currently holding
// the chain lock, or nil.
func (m *Manager) ActiveLock() ([]byte, error) {
	return m.chain.LockSubject()
}

// Abandon resolves a session as abandoned: unlock the chain and discard
// session state. For Unknown sessions this is the app's explicit decision.
func (m *Manager) Abandon(sessionHash hash.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolveLocked(sessionHash, types.SessionAbandoned)
}

// Publish resolves an Unknown session by treating it as committed again.
// It only changes the session state; it does not re-queue the entry's ops
// for publishing.
func (m *Manager) Publish(sessionHash hash.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionHash.String()]
	if !ok {
		return ErrUnknownSession
	}
	if session.State != types.SessionUnknown {
		return fmt.Errorf("publish only applies to unknown-state sessions, session is %s", session.State)
	}
	session.State = types.SessionCommitted
	return nil
}

// resolveLocked finalizes a session. Callers hold m.mu.
func (m *Manager) resolveLocked(sessionHash hash.Hash, outcome types.SessionState) error {
	session, ok := m.sessions[sessionHash.String()]
	if !ok {
		return ErrUnknownSession
	}
	if err := m.chain.Unlock(); err != nil {
		return err
	}
	session.State = outcome
	metrics.CountersigningSessions.WithLabelValues(string(outcome)).Inc()

	if m.broker != nil {
		sig := &events.Signal{CellID: m.cellID, EntryHash: session.EntryHash}
		switch outcome {
		case types.SessionComplete:
			sig.Type = events.SignalCountersigningSuccess
		default:
			sig.Type = events.SignalCountersigningAbandon
		}
		m.broker.Publish(sig)
	}
	m.logger.Info().
		Str("session", sessionHash.String()).
		Str("outcome", string(outcome)).
		Msg("Countersigning session resolved")
	return nil
}

// Start launches the resolution workflow.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
			if err := m.RunResolution(ctx); err != nil {
				m.logger.Error().Err(err).Msg("Countersigning resolution cycle failed")
			}
		}
	}()
}

// Stop stops the resolution workflow.
func (m *Manager) Stop() {
	close(m.stopCh)
}

// RunResolution advances every in-flight session: committed sessions poll
// the session authority for the full signature set; expired windows
// abandon. Unknown sessions wait for the app.
func (m *Manager) RunResolution(ctx context.Context) error {
	m.mu.Lock()
	pending := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.State == types.SessionAccepted || s.State == types.SessionCommitted {
			pending = append(pending, s)
		}
	}
	m.mu.Unlock()

	now := types.Now()
	for _, session := range pending {
		if session.State == types.SessionCommitted && session.EntryHash != nil {
			complete, err := m.sessionComplete(ctx, session)
			if err != nil {
				// Transient lookup trouble; the next cycle retries.
				m.logger.Debug().Err(err).Str("session", session.Hash.String()).Msg("Resolution poll failed")
			} else if complete {
				m.mu.Lock()
				err := m.resolveLocked(session.Hash, types.SessionComplete)
				m.mu.Unlock()
				if err != nil {
					return err
				}
				continue
			}
		}
		// The node stayed up through the window: expiry is determinate.
		if now >= session.Request.SessionEnd {
			m.mu.Lock()
			err := m.resolveLocked(session.Hash, types.SessionAbandoned)
			m.mu.Unlock()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// sessionComplete asks the entry's authorities whether every required
// participant (and enough optional ones) committed the countersigned entry.
func (m *Manager) sessionComplete(ctx context.Context, session *Session) (bool, error) {
	if m.net == nil {
		return false, nil
	}
	details, err := m.net.GetEntryDetails(ctx, *session.EntryHash)
	if err != nil || details == nil {
		return false, err
	}

	seen := make(map[string]bool)
	for i := range details.Actions {
		seen[details.Actions[i].Action.Author.String()] = true
	}
	for _, a := range session.Request.SigningAgents {
		if !seen[a.Agent.String()] {
			return false, nil
		}
	}
	optional := 0
	for _, a := range session.Request.OptionalAgents {
		if seen[a.Agent.String()] {
			optional++
		}
	}
	return optional >= int(session.Request.MinimalOptional), nil
}

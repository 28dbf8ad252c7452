package types

import (
	"fmt"

	"github.com/cuemby/conductor/pkg/hash"
	"github.com/vmihailenco/msgpack/v5"
)

// Role labels a participant's part in a countersigning session.
type Role string

// CounterSigningAgent is one participant: their key and the roles they fill.
type CounterSigningAgent struct {
	Agent hash.Hash `msgpack:"agent"`
	Roles []Role    `msgpack:"roles"`
}

// ActionBase is the template the countersigned commit must match: a Create
// or an Update of a named original.
type ActionBase struct {
	Type                  ActionType `msgpack:"type"` // ActionCreate or ActionUpdate
	OriginalActionAddress *hash.Hash `msgpack:"original_action_address,omitempty"`
	OriginalEntryAddress  *hash.Hash `msgpack:"original_entry_address,omitempty"`
}

// PreflightRequest is the initiator's proposal for a countersigning
// session. Its hash is the session identity; a participant's chain lock is
// keyed by it.
type PreflightRequest struct {
	AppEntryHash      hash.Hash             `msgpack:"app_entry_hash"`
	SigningAgents     []CounterSigningAgent `msgpack:"signing_agents"`
	OptionalAgents    []CounterSigningAgent `msgpack:"optional_agents,omitempty"`
	MinimalOptional   uint8                 `msgpack:"minimal_optional"`
	EnzymeRequired    bool                  `msgpack:"enzyme_required"`
	SessionStart      Timestamp             `msgpack:"session_start"`
	SessionEnd        Timestamp             `msgpack:"session_end"`
	ActionBase        ActionBase            `msgpack:"action_base"`
	PreflightBytes    []byte                `msgpack:"preflight_bytes,omitempty"`
}

// Hash is the session identity.
func (r *PreflightRequest) Hash() (hash.Hash, error) {
	data, err := msgpack.Marshal(r)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("failed to serialize preflight request: %w", err)
	}
	return hash.New(hash.KindExternal, data), nil
}

// Check verifies the request's internal consistency. With an enzyme, the
// first required agent is the enzyme; if optional agents exist too, the same
// agent must lead both lists.
func (r *PreflightRequest) Check() error {
	if len(r.SigningAgents) < 2 {
		return fmt.Errorf("countersigning needs at least 2 signing agents, got %d", len(r.SigningAgents))
	}
	if r.SessionEnd <= r.SessionStart {
		return fmt.Errorf("session window is empty")
	}
	if r.EnzymeRequired && len(r.OptionalAgents) > 0 {
		if !r.SigningAgents[0].Agent.Equal(r.OptionalAgents[0].Agent) {
			return fmt.Errorf("enzyme must lead both required and optional agent lists")
		}
	}
	if int(r.MinimalOptional) > len(r.OptionalAgents) {
		return fmt.Errorf("minimal optional %d exceeds optional agent count %d", r.MinimalOptional, len(r.OptionalAgents))
	}
	if r.ActionBase.Type != ActionCreate && r.ActionBase.Type != ActionUpdate {
		return fmt.Errorf("action base must be create or update, got %s", r.ActionBase.Type)
	}
	return nil
}

// AgentIndex returns the position of an agent across required-then-optional
// ordering, or -1 if the agent is not a participant.
func (r *PreflightRequest) AgentIndex(agent hash.Hash) int {
	for i, a := range r.SigningAgents {
		if a.Agent.Equal(agent) {
			return i
		}
	}
	for i, a := range r.OptionalAgents {
		if a.Agent.Equal(agent) {
			return len(r.SigningAgents) + i
		}
	}
	return -1
}

// PreflightResponse is a participant's signed acceptance: where their chain
// stood when they locked it.
type PreflightResponse struct {
	Request      PreflightRequest `msgpack:"request"`
	Agent        hash.Hash        `msgpack:"agent"`
	ChainTopHash hash.Hash        `msgpack:"chain_top_hash"`
	ChainTopSeq  uint32           `msgpack:"chain_top_seq"`
	Signature    Signature        `msgpack:"signature"`
}

// CounterSigningSessionData is the session metadata embedded in the
// countersigned entry, built deterministically from all responses.
type CounterSigningSessionData struct {
	Request   PreflightRequest       `msgpack:"request"`
	Responses []PreflightResponse    `msgpack:"responses"`
}

// SessionState is a participant's local view of a session's resolution.
type SessionState string

const (
	SessionAccepted  SessionState = "accepted"
	SessionCommitted SessionState = "committed"
	SessionComplete  SessionState = "complete"
	SessionAbandoned SessionState = "abandoned"
	// SessionUnknown: the node restarted mid-session and cannot resolve it
	// without an explicit abandon or publish from the app.
	SessionUnknown SessionState = "unknown"
)

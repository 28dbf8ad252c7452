package types

import (
	"fmt"

	"github.com/cuemby/conductor/pkg/hash"
	"github.com/vmihailenco/msgpack/v5"
)

// Visibility controls whether entry content is published to the DHT or only
// its action.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// EntryKind discriminates entry variants.
type EntryKind string

const (
	EntryKindAgent       EntryKind = "agent"
	EntryKindApp         EntryKind = "app"
	EntryKindCounterSign EntryKind = "countersign"
	EntryKindCapClaim    EntryKind = "cap_claim"
	EntryKindCapGrant    EntryKind = "cap_grant"
)

// AppEntryDef locates an app entry type inside a DNA: the integrity zome
// that declared it and the index of the definition within that zome.
type AppEntryDef struct {
	ZomeIndex  uint8      `msgpack:"zome_index"`
	EntryIndex uint8      `msgpack:"entry_index"`
	Visibility Visibility `msgpack:"visibility"`
}

// EntryType is the declared type of an entry as referenced from a Create or
// Update action. System kinds have fixed visibility; App carries its
// definition.
type EntryType struct {
	Kind EntryKind    `msgpack:"kind"`
	App  *AppEntryDef `msgpack:"app,omitempty"`
}

// Visibility returns the effective visibility: CapClaim and CapGrant entries
// are always private, Agent and CounterSign always public, App as declared.
func (et EntryType) Visibility() Visibility {
	switch et.Kind {
	case EntryKindCapClaim, EntryKindCapGrant:
		return VisibilityPrivate
	case EntryKindApp:
		if et.App != nil {
			return et.App.Visibility
		}
	}
	return VisibilityPublic
}

// Entry is addressable content. Exactly one of the variant fields is set,
// matching Kind.
type Entry struct {
	Kind EntryKind `msgpack:"kind"`

	// Agent: the public key bytes; the entry hash is the key itself.
	AgentKey []byte `msgpack:"agent_key,omitempty"`

	// App and CounterSign: opaque application bytes.
	AppBytes []byte `msgpack:"app_bytes,omitempty"`

	// CounterSign: the session data alongside the app bytes.
	CounterSign *CounterSigningSessionData `msgpack:"countersign,omitempty"`

	CapClaim *CapClaim `msgpack:"cap_claim,omitempty"`
	CapGrant *CapGrant `msgpack:"cap_grant,omitempty"`
}

// Hash computes the entry address. Agent entries hash to the embedded key;
// everything else is blake2b over canonical serialization.
func (e *Entry) Hash() (hash.Hash, error) {
	if e.Kind == EntryKindAgent {
		if len(e.AgentKey) != 32 {
			return hash.Hash{}, fmt.Errorf("agent entry must embed a 32-byte key, got %d", len(e.AgentKey))
		}
		return hash.FromDigest(hash.KindAgent, e.AgentKey), nil
	}
	data, err := msgpack.Marshal(e)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("failed to serialize entry: %w", err)
	}
	return hash.New(hash.KindEntry, data), nil
}

// CapSecret is the shared secret presented by callers of transferable and
// assigned grants.
type CapSecret [64]byte

// CapAccess describes who may exercise a grant.
type CapAccess string

const (
	CapAccessUnrestricted CapAccess = "unrestricted"
	CapAccessTransferable CapAccess = "transferable"
	CapAccessAssigned     CapAccess = "assigned"
)

// GrantedFunction names a single callable (zome, function) pair.
type GrantedFunction struct {
	Zome     string `msgpack:"zome"`
	Function string `msgpack:"function"`
}

// GrantedFunctions is either the full surface of the cell or a listed set.
type GrantedFunctions struct {
	All       bool              `msgpack:"all"`
	Functions []GrantedFunction `msgpack:"functions,omitempty"`
}

// Covers reports whether the set includes the given function.
func (g GrantedFunctions) Covers(zome, fn string) bool {
	if g.All {
		return true
	}
	for _, f := range g.Functions {
		if f.Zome == zome && f.Function == fn {
			return true
		}
	}
	return false
}

// CapGrant is a capability grant committed as a private entry on the
// grantor's chain. Revocation is deletion of the grant's action.
type CapGrant struct {
	Tag       string           `msgpack:"tag"`
	Access    CapAccess        `msgpack:"access"`
	Secret    *CapSecret       `msgpack:"secret,omitempty"`
	Assignees []hash.Hash      `msgpack:"assignees,omitempty"`
	Functions GrantedFunctions `msgpack:"functions"`
}

// IsAssignee reports whether the agent is in the grant's assignee set.
func (g *CapGrant) IsAssignee(agent hash.Hash) bool {
	for _, a := range g.Assignees {
		if a.Equal(agent) {
			return true
		}
	}
	return false
}

// CapClaim is the claimant's privately stored record of a grant it received.
type CapClaim struct {
	Tag     string    `msgpack:"tag"`
	Grantor hash.Hash `msgpack:"grantor"`
	Secret  CapSecret `msgpack:"secret"`
}

// NewAgentEntry wraps a public key as an Agent entry.
func NewAgentEntry(agentKey []byte) *Entry {
	return &Entry{Kind: EntryKindAgent, AgentKey: agentKey}
}

// NewAppEntry wraps opaque application bytes.
func NewAppEntry(data []byte) *Entry {
	return &Entry{Kind: EntryKindApp, AppBytes: data}
}

package network

import (
	"context"

	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/types"
)

// Peer is another node as seen by the conductor core: its agent and the
// centre of the arc it claims to hold. Arc assignment itself belongs to the
// p2p layer; the core only ever asks for the nearest N peers to a basis.
type Peer struct {
	Agent     hash.Hash
	ArcCenter uint32
}

// Handle is the conductor core's view of the p2p layer. Gossip internals
// are opaque; the p2p layer calls back into the core through Receiver to
// deliver ops and ask for data.
//
// All methods returning an error may wrap types.ErrNetwork for transient
// transport failures; workflows retry those on their own schedule.
type Handle interface {
	// NearestAuthorities returns the n peers whose arc centres sit closest
	// to the basis location.
	NearestAuthorities(basis hash.Hash, n int) ([]Peer, error)

	// PushOps fast-pushes authored ops to one authority.
	PushOps(ctx context.Context, peer Peer, ops []types.DhtOp) error

	// SendReceipts returns signed validation receipts to an op author,
	// batched per receiving author.
	SendReceipts(ctx context.Context, author hash.Hash, receipts []types.SignedValidationReceipt) error

	// Get fetches the record stored at a basis from its authorities.
	Get(ctx context.Context, basis hash.Hash) (*types.Record, error)

	// GetEntryDetails fetches the metadata view at an entry basis.
	GetEntryDetails(ctx context.Context, entryHash hash.Hash) (*types.EntryDetails, error)

	// GetRecordDetails fetches the metadata view at an action basis.
	GetRecordDetails(ctx context.Context, actionHash hash.Hash) (*types.RecordDetails, error)

	// GetLinks fetches the live links at a base.
	GetLinks(ctx context.Context, q types.LinkQuery) ([]types.Link, error)

	// GetLinkDetails fetches links plus tombstones at a base.
	GetLinkDetails(ctx context.Context, base hash.Hash) ([]types.LinkDetails, error)

	// GetAgentActivity fetches an agent's activity (with warrants) from
	// its activity authorities.
	GetAgentActivity(ctx context.Context, agent hash.Hash) (*types.AgentActivity, error)

	// CallRemote invokes a zome function on a remote agent's cell.
	CallRemote(ctx context.Context, target hash.Hash, call types.ZomeCallParams) ([]byte, error)

	// SendRemoteSignal fire-and-forgets a signal payload to remote agents.
	SendRemoteSignal(ctx context.Context, targets []hash.Hash, payload []byte) error

	// PushCountersigningResponse forwards a preflight response toward the
	// session's enzyme or initiator.
	PushCountersigningResponse(ctx context.Context, target hash.Hash, resp types.PreflightResponse) error
}

// Receiver is implemented by the conductor core per cell; the p2p layer
// delivers inbound traffic through it.
type Receiver interface {
	// ReceiveOps accepts pushed or gossiped ops for validation.
	ReceiveOps(ctx context.Context, ops []types.DhtOp) error

	// ReceiveReceipts accepts validation receipts for our authored ops.
	ReceiveReceipts(ctx context.Context, receipts []types.SignedValidationReceipt) error

	// HandleGet serves a record by basis out of the integrated store.
	HandleGet(ctx context.Context, basis hash.Hash) (*types.Record, error)

	// HandleRemoteCall dispatches an inbound remote zome call.
	HandleRemoteCall(ctx context.Context, call types.ZomeCallParams) ([]byte, error)

	// HandleRemoteSignal delivers an inbound remote signal.
	HandleRemoteSignal(ctx context.Context, from hash.Hash, payload []byte) error
}

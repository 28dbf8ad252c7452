package network

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/types"
)

// Loopback is an in-process network: every registered cell is a peer and
// delivery is a direct method call. It serves single-node operation and
// tests; the real transport plugs in behind the same Handle interface.
type Loopback struct {
	mu    sync.RWMutex
	cells map[string]loopbackCell // by agent hash string
	// Unreachable marks agents that drop traffic, for partition tests.
	unreachable map[string]bool
}

type loopbackCell struct {
	peer     Peer
	receiver Receiver
}

// NewLoopback creates an empty in-process network.
func NewLoopback() *Loopback {
	return &Loopback{
		cells:       make(map[string]loopbackCell),
		unreachable: make(map[string]bool),
	}
}

// Register adds a cell as a peer. The arc centre is the agent's own
// location, which spreads loopback peers over the ring.
func (l *Loopback) Register(agent hash.Hash, r Receiver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cells[agent.String()] = loopbackCell{
		peer:     Peer{Agent: agent, ArcCenter: agent.Loc()},
		receiver: r,
	}
}

// Unregister removes a peer.
func (l *Loopback) Unregister(agent hash.Hash) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cells, agent.String())
}

// SetUnreachable toggles traffic dropping for an agent.
func (l *Loopback) SetUnreachable(agent hash.Hash, down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unreachable[agent.String()] = down
}

func (l *Loopback) receiverFor(agent hash.Hash) (Receiver, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.unreachable[agent.String()] {
		return nil, fmt.Errorf("%w: peer %s unreachable", types.ErrNetwork, agent)
	}
	cell, ok := l.cells[agent.String()]
	if !ok {
		return nil, fmt.Errorf("%w: no peer %s", types.ErrNetwork, agent)
	}
	return cell.receiver, nil
}

// ringDistance is the wrap-around distance between two ring locations.
func ringDistance(a, b uint32) uint32 {
	d := a - b
	if db := b - a; db < d {
		d = db
	}
	return d
}

// NearestAuthorities implements Handle.
func (l *Loopback) NearestAuthorities(basis hash.Hash, n int) ([]Peer, error) {
	l.mu.RLock()
	peers := make([]Peer, 0, len(l.cells))
	for _, c := range l.cells {
		peers = append(peers, c.peer)
	}
	l.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool {
		di := ringDistance(peers[i].ArcCenter, basis.Loc())
		dj := ringDistance(peers[j].ArcCenter, basis.Loc())
		if di != dj {
			return di < dj
		}
		return peers[i].Agent.String() < peers[j].Agent.String()
	})
	if len(peers) > n {
		peers = peers[:n]
	}
	return peers, nil
}

// PushOps implements Handle.
func (l *Loopback) PushOps(ctx context.Context, peer Peer, ops []types.DhtOp) error {
	r, err := l.receiverFor(peer.Agent)
	if err != nil {
		return err
	}
	return r.ReceiveOps(ctx, ops)
}

// SendReceipts implements Handle.
func (l *Loopback) SendReceipts(ctx context.Context, author hash.Hash, receipts []types.SignedValidationReceipt) error {
	r, err := l.receiverFor(author)
	if err != nil {
		return err
	}
	return r.ReceiveReceipts(ctx, receipts)
}

// Get implements Handle by asking the nearest authorities in order.
func (l *Loopback) Get(ctx context.Context, basis hash.Hash) (*types.Record, error) {
	peers, err := l.NearestAuthorities(basis, 3)
	if err != nil {
		return nil, err
	}
	for _, p := range peers {
		r, err := l.receiverFor(p.Agent)
		if err != nil {
			continue
		}
		record, err := r.HandleGet(ctx, basis)
		if err == nil && record != nil {
			return record, nil
		}
	}
	return nil, nil
}

// getQuerier lets loopback serve the detail queries straight from a peer's
// receiver when the receiver also implements them.
type getQuerier interface {
	HandleGetEntryDetails(ctx context.Context, entryHash hash.Hash) (*types.EntryDetails, error)
	HandleGetRecordDetails(ctx context.Context, actionHash hash.Hash) (*types.RecordDetails, error)
	HandleGetLinks(ctx context.Context, q types.LinkQuery) ([]types.Link, error)
	HandleGetLinkDetails(ctx context.Context, base hash.Hash) ([]types.LinkDetails, error)
	HandleGetAgentActivity(ctx context.Context, agent hash.Hash) (*types.AgentActivity, error)
	HandleCallRemote(ctx context.Context, call types.ZomeCallParams) ([]byte, error)
	HandleCountersigningResponse(ctx context.Context, resp types.PreflightResponse) error
}

func (l *Loopback) query(basis hash.Hash, f func(getQuerier) (bool, error)) error {
	peers, err := l.NearestAuthorities(basis, 3)
	if err != nil {
		return err
	}
	for _, p := range peers {
		r, err := l.receiverFor(p.Agent)
		if err != nil {
			continue
		}
		q, ok := r.(getQuerier)
		if !ok {
			continue
		}
		done, err := f(q)
		if err != nil {
			continue
		}
		if done {
			return nil
		}
	}
	return nil
}

// GetEntryDetails implements Handle.
func (l *Loopback) GetEntryDetails(ctx context.Context, entryHash hash.Hash) (*types.EntryDetails, error) {
	var out *types.EntryDetails
	err := l.query(entryHash, func(q getQuerier) (bool, error) {
		details, err := q.HandleGetEntryDetails(ctx, entryHash)
		if err != nil || details == nil {
			return false, err
		}
		out = details
		return true, nil
	})
	return out, err
}

// GetRecordDetails implements Handle.
func (l *Loopback) GetRecordDetails(ctx context.Context, actionHash hash.Hash) (*types.RecordDetails, error) {
	var out *types.RecordDetails
	err := l.query(actionHash, func(q getQuerier) (bool, error) {
		details, err := q.HandleGetRecordDetails(ctx, actionHash)
		if err != nil || details == nil {
			return false, err
		}
		out = details
		return true, nil
	})
	return out, err
}

// GetLinks implements Handle.
func (l *Loopback) GetLinks(ctx context.Context, q types.LinkQuery) ([]types.Link, error) {
	var out []types.Link
	err := l.query(q.Base, func(g getQuerier) (bool, error) {
		links, err := g.HandleGetLinks(ctx, q)
		if err != nil {
			return false, err
		}
		out = links
		return true, nil
	})
	return out, err
}

// GetLinkDetails implements Handle.
func (l *Loopback) GetLinkDetails(ctx context.Context, base hash.Hash) ([]types.LinkDetails, error) {
	var out []types.LinkDetails
	err := l.query(base, func(g getQuerier) (bool, error) {
		details, err := g.HandleGetLinkDetails(ctx, base)
		if err != nil {
			return false, err
		}
		out = details
		return true, nil
	})
	return out, err
}

// GetAgentActivity implements Handle.
func (l *Loopback) GetAgentActivity(ctx context.Context, agent hash.Hash) (*types.AgentActivity, error) {
	var out *types.AgentActivity
	err := l.query(agent, func(g getQuerier) (bool, error) {
		activity, err := g.HandleGetAgentActivity(ctx, agent)
		if err != nil || activity == nil {
			return false, err
		}
		out = activity
		return true, nil
	})
	return out, err
}

// CallRemote implements Handle.
func (l *Loopback) CallRemote(ctx context.Context, target hash.Hash, call types.ZomeCallParams) ([]byte, error) {
	r, err := l.receiverFor(target)
	if err != nil {
		return nil, err
	}
	return r.HandleRemoteCall(ctx, call)
}

// SendRemoteSignal implements Handle. Unreachable targets are skipped;
// remote signals are fire-and-forget.
func (l *Loopback) SendRemoteSignal(ctx context.Context, targets []hash.Hash, payload []byte) error {
	for _, target := range targets {
		r, err := l.receiverFor(target)
		if err != nil {
			continue
		}
		// Sender identity travels with the payload in a real transport;
		// loopback has no session, so the receiver sees its own agent as
		// the sender.
		_ = r.HandleRemoteSignal(ctx, target, payload)
	}
	return nil
}

// PushCountersigningResponse implements Handle.
func (l *Loopback) PushCountersigningResponse(ctx context.Context, target hash.Hash, resp types.PreflightResponse) error {
	r, err := l.receiverFor(target)
	if err != nil {
		return err
	}
	q, ok := r.(getQuerier)
	if !ok {
		return fmt.Errorf("%w: peer does not accept countersigning responses", types.ErrNetwork)
	}
	return q.HandleCountersigningResponse(ctx, resp)
}

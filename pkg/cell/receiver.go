package cell

import (
	"context"

	"github.com/cuemby/conductor/pkg/chain"
	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/ribosome"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/vmihailenco/msgpack/v5"
)

// The cell is the network's entry point into the conductor core: the p2p
// layer delivers ops, receipts, queries and remote calls through these
// methods.

// ReceiveOps implements network.Receiver: pushed or gossiped ops enter the
// validation pipeline.
func (c *Cell) ReceiveOps(ctx context.Context, ops []types.DhtOp) error {
	return c.pipeline.EnqueueOps(ops)
}

// ReceiveReceipts implements network.Receiver.
func (c *Cell) ReceiveReceipts(ctx context.Context, receipts []types.SignedValidationReceipt) error {
	return c.publisher.ReceiveReceipts(ctx, receipts)
}

// HandleGet implements network.Receiver: serve a record by basis from the
// integrated store, redacting private entry content.
func (c *Cell) HandleGet(ctx context.Context, basis hash.Hash) (*types.Record, error) {
	if basis.Kind() == hash.KindAction {
		r, err := c.store.IntegratedRecord(basis)
		if err != nil || r == nil {
			return nil, err
		}
		redacted := r.Redacted()
		return &redacted, nil
	}
	details, err := c.store.EntryDetails(basis)
	if err != nil || details == nil || len(details.Actions) == 0 {
		return nil, err
	}
	record := types.NewRecord(details.Actions[0], details.Entry)
	return &record, nil
}

// HandleGetEntryDetails serves the metadata view at an entry basis.
func (c *Cell) HandleGetEntryDetails(ctx context.Context, entryHash hash.Hash) (*types.EntryDetails, error) {
	return c.store.EntryDetails(entryHash)
}

// HandleGetRecordDetails serves the metadata view at an action basis.
func (c *Cell) HandleGetRecordDetails(ctx context.Context, actionHash hash.Hash) (*types.RecordDetails, error) {
	return c.store.RecordDetails(actionHash)
}

// HandleGetLinks serves live links at a base.
func (c *Cell) HandleGetLinks(ctx context.Context, q types.LinkQuery) ([]types.Link, error) {
	return c.store.Links(q)
}

// HandleGetLinkDetails serves links plus tombstones at a base.
func (c *Cell) HandleGetLinkDetails(ctx context.Context, base hash.Hash) ([]types.LinkDetails, error) {
	return c.store.LinkDetails(base)
}

// HandleGetAgentActivity serves the activity log (with warrants) this
// authority holds for an agent.
func (c *Cell) HandleGetAgentActivity(ctx context.Context, agent hash.Hash) (*types.AgentActivity, error) {
	return c.store.Activity(agent)
}

// HandleRemoteCall implements network.Receiver: an inbound remote zome call
// goes through the same capability gate as a local one.
func (c *Cell) HandleRemoteCall(ctx context.Context, call types.ZomeCallParams) ([]byte, error) {
	return c.CallZome(ctx, call)
}

// HandleRemoteSignal implements network.Receiver: deliver to the
// recv_remote_signal callback of every coordinator zome that exports it.
// Remote signals are fire-and-forget; callback errors are logged only.
func (c *Cell) HandleRemoteSignal(ctx context.Context, from hash.Hash, payload []byte) error {
	for _, zome := range c.dna.CoordinatorZomes {
		ok, err := c.inv.HasFunction(zome.Name, "recv_remote_signal")
		if err != nil || !ok {
			continue
		}
		if _, err := c.invoke(ctx, zome.Name, "recv_remote_signal", payload, c.id.AgentKey); err != nil {
			c.logger.Warn().Err(err).Str("zome", zome.Name).Msg("recv_remote_signal failed")
		}
	}
	return nil
}

// HandleCountersigningResponse accepts a pushed preflight response.
func (c *Cell) HandleCountersigningResponse(ctx context.Context, resp types.PreflightResponse) error {
	return c.countersign.AddResponse(resp)
}

func encodeSchedule(s types.Schedule) ([]byte, error) {
	return msgpack.Marshal(&s)
}

func decodeSchedule(data []byte) (*types.Schedule, error) {
	var next *types.Schedule
	if err := msgpack.Unmarshal(data, &next); err != nil {
		return nil, err
	}
	return next, nil
}

// RunScheduled executes a scheduled function. Scheduled functions are
// infallible: a `(Schedule) -> Option<Schedule>` shape where errors are
// logged. A call made before init has completed keeps the current schedule;
// any other error is treated as "no reschedule".
func (c *Cell) RunScheduled(ctx context.Context, zome, fn string, current types.Schedule) *types.Schedule {
	input, err := encodeSchedule(current)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to encode schedule input")
		return nil
	}
	if err := c.ensureInit(ctx); err != nil {
		c.logger.Warn().Err(err).Str("fn", fn).Msg("Scheduled call before init completed")
		return &current
	}

	scratch, err := c.chain.NewScratch()
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to open scratch for scheduled call")
		return nil
	}
	state := &callState{cell: c, scratch: scratch, zome: zome, fn: fn, provenance: c.id.AgentKey}
	out, err := c.inv.Call(withCallState(ctx, state), ribosome.GuestCall{Zome: zome, Fn: fn, Input: input})
	if err != nil {
		c.logger.Warn().Err(err).Str("zome", zome).Str("fn", fn).Msg("Scheduled function failed")
		return nil
	}
	if _, err := c.chain.Flush(scratch, chain.OrderingRelaxed, c.flushValidate); err != nil {
		c.logger.Warn().Err(err).Msg("Scheduled function flush failed")
		return nil
	}
	c.afterFlush(ctx, nil)

	next, err := decodeSchedule(out)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Scheduled function returned malformed schedule")
		return nil
	}
	if next == nil && current.IsPersisted() {
		// The function unscheduled itself; drop the durable registration.
		if err := c.store.DeleteSchedule(zome, fn); err != nil {
			c.logger.Error().Err(err).Msg("Failed to delete schedule")
		}
	}
	return next
}

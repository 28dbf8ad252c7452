package cell

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/conductor/pkg/chain"
	"github.com/cuemby/conductor/pkg/countersign"
	"github.com/cuemby/conductor/pkg/events"
	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/keystore"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/metrics"
	"github.com/cuemby/conductor/pkg/network"
	"github.com/cuemby/conductor/pkg/publish"
	"github.com/cuemby/conductor/pkg/ribosome"
	"github.com/cuemby/conductor/pkg/storage"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/cuemby/conductor/pkg/validation"
	"github.com/rs/zerolog"
)

// Config tunes a cell's workflows.
type Config struct {
	Validation validation.Config
	Publish    publish.Config
	// MembraneProof is presented at genesis.
	MembraneProof []byte
}

// ScheduleFn is the conductor's scheduler hook: register or replace a
// scheduled function for this cell.
type ScheduleFn func(zome, fn string, sched types.Schedule)

// ConductorCallFn routes a host "call" to another cell on the same
// conductor.
type ConductorCallFn func(ctx context.Context, target types.CellID, call types.ZomeCallParams) ([]byte, error)

// Cell is one (DNA, agent) pair: a source chain, a DHT store slice, a
// ribosome, and the background workflows that keep them converging.
type Cell struct {
	id    types.CellID
	appID string
	dna   *ribosome.DnaDef

	chain       *chain.SourceChain
	store       *storage.CellStore
	inv         ribosome.Invoker
	pipeline    *validation.Pipeline
	publisher   *publish.Publisher
	receipts    *publish.ReceiptSender
	countersign *countersign.Manager
	net         network.Handle
	ks          *keystore.Keystore
	broker      *events.Broker
	logger      zerolog.Logger

	nonces    *nonceCache
	isBlocked func(hash.Hash) bool
	schedule  ScheduleFn
	condCall  ConductorCallFn

	initMu   sync.Mutex
	initDone bool

	cfg Config
}

// New assembles a cell over an opened store and a ribosome invoker.
func New(id types.CellID, appID string, dna *ribosome.DnaDef, store *storage.CellStore,
	inv ribosome.Invoker, net network.Handle, ks *keystore.Keystore, broker *events.Broker,
	cfg Config) *Cell {

	ch := chain.New(id, store, ks)
	c := &Cell{
		id:          id,
		appID:       appID,
		dna:         dna,
		chain:       ch,
		store:       store,
		inv:         inv,
		net:         net,
		ks:          ks,
		broker:      broker,
		logger:      log.WithCell(id.String()),
		nonces:      newNonceCache(),
		countersign: countersign.NewManager(id, ch, ks, net, broker),
		cfg:         cfg,
	}

	c.pipeline = validation.NewPipeline(id, store, dna, inv, net, ks, cfg.Validation)
	c.publisher = publish.New(id, store, net, cfg.Publish)
	c.receipts = publish.NewReceiptSender(id.AgentKey, ks, net)

	c.pipeline.OnIntegrated(func(ctx context.Context, op storage.StoredOp) {
		c.receipts.Attest(ctx, op)
		c.receipts.Flush(ctx)
	})
	c.pipeline.OnOwnRejected(func(op storage.StoredOp, reason string) {
		if broker != nil {
			broker.Publish(&events.Signal{
				Type: events.SignalOpRejected, CellID: id, AppID: appID, Message: reason,
			})
		}
	})
	return c
}

// ID returns the cell id.
func (c *Cell) ID() types.CellID { return c.id }

// Chain exposes the source chain for conductor-level operations (state
// dumps, grafts).
func (c *Cell) Chain() *chain.SourceChain { return c.chain }

// Store exposes the cell store for conductor-level operations.
func (c *Cell) Store() *storage.CellStore { return c.store }

// Countersign exposes the countersigning manager for app-interface session
// operations.
func (c *Cell) Countersign() *countersign.Manager { return c.countersign }

// SetBlockedCheck installs the conductor-wide provenance block list.
func (c *Cell) SetBlockedCheck(fn func(hash.Hash) bool) { c.isBlocked = fn }

// SetScheduleFn installs the scheduler hook.
func (c *Cell) SetScheduleFn(fn ScheduleFn) { c.schedule = fn }

// SetConductorCall installs same-conductor cell-to-cell routing.
func (c *Cell) SetConductorCall(fn ConductorCallFn) { c.condCall = fn }

// Genesis writes the first three chain actions if the chain is empty,
// gating on every integrity zome's genesis_self_check.
func (c *Cell) Genesis(ctx context.Context) error {
	head, err := c.chain.Head()
	if err != nil {
		return err
	}
	if head != nil {
		return nil
	}
	err = c.chain.Genesis(c.cfg.MembraneProof, func(proof []byte) error {
		for _, zome := range c.dna.IntegrityZomes {
			ok, err := c.inv.HasFunction(zome.Name, "genesis_self_check")
			if err != nil || !ok {
				continue
			}
			if _, err := c.inv.Call(ctx, ribosome.GuestCall{
				Zome: zome.Name, Fn: "genesis_self_check", Input: proof, Deterministic: true,
			}); err != nil {
				return fmt.Errorf("zome %s: %w", zome.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.afterFlush(ctx, nil)
	return nil
}

// Start launches the cell's background workflows and recovers any
// indeterminate countersigning state.
func (c *Cell) Start(ctx context.Context) error {
	if err := c.countersign.RecoverState(); err != nil {
		return err
	}
	c.pipeline.Start(ctx)
	c.publisher.Start(ctx)
	c.countersign.Start(ctx)
	// Re-register persisted schedules.
	if c.schedule != nil {
		schedules, err := c.store.Schedules()
		if err != nil {
			return err
		}
		for _, s := range schedules {
			c.schedule(s.Zome, s.Function, types.Schedule{Persisted: s.Cron})
		}
	}
	c.logger.Info().Msg("Cell started")
	return nil
}

// Stop stops the workflows. Scheduled functions are stopped by the
// conductor's scheduler.
func (c *Cell) Stop() {
	c.pipeline.Stop()
	c.publisher.Stop()
	c.countersign.Stop()
	c.logger.Info().Msg("Cell stopped")
}

// initKey marks a context as belonging to the init pass so host calls made
// by init itself bypass the gate instead of deadlocking.
type initKey struct{}

// ensureInit runs init exactly once per cell. Concurrent zome calls
// serialize behind the first-seen init; calls made during init (from the
// init callbacks themselves) pass straight through.
func (c *Cell) ensureInit(ctx context.Context) error {
	if ctx.Value(initKey{}) != nil {
		return nil
	}
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.initDone {
		return nil
	}

	// A restarted conductor finds InitZomesComplete on the chain.
	records, err := c.chain.Query(types.ChainQueryFilter{
		ActionTypes: []types.ActionType{types.ActionInitZomesComplete},
	}, nil)
	if err != nil {
		return err
	}
	if len(records) > 0 {
		c.initDone = true
		return nil
	}

	initCtx := context.WithValue(ctx, initKey{}, true)
	for _, zome := range c.dna.CoordinatorZomes {
		ok, err := c.inv.HasFunction(zome.Name, "init")
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		outcome, err := ribosome.Init(initCtx, c.inv, zome.Name)
		if err != nil {
			return fmt.Errorf("init of zome %s failed: %w", zome.Name, err)
		}
		if !outcome.Pass {
			if len(outcome.Missing) > 0 {
				return fmt.Errorf("%w: init of zome %s waiting on dependencies", types.ErrIncompleteCommit, zome.Name)
			}
			return fmt.Errorf("init of zome %s refused: %s", zome.Name, outcome.Reason)
		}
	}

	if _, err := c.chain.InitComplete(); err != nil {
		return err
	}
	c.initDone = true
	c.logger.Info().Msg("Zome init complete")
	return nil
}

// CallZome authenticates and dispatches a zome call, flushing the scratch
// transactionally on return.
func (c *Cell) CallZome(ctx context.Context, params types.ZomeCallParams) ([]byte, error) {
	if !params.CellID.Equal(c.id) {
		return nil, fmt.Errorf("call addressed to cell %s, this is %s", params.CellID, c.id)
	}
	if err := c.authorize(&params); err != nil {
		metrics.ZomeCallsTotal.WithLabelValues("unauthorized").Inc()
		return nil, err
	}

	// The conductor verifies the function exists before invocation; zomes
	// declare their exports rather than being reflectively discovered.
	ok, err := c.inv.HasFunction(params.ZomeName, params.FnName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ribosome.ErrUnknownFunction, params.ZomeName, params.FnName)
	}

	if err := c.ensureInit(ctx); err != nil {
		return nil, err
	}

	timer := metrics.NewTimer()
	out, err := c.invoke(ctx, params.ZomeName, params.FnName, params.Payload, params.Provenance)
	timer.ObserveDuration(metrics.ZomeCallDuration.WithLabelValues(params.ZomeName))
	if err != nil {
		metrics.ZomeCallsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.ZomeCallsTotal.WithLabelValues("ok").Inc()
	return out, nil
}

// invoke runs the guest function against a fresh scratch and flushes on
// success.
func (c *Cell) invoke(ctx context.Context, zome, fn string, payload []byte, provenance hash.Hash) ([]byte, error) {
	scratch, err := c.chain.NewScratch()
	if err != nil {
		return nil, err
	}
	state := &callState{cell: c, scratch: scratch, zome: zome, fn: fn, provenance: provenance}

	out, err := c.inv.Call(withCallState(ctx, state), ribosome.GuestCall{Zome: zome, Fn: fn, Input: payload})
	if err != nil {
		return nil, err
	}

	// Countersigned commits are the only flush a locked chain accepts and
	// must not be rebased; everything else tolerates a moved head.
	ordering := chain.OrderingRelaxed
	if scratch.LockSubject != nil {
		ordering = chain.OrderingStrict
	}
	hashes, err := c.chain.Flush(scratch, ordering, c.flushValidate)
	if err != nil {
		return nil, err
	}
	c.afterFlush(ctx, hashes)

	if state.committedSession != nil {
		if err := c.countersign.MarkCommitted(*state.committedSession, *state.committedEntry); err != nil {
			c.logger.Error().Err(err).Msg("Failed to mark countersigning commit")
		}
	}
	return out, nil
}

// flushValidate is the commit-time check: structural chain invariants over
// the new records against the persisted tip.
func (c *Cell) flushValidate(records []types.Record) error {
	head, err := c.chain.Head()
	if err != nil {
		return err
	}
	var prev *types.Action
	if head != nil {
		tip, err := c.store.RecordBySeq(head.Seq)
		if err != nil {
			return err
		}
		if tip != nil {
			prev = &tip.SignedAction.Action
		}
	}
	for i := range records {
		if err := types.CheckChainLink(prev, &records[i].SignedAction.Action); err != nil {
			return err
		}
		prev = &records[i].SignedAction.Action
	}
	return nil
}

// afterFlush runs the post-commit duties: self-validation of the authored
// ops, publish wake-up, post_commit callbacks, and metrics.
func (c *Cell) afterFlush(ctx context.Context, hashes []hash.Hash) {
	// The author is an authority for its own data: authored ops go through
	// the local pipeline like anyone else's.
	ops, err := c.store.AuthoredOpsInStage(storage.StageAwaitingPublish)
	if err == nil {
		raw := make([]types.DhtOp, 0, len(ops))
		for i := range ops {
			raw = append(raw, ops[i].Op)
		}
		if err := c.pipeline.EnqueueOps(raw); err != nil {
			c.logger.Error().Err(err).Msg("Failed to enqueue authored ops for self-validation")
		}
	}
	c.publisher.Wake()

	if len(hashes) == 0 {
		return
	}
	for _, zome := range c.dna.CoordinatorZomes {
		ribosome.PostCommit(ctx, c.inv, c.logger, zome.Name, hashes)
	}
	for range hashes {
		metrics.ChainActionsTotal.WithLabelValues("committed").Inc()
	}
}

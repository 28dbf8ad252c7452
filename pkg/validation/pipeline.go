package validation

import (
	"context"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/keystore"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/metrics"
	"github.com/cuemby/conductor/pkg/network"
	"github.com/cuemby/conductor/pkg/ribosome"
	"github.com/cuemby/conductor/pkg/storage"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/rs/zerolog"
)

// Config tunes the pipeline.
type Config struct {
	// WarrantsEnabled turns rejected foreign ops into warrants at the
	// offender's activity basis.
	WarrantsEnabled bool
	// AbandonAfter is how long an op may sit on unresolved dependencies
	// before it is abandoned. Surfaced as a metric.
	AbandonAfter time.Duration
	// FetchMinInterval/FetchMaxInterval bound the dependency fetcher's
	// re-trigger cadence; the actual interval scales with the unresolved
	// count.
	FetchMinInterval time.Duration
	FetchMaxInterval time.Duration
	// CycleInterval is the periodic re-trigger for all workflows.
	CycleInterval time.Duration
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		WarrantsEnabled:  true,
		AbandonAfter:     10 * time.Minute,
		FetchMinInterval: 100 * time.Millisecond,
		FetchMaxInterval: 3 * time.Second,
		CycleInterval:    5 * time.Second,
	}
}

// OnIntegratedFn is called after an op integrates with Valid status so the
// receipt path can attest it. OnOwnRejectedFn surfaces rejection of our own
// authorship to the application.
type (
	OnIntegratedFn  func(ctx context.Context, op storage.StoredOp)
	OnOwnRejectedFn func(op storage.StoredOp, reason string)
)

// Pipeline drives one cell's ops through sys validation, app validation and
// integration. Each stage is an idempotent, restartable workflow triggered
// by new arrivals, prior-stage completion, fetch completion, and a periodic
// timer.
type Pipeline struct {
	cellID  types.CellID
	store   *storage.CellStore
	dna     *ribosome.DnaDef
	inv     ribosome.Invoker
	net     network.Handle
	ks      *keystore.Keystore
	limiter *RateLimiter
	cfg     Config
	logger  zerolog.Logger

	onIntegrated  OnIntegratedFn
	onOwnRejected OnOwnRejectedFn

	triggerSys chan struct{}
	triggerApp chan struct{}
	triggerInt chan struct{}
	stopCh     chan struct{}
}

// NewPipeline assembles a pipeline for one cell.
func NewPipeline(cellID types.CellID, store *storage.CellStore, dna *ribosome.DnaDef,
	inv ribosome.Invoker, net network.Handle, ks *keystore.Keystore, cfg Config) *Pipeline {
	if cfg.AbandonAfter == 0 {
		cfg.AbandonAfter = DefaultConfig().AbandonAfter
	}
	if cfg.FetchMinInterval == 0 {
		cfg.FetchMinInterval = DefaultConfig().FetchMinInterval
	}
	if cfg.FetchMaxInterval == 0 {
		cfg.FetchMaxInterval = DefaultConfig().FetchMaxInterval
	}
	if cfg.CycleInterval == 0 {
		cfg.CycleInterval = DefaultConfig().CycleInterval
	}
	metrics.AbandonThresholdSeconds.Set(cfg.AbandonAfter.Seconds())
	return &Pipeline{
		cellID:     cellID,
		store:      store,
		dna:        dna,
		inv:        inv,
		net:        net,
		ks:         ks,
		limiter:    NewRateLimiter(nil),
		cfg:        cfg,
		logger:     log.WithComponent("validation").With().Str("cell_id", cellID.String()).Logger(),
		triggerSys: make(chan struct{}, 1),
		triggerApp: make(chan struct{}, 1),
		triggerInt: make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// OnIntegrated installs the receipt hook.
func (p *Pipeline) OnIntegrated(fn OnIntegratedFn) { p.onIntegrated = fn }

// OnOwnRejected installs the own-authorship rejection hook.
func (p *Pipeline) OnOwnRejected(fn OnOwnRejectedFn) { p.onOwnRejected = fn }

// EnqueueOps accepts incoming ops (pushed, gossiped, or self-authored for
// local validation) and wakes the pipeline. Re-delivery is idempotent.
func (p *Pipeline) EnqueueOps(ops []types.DhtOp) error {
	stored := make([]storage.StoredOp, 0, len(ops))
	for i := range ops {
		oh, err := ops[i].Hash()
		if err != nil {
			return err
		}
		basis, err := ops[i].Basis()
		if err != nil {
			return err
		}
		stored = append(stored, storage.StoredOp{
			Op: ops[i], OpHash: oh, Basis: basis, Stage: storage.StagePendingSysValidation,
		})
	}
	n, err := p.store.PutIncomingOps(stored)
	if err != nil {
		return err
	}
	if n > 0 {
		p.wake(p.triggerSys)
	}
	return nil
}

func (p *Pipeline) wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Start launches the workflow loops.
func (p *Pipeline) Start(ctx context.Context) {
	go p.loop(ctx, "sys-validation", p.triggerSys, p.RunSysValidation)
	go p.loop(ctx, "app-validation", p.triggerApp, p.RunAppValidation)
	go p.loop(ctx, "integration", p.triggerInt, p.RunIntegration)
	go p.fetchLoop(ctx)
	p.logger.Info().Msg("Validation pipeline started")
}

// Stop stops the workflow loops.
func (p *Pipeline) Stop() {
	close(p.stopCh)
}

func (p *Pipeline) loop(ctx context.Context, name string, trigger chan struct{}, run func(context.Context) error) {
	ticker := time.NewTicker(p.cfg.CycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-trigger:
		case <-ticker.C:
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
		timer := metrics.NewTimer()
		if err := run(ctx); err != nil {
			// Workflow errors log and re-schedule; the next trigger retries
			// from persisted state.
			p.logger.Error().Err(err).Str("workflow", name).Msg("Workflow cycle failed")
		}
		timer.ObserveDuration(metrics.WorkflowDuration.WithLabelValues(name))
	}
}

// resolver chains the local stores and the network for dependency lookups.
type resolver struct {
	store *storage.CellStore
	net   network.Handle
}

func (r *resolver) ResolveRecord(ctx context.Context, actionHash hash.Hash) (*types.Record, error) {
	if record, err := r.store.IntegratedRecord(actionHash); err != nil || record != nil {
		return record, err
	}
	if record, err := r.store.RecordByAction(actionHash); err != nil || record != nil {
		return record, err
	}
	if record, err := r.store.CachedRecord(actionHash); err != nil || record != nil {
		return record, err
	}
	if r.net == nil {
		return nil, nil
	}
	record, err := r.net.Get(ctx, actionHash)
	if err != nil {
		// Transient network failure: treat as missing, the fetcher retries.
		return nil, nil
	}
	if record != nil {
		if err := r.store.CacheRecord(actionHash, *record); err != nil {
			return nil, err
		}
	}
	return record, nil
}

// sortOps orders a batch deterministically: by author, then chain seq, then
// op hash. Ops are validated in sequence so later ops can depend on earlier
// ones in the same batch.
func sortOps(ops []storage.StoredOp) {
	sort.Slice(ops, func(i, j int) bool {
		ai, aj := &ops[i].Op.SignedAction.Action, &ops[j].Op.SignedAction.Action
		if !ai.Author.Equal(aj.Author) {
			return ai.Author.String() < aj.Author.String()
		}
		if ai.Seq != aj.Seq {
			return ai.Seq < aj.Seq
		}
		return ops[i].OpHash.String() < ops[j].OpHash.String()
	})
}

// RunSysValidation drains the pending-sys-validation stage.
func (p *Pipeline) RunSysValidation(ctx context.Context) error {
	ops, err := p.store.OpsInStage(storage.StagePendingSysValidation)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	sortOps(ops)
	deps := &resolver{store: p.store, net: p.net}

	progressed := false
	for i := range ops {
		op := ops[i]
		if p.abandonIfOverdue(&op) {
			if err := p.store.UpdateOp(op); err != nil {
				return err
			}
			progressed = true
			continue
		}
		outcome, err := SysValidate(ctx, &op.Op, deps, p.limiter)
		if err != nil {
			return err
		}
		switch {
		case outcome.Awaiting():
			p.shelve(&op, outcome.Missing)
		case outcome.Status == types.StatusValid:
			op.Stage = storage.StagePendingAppValidation
			op.MissingDeps, op.FirstMissing = nil, 0
			metrics.OpsValidated.WithLabelValues("sys", string(types.StatusValid)).Inc()
			progressed = true
		default:
			op.Stage = storage.StageAwaitingIntegration
			op.Status = outcome.Status
			op.Reason = outcome.Reason
			metrics.OpsValidated.WithLabelValues("sys", string(outcome.Status)).Inc()
			progressed = true
		}
		if err := p.store.UpdateOp(op); err != nil {
			return err
		}
	}
	if progressed {
		p.wake(p.triggerApp)
		p.wake(p.triggerInt)
	}
	return nil
}

// RunAppValidation drains the pending-app-validation stage.
func (p *Pipeline) RunAppValidation(ctx context.Context) error {
	ops, err := p.store.OpsInStage(storage.StagePendingAppValidation)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	sortOps(ops)
	deps := &resolver{store: p.store, net: p.net}

	progressed := false
	for i := range ops {
		op := ops[i]
		if p.abandonIfOverdue(&op) {
			if err := p.store.UpdateOp(op); err != nil {
				return err
			}
			progressed = true
			continue
		}
		outcome, err := AppValidate(ctx, p.dna, p.inv, &op.Op, deps)
		if err != nil {
			return err
		}
		switch {
		case outcome.Awaiting():
			p.shelve(&op, outcome.Missing)
		default:
			op.Stage = storage.StageAwaitingIntegration
			op.Status = outcome.Status
			op.Reason = outcome.Reason
			op.MissingDeps, op.FirstMissing = nil, 0
			metrics.OpsValidated.WithLabelValues("app", string(outcome.Status)).Inc()
			progressed = true
		}
		if err := p.store.UpdateOp(op); err != nil {
			return err
		}
	}
	if progressed {
		p.wake(p.triggerInt)
	}
	return nil
}

// shelve records the missing-hash set, starting the abandon clock on first
// miss.
func (p *Pipeline) shelve(op *storage.StoredOp, missing []hash.Hash) {
	op.MissingDeps = missing
	if op.FirstMissing == 0 {
		op.FirstMissing = types.Now()
	}
	metrics.OpsAwaitingDeps.Inc()
}

// abandonIfOverdue transitions an op whose dependencies never arrived.
func (p *Pipeline) abandonIfOverdue(op *storage.StoredOp) bool {
	if op.FirstMissing == 0 {
		return false
	}
	if time.Since(op.FirstMissing.Time()) < p.cfg.AbandonAfter {
		return false
	}
	op.Stage = storage.StageAwaitingIntegration
	op.Status = types.StatusAbandoned
	op.Reason = "dependencies unresolved past threshold"
	metrics.OpsValidated.WithLabelValues("deps", string(types.StatusAbandoned)).Inc()
	return true
}

// fetchLoop retries missing dependencies on an interval scaled by the
// unresolved count, re-triggering validation when anything lands.
func (p *Pipeline) fetchLoop(ctx context.Context) {
	for {
		interval := p.fetchInterval()
		select {
		case <-time.After(interval):
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
		fetched, err := p.fetchMissing(ctx)
		if err != nil {
			p.logger.Error().Err(err).Msg("Dependency fetch cycle failed")
			continue
		}
		if fetched > 0 {
			p.wake(p.triggerSys)
			p.wake(p.triggerApp)
		}
	}
}

// fetchInterval scales between the configured bounds: more unresolved ops,
// longer interval.
func (p *Pipeline) fetchInterval() time.Duration {
	count := p.unresolvedCount()
	if count == 0 {
		return p.cfg.FetchMaxInterval
	}
	interval := p.cfg.FetchMinInterval * time.Duration(count)
	if interval > p.cfg.FetchMaxInterval {
		return p.cfg.FetchMaxInterval
	}
	if interval < p.cfg.FetchMinInterval {
		return p.cfg.FetchMinInterval
	}
	return interval
}

func (p *Pipeline) unresolvedCount() int {
	count := 0
	for _, stage := range []storage.OpStage{storage.StagePendingSysValidation, storage.StagePendingAppValidation} {
		ops, err := p.store.OpsInStage(stage)
		if err != nil {
			continue
		}
		for i := range ops {
			if len(ops[i].MissingDeps) > 0 {
				count++
			}
		}
	}
	return count
}

// fetchMissing pulls each missing hash from the network into the cache.
func (p *Pipeline) fetchMissing(ctx context.Context) (int, error) {
	if p.net == nil {
		return 0, nil
	}
	missing := make(map[string]hash.Hash)
	for _, stage := range []storage.OpStage{storage.StagePendingSysValidation, storage.StagePendingAppValidation} {
		ops, err := p.store.OpsInStage(stage)
		if err != nil {
			return 0, err
		}
		for i := range ops {
			for _, h := range ops[i].MissingDeps {
				missing[h.String()] = h
			}
		}
	}

	fetched := 0
	for _, h := range missing {
		target := h
		var record *types.Record
		err := backoff.Retry(func() error {
			var err error
			record, err = p.net.Get(ctx, target)
			return err
		}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx))
		if err != nil || record == nil {
			continue
		}
		if err := p.store.CacheRecord(target, *record); err != nil {
			return fetched, err
		}
		fetched++
	}
	return fetched, nil
}

// signWarrant issues and signs a warrant with our agent key.
func (p *Pipeline) signWarrant(w types.Warrant) (*types.SignedWarrant, error) {
	wh, err := w.Hash()
	if err != nil {
		return nil, err
	}
	sig, err := p.ks.Sign(p.cellID.AgentKey, wh.Bytes())
	if err != nil {
		return nil, err
	}
	return &types.SignedWarrant{Warrant: w, Signature: sig}, nil
}

package publish

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/conductor/pkg/keystore"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/metrics"
	"github.com/cuemby/conductor/pkg/network"
	"github.com/cuemby/conductor/pkg/storage"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/rs/zerolog"
)

// Config tunes the publish driver.
type Config struct {
	// ResilienceThreshold R: distinct signed receipts collected per op
	// before the publish loop stops.
	ResilienceThreshold int
	// FanOut N: authorities pushed to per cycle; N >= R.
	FanOut int
	// CycleInterval is the periodic re-trigger.
	CycleInterval time.Duration
	// MinRepublish holds an op out of the next cycle after a push, giving
	// receipts time to arrive.
	MinRepublish time.Duration
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		ResilienceThreshold: 3,
		FanOut:              5,
		CycleInterval:       5 * time.Second,
		MinRepublish:        10 * time.Second,
	}
}

// Publisher fast-pushes authored ops to the authorities nearest each op's
// basis and collects signed validation receipts until the resilience
// threshold is met. Gossip provides slow-heal resilience afterwards; the
// publisher's job ends at R receipts.
type Publisher struct {
	cellID types.CellID
	store  *storage.CellStore
	net    network.Handle
	cfg    Config
	logger zerolog.Logger

	trigger chan struct{}
	stopCh  chan struct{}
}

// New creates a publisher for one cell.
func New(cellID types.CellID, store *storage.CellStore, net network.Handle, cfg Config) *Publisher {
	def := DefaultConfig()
	if cfg.ResilienceThreshold == 0 {
		cfg.ResilienceThreshold = def.ResilienceThreshold
	}
	if cfg.FanOut < cfg.ResilienceThreshold {
		cfg.FanOut = cfg.ResilienceThreshold + 2
	}
	if cfg.CycleInterval == 0 {
		cfg.CycleInterval = def.CycleInterval
	}
	if cfg.MinRepublish == 0 {
		cfg.MinRepublish = def.MinRepublish
	}
	return &Publisher{
		cellID:  cellID,
		store:   store,
		net:     net,
		cfg:     cfg,
		logger:  log.WithComponent("publish").With().Str("cell_id", cellID.String()).Logger(),
		trigger: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Wake triggers a cycle outside the timer, e.g. right after a flush.
func (p *Publisher) Wake() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Start launches the publish loop.
func (p *Publisher) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.cfg.CycleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.trigger:
			case <-ticker.C:
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			}
			if err := p.RunCycle(ctx); err != nil {
				p.logger.Error().Err(err).Msg("Publish cycle failed")
			}
		}
	}()
	p.logger.Info().Msg("Publish driver started")
}

// Stop stops the loop.
func (p *Publisher) Stop() {
	close(p.stopCh)
}

// RunCycle pushes every awaiting op to the nearest authorities of its
// basis. Unreachable peers are skipped without blocking; an op that already
// collected R receipts is marked published instead.
func (p *Publisher) RunCycle(ctx context.Context) error {
	ops, err := p.store.AuthoredOpsInStage(storage.StageAwaitingPublish)
	if err != nil {
		return err
	}
	now := types.Now()
	for i := range ops {
		op := ops[i]

		// Threshold may have been reached between cycles.
		receipts, err := p.store.Receipts(op.OpHash)
		if err != nil {
			return err
		}
		if len(receipts) >= p.cfg.ResilienceThreshold {
			p.markPublished(&op)
			continue
		}

		if op.LastPublish != 0 && now.Time().Sub(op.LastPublish.Time()) < p.cfg.MinRepublish {
			continue
		}

		peers, err := p.net.NearestAuthorities(op.Basis, p.cfg.FanOut)
		if err != nil {
			return err
		}
		for _, peer := range peers {
			if peer.Agent.Equal(p.cellID.AgentKey) {
				continue
			}
			if err := p.net.PushOps(ctx, peer, []types.DhtOp{op.Op}); err != nil {
				// Unreachable peer: skip, the next cycle retries.
				if errors.Is(err, types.ErrNetwork) {
					continue
				}
				return err
			}
		}
		op.LastPublish = now
		if err := p.store.UpdateAuthoredOp(op); err != nil {
			return err
		}
	}
	return nil
}

// ReceiveReceipts accepts receipts from authorities. Receipts failing
// signature verification do not count; receipts from the same authority
// count once. Reaching R marks the op published.
func (p *Publisher) ReceiveReceipts(ctx context.Context, receipts []types.SignedValidationReceipt) error {
	for i := range receipts {
		r := receipts[i]
		if !r.Verify(keystore.Verify) {
			metrics.ReceiptsReceived.WithLabelValues("bad_signature").Inc()
			p.logger.Warn().
				Str("authority", r.Receipt.Authority.String()).
				Msg("Dropping receipt with bad signature")
			continue
		}
		count, err := p.store.AddReceipt(r)
		if err != nil {
			return err
		}
		metrics.ReceiptsReceived.WithLabelValues("ok").Inc()

		if count >= p.cfg.ResilienceThreshold {
			ops, err := p.store.AuthoredOpsInStage(storage.StageAwaitingPublish)
			if err != nil {
				return err
			}
			for j := range ops {
				if ops[j].OpHash.Equal(r.Receipt.OpHash) {
					op := ops[j]
					p.markPublished(&op)
				}
			}
		}
	}
	return nil
}

func (p *Publisher) markPublished(op *storage.AuthoredOp) {
	op.Stage = storage.StagePublished
	if err := p.store.UpdateAuthoredOp(*op); err != nil {
		p.logger.Error().Err(err).Msg("Failed to mark op published")
		return
	}
	metrics.OpsPublished.Inc()
	p.logger.Debug().Str("op_hash", op.OpHash.String()).Msg("Op reached receipt threshold")
}

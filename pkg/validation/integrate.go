package validation

import (
	"context"

	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/metrics"
	"github.com/cuemby/conductor/pkg/storage"
	"github.com/cuemby/conductor/pkg/types"
)

// RunIntegration drains the awaiting-integration set. It is the only
// writer of the authoritative DHT tables. Ordering invariants are enforced
// by deferring ops whose prerequisites are not integrated yet and looping
// to a fixpoint, so a RegisterRemoveLink in the same batch as its
// RegisterAddLink lands after it regardless of arrival order.
func (p *Pipeline) RunIntegration(ctx context.Context) error {
	for {
		ops, err := p.store.OpsInStage(storage.StageAwaitingIntegration)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			return nil
		}
		sortOps(ops)

		progressed := false
		for i := range ops {
			op := ops[i]
			ready, err := p.readyToIntegrate(&op)
			if err != nil {
				return err
			}
			if !ready {
				continue
			}
			if err := p.integrateOne(ctx, op); err != nil {
				return err
			}
			progressed = true
		}
		if !progressed {
			// Remaining ops wait on prerequisites that are not local yet;
			// the next trigger retries.
			return nil
		}
	}
}

// readyToIntegrate checks the integration ordering rules for Valid ops:
// RegisterRemoveLink after its RegisterAddLink, RegisterUpdate and
// RegisterDelete after their target's store op.
func (p *Pipeline) readyToIntegrate(op *storage.StoredOp) (bool, error) {
	if op.Status != types.StatusValid {
		// Rejected/Abandoned record status only; no ordering concerns.
		return true, nil
	}
	a := &op.Op.SignedAction.Action
	switch op.Op.Type {
	case types.OpRegisterRemoveLink:
		return p.store.HasLink(*a.BaseAddress, *a.LinkAddAddress)
	case types.OpRegisterUpdate, types.OpRegisterDelete:
		return p.basisStored(op.Basis)
	default:
		return true, nil
	}
}

// basisStored reports whether the basis's own store op landed: StoreEntry
// for an entry basis, StoreRecord for an action basis.
func (p *Pipeline) basisStored(basis hash.Hash) (bool, error) {
	switch basis.Kind() {
	case hash.KindAction:
		return p.store.HasRecord(basis)
	default:
		return p.store.HasEntry(basis)
	}
}

// integrateOne writes one op and runs the post-integration duties: receipt
// attestation for foreign valid ops, warrants for foreign rejected ops, and
// surfacing rejections of our own authorship.
func (p *Pipeline) integrateOne(ctx context.Context, op storage.StoredOp) error {
	if err := p.store.IntegrateOp(op, op.Status); err != nil {
		return err
	}
	metrics.OpsIntegrated.WithLabelValues(string(op.Status)).Inc()

	author := op.Op.SignedAction.Action.Author
	ownOp := author.Equal(p.cellID.AgentKey)

	switch op.Status {
	case types.StatusValid:
		if !ownOp && p.onIntegrated != nil {
			p.onIntegrated(ctx, op)
		}

	case types.StatusRejected:
		if ownOp {
			// Our own rejected ops must reach the application.
			if p.onOwnRejected != nil {
				p.onOwnRejected(op, op.Reason)
			}
			return nil
		}
		if !p.cfg.WarrantsEnabled {
			return nil
		}
		ah, err := op.Op.SignedAction.Hash()
		if err != nil {
			return err
		}
		warrant := types.NewInvalidChainOpWarrant(p.cellID.AgentKey, author, ah, op.Op.Type, op.Reason)
		signed, err := p.signWarrant(warrant)
		if err != nil {
			// Keystore trouble must not stall integration; the warrant is
			// lost, the rejection status is not.
			p.logger.Warn().Err(err).Msg("Failed to sign warrant")
			return nil
		}
		if err := p.store.AddWarrant(*signed); err != nil {
			return err
		}
		p.logger.Info().
			Str("warrantee", author.String()).
			Str("reason", op.Reason).
			Msg("Warrant issued for rejected op")

	case types.StatusAbandoned:
		// Status recorded; the payload is never gossiped.
	}
	return nil
}

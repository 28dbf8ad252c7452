package validation

import (
	"context"
	"fmt"

	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/keystore"
	"github.com/cuemby/conductor/pkg/types"
)

// Outcome is a stage verdict on one op.
type Outcome struct {
	Status  types.ValidationStatus
	Reason  string
	Missing []hash.Hash
}

func valid() Outcome {
	return Outcome{Status: types.StatusValid}
}

func rejected(format string, args ...interface{}) Outcome {
	return Outcome{Status: types.StatusRejected, Reason: fmt.Sprintf(format, args...)}
}

func awaiting(missing ...hash.Hash) Outcome {
	return Outcome{Missing: missing}
}

// Awaiting reports whether the outcome is shelved on missing dependencies.
func (o Outcome) Awaiting() bool { return len(o.Missing) > 0 }

// DepResolver finds referenced records: local store first, then cache, then
// a network get. A nil record with nil error means the dependency is
// (currently) missing.
type DepResolver interface {
	ResolveRecord(ctx context.Context, actionHash hash.Hash) (*types.Record, error)
}

// SysValidate runs the subconscious rules every DNA shares. These never
// consult app code; two honest nodes always agree on the result.
func SysValidate(ctx context.Context, op *types.DhtOp, deps DepResolver, limiter *RateLimiter) (Outcome, error) {
	a := &op.SignedAction.Action

	// Signature over the action hash, against the claimed author.
	ah, err := a.Hash()
	if err != nil {
		return Outcome{}, err
	}
	if !keystore.Verify(a.Author, ah.Bytes(), op.SignedAction.Signature) {
		return rejected("signature does not verify against author %s", a.Author), nil
	}

	// Structure and genesis-position rules.
	if err := types.CheckActionStructure(a); err != nil {
		return rejected("malformed action: %v", err), nil
	}
	if err := types.CheckGenesisAction(a); err != nil {
		return rejected("genesis shape violated: %v", err), nil
	}
	if a.Seq > 0 && a.PrevAction.IsZero() {
		return rejected("action at seq %d has no prev_action", a.Seq), nil
	}

	// The entry travelling with the op must match the declared hash.
	if op.Entry != nil && a.EntryHash != nil {
		eh, err := op.Entry.Hash()
		if err != nil {
			return Outcome{}, err
		}
		if !eh.Equal(*a.EntryHash) {
			return rejected("entry content does not hash to declared entry_hash"), nil
		}
	}

	// Rate-limit bucket accounting.
	if a.Weight != nil && limiter != nil {
		if err := limiter.Spend(a.Author, a.Timestamp, *a.Weight); err != nil {
			return rejected("rate limit exceeded: %v", err), nil
		}
	}

	// Reference checks per variant.
	switch a.Type {
	case types.ActionUpdate:
		return checkUpdateRefs(ctx, a, deps)
	case types.ActionDelete:
		return checkDeleteRefs(ctx, a, deps)
	case types.ActionDeleteLink:
		return checkDeleteLinkRefs(ctx, a, deps)
	case types.ActionCreateLink:
		// Base and target may live anywhere; their existence is an app
		// concern. Structure already checked.
		return valid(), nil
	default:
		return valid(), nil
	}
}

// checkUpdateRefs verifies the referenced creation exists, carries an
// entry, and that original_entry_address matches its entry hash.
func checkUpdateRefs(ctx context.Context, a *types.Action, deps DepResolver) (Outcome, error) {
	record, err := deps.ResolveRecord(ctx, *a.OriginalActionAddress)
	if err != nil {
		return Outcome{}, err
	}
	if record == nil {
		return awaiting(*a.OriginalActionAddress), nil
	}
	orig := &record.SignedAction.Action
	if orig.Type != types.ActionCreate && orig.Type != types.ActionUpdate {
		return rejected("update references %s action %s", orig.Type, a.OriginalActionAddress), nil
	}
	if orig.EntryHash == nil || !orig.EntryHash.Equal(*a.OriginalEntryAddress) {
		return rejected("update original_entry_address does not match the creation's entry hash"), nil
	}
	return valid(), nil
}

// checkDeleteRefs verifies the deleted action exists and is a creation.
func checkDeleteRefs(ctx context.Context, a *types.Action, deps DepResolver) (Outcome, error) {
	record, err := deps.ResolveRecord(ctx, *a.DeletesAddress)
	if err != nil {
		return Outcome{}, err
	}
	if record == nil {
		return awaiting(*a.DeletesAddress), nil
	}
	target := &record.SignedAction.Action
	if target.Type != types.ActionCreate && target.Type != types.ActionUpdate {
		return rejected("delete targets %s action %s", target.Type, a.DeletesAddress), nil
	}
	if target.EntryHash == nil || !target.EntryHash.Equal(*a.DeletesEntryAddress) {
		return rejected("delete deletes_entry_address does not match the target's entry hash"), nil
	}
	return valid(), nil
}

// checkDeleteLinkRefs verifies link_add_address points at a CreateLink on
// the same base.
func checkDeleteLinkRefs(ctx context.Context, a *types.Action, deps DepResolver) (Outcome, error) {
	record, err := deps.ResolveRecord(ctx, *a.LinkAddAddress)
	if err != nil {
		return Outcome{}, err
	}
	if record == nil {
		return awaiting(*a.LinkAddAddress), nil
	}
	target := &record.SignedAction.Action
	if target.Type != types.ActionCreateLink {
		return rejected("delete link references %s action %s", target.Type, a.LinkAddAddress), nil
	}
	if target.BaseAddress == nil || !target.BaseAddress.Equal(*a.BaseAddress) {
		return rejected("delete link base does not match the create link's base"), nil
	}
	return valid(), nil
}

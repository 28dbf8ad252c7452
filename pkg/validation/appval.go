package validation

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/conductor/pkg/ribosome"
	"github.com/cuemby/conductor/pkg/types"
)

// selectZomes picks the integrity zomes responsible for an op. CreateLink
// ops carry their zome_index in the action; entry ops bind through the
// entry type's zome; ops of a delete or delete-link route to the zome that
// defined what is being deleted. System entries concern every integrity
// zome.
func selectZomes(ctx context.Context, dna *ribosome.DnaDef, op *types.DhtOp, deps DepResolver) ([]string, Outcome, error) {
	a := &op.SignedAction.Action

	all := func() []string {
		names := make([]string, 0, len(dna.IntegrityZomes))
		for _, z := range dna.IntegrityZomes {
			names = append(names, z.Name)
		}
		return names
	}

	byIndex := func(index uint8) ([]string, Outcome, error) {
		zome, err := dna.IntegrityZome(index)
		if err != nil {
			return nil, rejected("action names integrity zome index %d which does not exist", index), nil
		}
		return []string{zome.Name}, Outcome{}, nil
	}

	switch a.Type {
	case types.ActionCreateLink:
		return byIndex(a.ZomeIndex)

	case types.ActionDeleteLink:
		// A DeleteLink carries no zome index; route to the definer of the
		// CreateLink it tombstones.
		record, err := deps.ResolveRecord(ctx, *a.LinkAddAddress)
		if err != nil {
			return nil, Outcome{}, err
		}
		if record == nil {
			return nil, awaiting(*a.LinkAddAddress), nil
		}
		return byIndex(record.SignedAction.Action.ZomeIndex)

	case types.ActionCreate, types.ActionUpdate:
		if a.EntryType.Kind == types.EntryKindApp {
			return byIndex(a.EntryType.App.ZomeIndex)
		}
		return all(), Outcome{}, nil

	case types.ActionDelete:
		// Route to the definer of the original entry.
		record, err := deps.ResolveRecord(ctx, *a.DeletesAddress)
		if err != nil {
			return nil, Outcome{}, err
		}
		if record == nil {
			return nil, awaiting(*a.DeletesAddress), nil
		}
		orig := &record.SignedAction.Action
		if orig.EntryType != nil && orig.EntryType.Kind == types.EntryKindApp {
			return byIndex(orig.EntryType.App.ZomeIndex)
		}
		return all(), Outcome{}, nil

	default:
		return all(), Outcome{}, nil
	}
}

// AppValidate dispatches the op to each responsible integrity zome's
// validate callback and folds the verdicts: any Invalid rejects, any
// unresolved set shelves, budget exhaustion abandons.
func AppValidate(ctx context.Context, dna *ribosome.DnaDef, inv ribosome.Invoker, op *types.DhtOp, deps DepResolver) (Outcome, error) {
	zomes, outcome, err := selectZomes(ctx, dna, op, deps)
	if err != nil {
		return Outcome{}, err
	}
	if outcome.Status == types.StatusRejected || outcome.Awaiting() {
		return outcome, nil
	}
	if len(zomes) == 0 {
		return valid(), nil
	}

	for _, zome := range zomes {
		result, err := ribosome.Validate(ctx, inv, zome, op)
		if err != nil {
			if errors.Is(err, ribosome.ErrBudgetExceeded) {
				return Outcome{Status: types.StatusAbandoned, Reason: "validation exceeded resource budget"}, nil
			}
			return Outcome{}, fmt.Errorf("validate dispatch to zome %s failed: %w", zome, err)
		}
		switch result.Kind {
		case ribosome.OutcomeValid:
			continue
		case ribosome.OutcomeInvalid:
			return rejected("zome %s: %s", zome, result.Reason), nil
		case ribosome.OutcomeUnresolved:
			return awaiting(result.Missing...), nil
		default:
			return Outcome{}, fmt.Errorf("zome %s returned unknown validate outcome %q", zome, result.Kind)
		}
	}
	return valid(), nil
}

package types

import (
	"errors"
	"fmt"
)

// Chain conflict and commit errors. Strict extension fails with ErrHeadMoved
// when another writer advanced the head; flush-time validation distinguishes
// retryable missing-dependency failures from fatal invalid commits.
var (
	ErrHeadMoved        = errors.New("chain head moved")
	ErrIncompleteCommit = errors.New("commit incomplete, dependencies missing")
	ErrInvalidCommit    = errors.New("commit invalid")
	ErrChainClosed      = errors.New("chain is closed")
	ErrChainLocked      = errors.New("chain is locked for countersigning")
)

// Zome call auth errors, always surfaced to the caller.
var (
	ErrBadSignature      = errors.New("bad signature")
	ErrBadCapGrant       = errors.New("no capability grant matches call")
	ErrBadNonce          = errors.New("nonce already seen")
	ErrBlockedProvenance = errors.New("provenance is blocked")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrCallExpired       = errors.New("zome call expired")
)

// ErrNetwork classifies transient network failures; workflows retry on
// their own schedule, direct callers see it immediately.
var ErrNetwork = errors.New("network error")

// CheckGenesisAction enforces the fixed shape of the first three chain
// actions: seq 0 Dna, seq 1 AgentValidationPkg, seq 2 Create(AgentPubKey).
func CheckGenesisAction(a *Action) error {
	switch a.Seq {
	case 0:
		if a.Type != ActionDna {
			return fmt.Errorf("%w: action at seq 0 must be dna, got %s", ErrInvalidCommit, a.Type)
		}
		if a.DnaHash == nil {
			return fmt.Errorf("%w: dna action missing dna hash", ErrInvalidCommit)
		}
	case 1:
		if a.Type != ActionAgentValidationPkg {
			return fmt.Errorf("%w: action at seq 1 must be agent_validation_pkg, got %s", ErrInvalidCommit, a.Type)
		}
	case 2:
		if a.Type != ActionCreate || a.EntryType == nil || a.EntryType.Kind != EntryKindAgent {
			return fmt.Errorf("%w: action at seq 2 must create the agent key entry", ErrInvalidCommit)
		}
	}
	return nil
}

// CheckChainLink verifies the structural invariants between consecutive
// actions: prev-hash linkage, seq increment, non-decreasing timestamps,
// single author, and that nothing follows a CloseChain.
func CheckChainLink(prev *Action, next *Action) error {
	if prev == nil {
		if next.Seq != 0 {
			return fmt.Errorf("%w: first action must have seq 0, got %d", ErrInvalidCommit, next.Seq)
		}
		return CheckGenesisAction(next)
	}
	if prev.Type == ActionCloseChain {
		return fmt.Errorf("%w: chain closed at seq %d", ErrChainClosed, prev.Seq)
	}
	if next.Seq != prev.Seq+1 {
		return fmt.Errorf("%w: expected seq %d, got %d", ErrInvalidCommit, prev.Seq+1, next.Seq)
	}
	prevHash, err := prev.Hash()
	if err != nil {
		return err
	}
	if !next.PrevAction.Equal(prevHash) {
		return fmt.Errorf("%w: prev_action does not match hash of action at seq %d", ErrInvalidCommit, prev.Seq)
	}
	if next.Timestamp < prev.Timestamp {
		return fmt.Errorf("%w: timestamp decreased at seq %d", ErrInvalidCommit, next.Seq)
	}
	if !next.Author.Equal(prev.Author) {
		return fmt.Errorf("%w: author changed at seq %d", ErrInvalidCommit, next.Seq)
	}
	return CheckGenesisAction(next)
}

// CheckActionStructure verifies the per-variant field requirements of a
// single action independent of chain position.
func CheckActionStructure(a *Action) error {
	switch a.Type {
	case ActionDna:
		if a.DnaHash == nil {
			return fmt.Errorf("dna action missing hash")
		}
	case ActionCreate:
		if a.EntryType == nil || a.EntryHash == nil {
			return fmt.Errorf("create action missing entry type or hash")
		}
	case ActionUpdate:
		if a.EntryType == nil || a.EntryHash == nil {
			return fmt.Errorf("update action missing entry type or hash")
		}
		if a.OriginalActionAddress == nil || a.OriginalEntryAddress == nil {
			return fmt.Errorf("update action missing original addresses")
		}
	case ActionDelete:
		if a.DeletesAddress == nil || a.DeletesEntryAddress == nil {
			return fmt.Errorf("delete action missing deletes addresses")
		}
	case ActionCreateLink:
		if a.BaseAddress == nil || a.TargetAddress == nil {
			return fmt.Errorf("create link action missing base or target")
		}
	case ActionDeleteLink:
		if a.BaseAddress == nil || a.LinkAddAddress == nil {
			return fmt.Errorf("delete link action missing base or link add address")
		}
	case ActionOpenChain:
		if a.PrevDnaHash == nil {
			return fmt.Errorf("open chain action missing previous dna hash")
		}
	case ActionCloseChain:
		if a.NewDnaHash == nil && a.NewAgentKey == nil {
			return fmt.Errorf("close chain action names neither a new dna nor a new agent key")
		}
	case ActionAgentValidationPkg, ActionInitZomesComplete:
		// No variant fields.
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

package storage

import (
	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/types"
)

// OpStage tracks where an op sits in its pipeline. Authored ops move
// awaiting-publish -> published; incoming ops move through validation to
// integration.
type OpStage string

const (
	// Authored side.
	StageAwaitingPublish OpStage = "awaiting_publish"
	StagePublished       OpStage = "published"

	// Authority side.
	StagePendingSysValidation OpStage = "pending_sys_validation"
	StagePendingAppValidation OpStage = "pending_app_validation"
	StageAwaitingIntegration  OpStage = "awaiting_integration"
	StageIntegrated           OpStage = "integrated"
)

// AuthoredOp is an op we authored, queued for publish in the same
// transaction that committed its action.
type AuthoredOp struct {
	Op          types.DhtOp     `msgpack:"op"`
	OpHash      hash.Hash       `msgpack:"op_hash"`
	Basis       hash.Hash       `msgpack:"basis"`
	Stage       OpStage         `msgpack:"stage"`
	LastPublish types.Timestamp `msgpack:"last_publish"`
}

// StoredOp is an op held by this node as an authority, with its pipeline
// position and verdicts.
type StoredOp struct {
	Op       types.DhtOp            `msgpack:"op"`
	OpHash   hash.Hash              `msgpack:"op_hash"`
	Basis    hash.Hash              `msgpack:"basis"`
	Stage    OpStage                `msgpack:"stage"`
	Status   types.ValidationStatus `msgpack:"status,omitempty"`
	Reason   string                 `msgpack:"reason,omitempty"`
	// MissingDeps shelves the op while the fetcher works; FirstMissing
	// drives the abandoned-after threshold.
	MissingDeps  []hash.Hash     `msgpack:"missing_deps,omitempty"`
	FirstMissing types.Timestamp `msgpack:"first_missing,omitempty"`
	ReceiptSent  bool            `msgpack:"receipt_sent"`
}

// ChainHead is the persisted head pointer of a source chain.
type ChainHead struct {
	Hash      hash.Hash       `msgpack:"hash"`
	Seq       uint32          `msgpack:"seq"`
	Timestamp types.Timestamp `msgpack:"timestamp"`
}

// PersistedSchedule is a durable scheduled-function registration.
type PersistedSchedule struct {
	Zome     string `msgpack:"zome"`
	Function string `msgpack:"function"`
	Cron     string `msgpack:"cron"`
}

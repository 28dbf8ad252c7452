package validation

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/keystore"
	"github.com/cuemby/conductor/pkg/ribosome"
	"github.com/cuemby/conductor/pkg/storage"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

// fakeInvoker scripts validate outcomes per zome without compiling guest
// bytecode.
type fakeInvoker struct {
	outcomes map[string]ribosome.ValidateOutcome
	calls    []string
}

func (f *fakeInvoker) Call(ctx context.Context, call ribosome.GuestCall) ([]byte, error) {
	f.calls = append(f.calls, call.Zome+"."+call.Fn)
	outcome, ok := f.outcomes[call.Zome]
	if !ok {
		outcome = ribosome.ValidateOutcome{Kind: ribosome.OutcomeValid}
	}
	return msgpack.Marshal(&outcome)
}

func (f *fakeInvoker) HasFunction(zome, fn string) (bool, error) { return true, nil }

type testEnv struct {
	ks       *keystore.Keystore
	agent    hash.Hash
	cellID   types.CellID
	store    *storage.CellStore
	dna      *ribosome.DnaDef
	inv      *fakeInvoker
	pipeline *Pipeline
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ks := keystore.New()
	agent, err := ks.GenerateAgentKey()
	require.NoError(t, err)
	cellID := types.CellID{DnaHash: hash.New(hash.KindDna, []byte("dna")), AgentKey: agent}
	store, err := storage.OpenCellStore(t.TempDir(), cellID, storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	dna := &ribosome.DnaDef{
		Name: "test",
		IntegrityZomes: []ribosome.ZomeDef{
			{Name: "integrity0", Kind: ribosome.ZomeIntegrity},
			{Name: "integrity1", Kind: ribosome.ZomeIntegrity},
		},
	}
	inv := &fakeInvoker{outcomes: map[string]ribosome.ValidateOutcome{}}
	p := NewPipeline(cellID, store, dna, inv, nil, ks, Config{WarrantsEnabled: true})
	return &testEnv{ks: ks, agent: agent, cellID: cellID, store: store, dna: dna, inv: inv, pipeline: p}
}

// sign builds a properly signed action from another keystore-owned author.
func (e *testEnv) sign(t *testing.T, a types.Action) types.SignedAction {
	t.Helper()
	ah, err := a.Hash()
	require.NoError(t, err)
	sig, err := e.ks.Sign(a.Author, ah.Bytes())
	require.NoError(t, err)
	return types.SignedAction{Action: a, Signature: sig}
}

func (e *testEnv) newAuthor(t *testing.T) hash.Hash {
	t.Helper()
	author, err := e.ks.GenerateAgentKey()
	require.NoError(t, err)
	return author
}

func appCreate(author hash.Hash, seq uint32, prev hash.Hash, entry *types.Entry) (types.Action, error) {
	eh, err := entry.Hash()
	if err != nil {
		return types.Action{}, err
	}
	return types.Action{
		Type: types.ActionCreate, Author: author, Timestamp: types.Now(), Seq: seq, PrevAction: prev,
		EntryType: &types.EntryType{Kind: types.EntryKindApp, App: &types.AppEntryDef{ZomeIndex: 1, Visibility: types.VisibilityPublic}},
		EntryHash: &eh,
	}, nil
}

func TestSysValidateRejectsBadSignature(t *testing.T) {
	e := newTestEnv(t)
	author := e.newAuthor(t)
	entry := types.NewAppEntry([]byte("x"))
	a, err := appCreate(author, 5, hash.New(hash.KindAction, []byte("prev")), entry)
	require.NoError(t, err)
	sa := e.sign(t, a)
	sa.Signature[0] ^= 0xff

	op := types.DhtOp{Type: types.OpStoreEntry, SignedAction: sa, Entry: entry}
	outcome, err := SysValidate(context.Background(), &op, &resolver{store: e.store}, nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, outcome.Status)
	assert.Contains(t, outcome.Reason, "signature")
}

func TestSysValidateRejectsEntryHashMismatch(t *testing.T) {
	e := newTestEnv(t)
	author := e.newAuthor(t)
	a, err := appCreate(author, 5, hash.New(hash.KindAction, []byte("prev")), types.NewAppEntry([]byte("declared")))
	require.NoError(t, err)
	sa := e.sign(t, a)

	op := types.DhtOp{Type: types.OpStoreEntry, SignedAction: sa, Entry: types.NewAppEntry([]byte("different"))}
	outcome, err := SysValidate(context.Background(), &op, &resolver{store: e.store}, nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, outcome.Status)
}

func TestSysValidateShelvesMissingUpdateTarget(t *testing.T) {
	e := newTestEnv(t)
	author := e.newAuthor(t)
	entry := types.NewAppEntry([]byte("new"))
	eh, err := entry.Hash()
	require.NoError(t, err)
	origAction := hash.New(hash.KindAction, []byte("unknown original"))
	origEntry := hash.New(hash.KindEntry, []byte("unknown entry"))

	a := types.Action{
		Type: types.ActionUpdate, Author: author, Timestamp: types.Now(), Seq: 6,
		PrevAction: hash.New(hash.KindAction, []byte("prev")),
		EntryType:  &types.EntryType{Kind: types.EntryKindApp, App: &types.AppEntryDef{Visibility: types.VisibilityPublic}},
		EntryHash:  &eh, OriginalActionAddress: &origAction, OriginalEntryAddress: &origEntry,
	}
	sa := e.sign(t, a)

	op := types.DhtOp{Type: types.OpRegisterUpdate, SignedAction: sa, Entry: entry}
	outcome, err := SysValidate(context.Background(), &op, &resolver{store: e.store}, nil)
	require.NoError(t, err)
	assert.True(t, outcome.Awaiting())
	require.Len(t, outcome.Missing, 1)
	assert.True(t, outcome.Missing[0].Equal(origAction))
}

func TestAppValidationDispatchByEntryZome(t *testing.T) {
	e := newTestEnv(t)
	author := e.newAuthor(t)
	entry := types.NewAppEntry([]byte("x"))
	a, err := appCreate(author, 5, hash.New(hash.KindAction, []byte("prev")), entry)
	require.NoError(t, err)
	sa := e.sign(t, a)

	op := types.DhtOp{Type: types.OpStoreEntry, SignedAction: sa, Entry: entry}
	outcome, err := AppValidate(context.Background(), e.dna, e.inv, &op, &resolver{store: e.store})
	require.NoError(t, err)
	assert.Equal(t, types.StatusValid, outcome.Status)
	// Entry type declares zome index 1; only that zome validates.
	assert.Equal(t, []string{"integrity1.validate"}, e.inv.calls)
}

func TestAppValidationInvalidVerdict(t *testing.T) {
	e := newTestEnv(t)
	e.inv.outcomes["integrity1"] = ribosome.ValidateOutcome{Kind: ribosome.OutcomeInvalid, Reason: "too big"}
	author := e.newAuthor(t)
	entry := types.NewAppEntry([]byte("oversized"))
	a, err := appCreate(author, 5, hash.New(hash.KindAction, []byte("prev")), entry)
	require.NoError(t, err)
	sa := e.sign(t, a)

	op := types.DhtOp{Type: types.OpStoreEntry, SignedAction: sa, Entry: entry}
	outcome, err := AppValidate(context.Background(), e.dna, e.inv, &op, &resolver{store: e.store})
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, outcome.Status)
	assert.Contains(t, outcome.Reason, "too big")
}

func TestPipelineEndToEndValidOp(t *testing.T) {
	e := newTestEnv(t)
	author := e.newAuthor(t)
	entry := types.NewAppEntry([]byte("payload"))
	a, err := appCreate(author, 5, hash.New(hash.KindAction, []byte("prev")), entry)
	require.NoError(t, err)
	sa := e.sign(t, a)

	op := types.DhtOp{Type: types.OpStoreEntry, SignedAction: sa, Entry: entry}
	require.NoError(t, e.pipeline.EnqueueOps([]types.DhtOp{op}))

	ctx := context.Background()
	require.NoError(t, e.pipeline.RunSysValidation(ctx))
	require.NoError(t, e.pipeline.RunAppValidation(ctx))
	require.NoError(t, e.pipeline.RunIntegration(ctx))

	oh, err := op.Hash()
	require.NoError(t, err)
	stored, err := e.store.GetOp(oh)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, storage.StageIntegrated, stored.Stage)
	assert.Equal(t, types.StatusValid, stored.Status)
}

func TestPipelineRetriggerSafe(t *testing.T) {
	e := newTestEnv(t)
	author := e.newAuthor(t)
	entry := types.NewAppEntry([]byte("payload"))
	a, err := appCreate(author, 5, hash.New(hash.KindAction, []byte("prev")), entry)
	require.NoError(t, err)
	sa := e.sign(t, a)
	op := types.DhtOp{Type: types.OpStoreEntry, SignedAction: sa, Entry: entry}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.NoError(t, e.pipeline.EnqueueOps([]types.DhtOp{op}))
		require.NoError(t, e.pipeline.RunSysValidation(ctx))
		require.NoError(t, e.pipeline.RunAppValidation(ctx))
		require.NoError(t, e.pipeline.RunIntegration(ctx))
	}

	counts, err := e.store.OpCounts()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[storage.StageIntegrated])
}

func TestRejectedForeignOpProducesWarrant(t *testing.T) {
	e := newTestEnv(t)
	e.inv.outcomes["integrity1"] = ribosome.ValidateOutcome{Kind: ribosome.OutcomeInvalid, Reason: "too big"}
	author := e.newAuthor(t)
	entry := types.NewAppEntry([]byte("bad"))
	a, err := appCreate(author, 5, hash.New(hash.KindAction, []byte("prev")), entry)
	require.NoError(t, err)
	sa := e.sign(t, a)
	op := types.DhtOp{Type: types.OpStoreEntry, SignedAction: sa, Entry: entry}

	ctx := context.Background()
	require.NoError(t, e.pipeline.EnqueueOps([]types.DhtOp{op}))
	require.NoError(t, e.pipeline.RunSysValidation(ctx))
	require.NoError(t, e.pipeline.RunAppValidation(ctx))
	require.NoError(t, e.pipeline.RunIntegration(ctx))

	activity, err := e.store.Activity(author)
	require.NoError(t, err)
	require.Len(t, activity.Warrants, 1)
	w := activity.Warrants[0].Warrant
	assert.Equal(t, types.WarrantInvalidChainOp, w.Type)
	assert.True(t, w.Warrantee.Equal(author))
	ah, _ := sa.Hash()
	assert.True(t, w.ActionHash.Equal(ah))
}

func TestRemoveLinkWaitsForAddLink(t *testing.T) {
	e := newTestEnv(t)
	author := e.newAuthor(t)
	base := hash.New(hash.KindEntry, []byte("base"))
	target := hash.New(hash.KindEntry, []byte("target"))

	create := types.Action{
		Type: types.ActionCreateLink, Author: author, Timestamp: types.Now(), Seq: 5,
		PrevAction:  hash.New(hash.KindAction, []byte("p1")),
		BaseAddress: &base, TargetAddress: &target, ZomeIndex: 0, LinkType: 1, Tag: []byte("t"),
	}
	createSigned := e.sign(t, create)
	createHash, err := create.Hash()
	require.NoError(t, err)

	del := types.Action{
		Type: types.ActionDeleteLink, Author: author, Timestamp: types.Now(), Seq: 6,
		PrevAction:  createHash,
		BaseAddress: &base, LinkAddAddress: &createHash,
	}
	delSigned := e.sign(t, del)

	addOp := types.DhtOp{Type: types.OpRegisterAddLink, SignedAction: createSigned}
	removeOp := types.DhtOp{Type: types.OpRegisterRemoveLink, SignedAction: delSigned}

	// Only the remove arrives first: sys validation resolves its reference
	// through the add's record, which we integrate as StoreRecord too.
	storeRecordOp := types.DhtOp{Type: types.OpStoreRecord, SignedAction: createSigned}
	ctx := context.Background()
	require.NoError(t, e.pipeline.EnqueueOps([]types.DhtOp{removeOp, storeRecordOp}))
	require.NoError(t, e.pipeline.RunSysValidation(ctx))
	require.NoError(t, e.pipeline.RunAppValidation(ctx))
	require.NoError(t, e.pipeline.RunIntegration(ctx))

	// Second pass: the remove's reference now resolves through the
	// integrated record and it reaches the integration stage.
	require.NoError(t, e.pipeline.RunSysValidation(ctx))
	require.NoError(t, e.pipeline.RunAppValidation(ctx))
	require.NoError(t, e.pipeline.RunIntegration(ctx))

	// The remove op cannot integrate before its add.
	rh, err := removeOp.Hash()
	require.NoError(t, err)
	stored, err := e.store.GetOp(rh)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, storage.StageAwaitingIntegration, stored.Stage)

	// Once the add arrives and integrates, the remove follows.
	require.NoError(t, e.pipeline.EnqueueOps([]types.DhtOp{addOp}))
	require.NoError(t, e.pipeline.RunSysValidation(ctx))
	require.NoError(t, e.pipeline.RunAppValidation(ctx))
	require.NoError(t, e.pipeline.RunIntegration(ctx))

	stored, err = e.store.GetOp(rh)
	require.NoError(t, err)
	assert.Equal(t, storage.StageIntegrated, stored.Stage)

	links, err := e.store.Links(types.LinkQuery{Base: base})
	require.NoError(t, err)
	assert.Empty(t, links, "tombstoned link must not be live")
}

func TestAbandonAfterThreshold(t *testing.T) {
	e := newTestEnv(t)
	e.pipeline.cfg.AbandonAfter = time.Millisecond

	author := e.newAuthor(t)
	entry := types.NewAppEntry([]byte("new"))
	eh, err := entry.Hash()
	require.NoError(t, err)
	missingAction := hash.New(hash.KindAction, []byte("never arrives"))
	missingEntry := hash.New(hash.KindEntry, []byte("never arrives either"))
	a := types.Action{
		Type: types.ActionUpdate, Author: author, Timestamp: types.Now(), Seq: 7,
		PrevAction: hash.New(hash.KindAction, []byte("prev")),
		EntryType:  &types.EntryType{Kind: types.EntryKindApp, App: &types.AppEntryDef{Visibility: types.VisibilityPublic}},
		EntryHash:  &eh, OriginalActionAddress: &missingAction, OriginalEntryAddress: &missingEntry,
	}
	sa := e.sign(t, a)
	op := types.DhtOp{Type: types.OpRegisterUpdate, SignedAction: sa, Entry: entry}

	ctx := context.Background()
	require.NoError(t, e.pipeline.EnqueueOps([]types.DhtOp{op}))
	require.NoError(t, e.pipeline.RunSysValidation(ctx))

	// First pass shelves the op; after the threshold it abandons.
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, e.pipeline.RunSysValidation(ctx))
	require.NoError(t, e.pipeline.RunIntegration(ctx))

	oh, err := op.Hash()
	require.NoError(t, err)
	stored, err := e.store.GetOp(oh)
	require.NoError(t, err)
	assert.Equal(t, types.StatusAbandoned, stored.Status)
}

func TestRateLimiterSpendAndDrain(t *testing.T) {
	limiter := NewRateLimiter(map[uint8]BucketParams{
		1: {Capacity: 10, DrainPerSec: 5},
	})
	author := hash.FromDigest(hash.KindAgent, make([]byte, 32))
	ts := types.Timestamp(1_000_000_000)

	// Fill the bucket.
	require.NoError(t, limiter.Spend(author, ts, types.RateWeight{BucketID: 1, Units: 10}))
	// No headroom left.
	assert.Error(t, limiter.Spend(author, ts, types.RateWeight{BucketID: 1, Units: 1}))
	// One second later, 5 units drained.
	require.NoError(t, limiter.Spend(author, ts+1_000_000, types.RateWeight{BucketID: 1, Units: 5}))
	assert.Error(t, limiter.Spend(author, ts+1_000_000, types.RateWeight{BucketID: 1, Units: 1}))
}

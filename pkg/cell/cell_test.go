package cell

import (
	"context"
	"crypto/rand"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/conductor/pkg/events"
	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/keystore"
	"github.com/cuemby/conductor/pkg/ribosome"
	"github.com/cuemby/conductor/pkg/storage"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

// scriptedInvoker plays guest functions as Go closures that exercise the
// cell's host imports the way compiled bytecode would.
type scriptedInvoker struct {
	mu      sync.Mutex
	fns     map[string]func(ctx context.Context, imports ribosome.HostImports, input []byte) ([]byte, error)
	imports ribosome.HostImports
	initRan int
}

func (s *scriptedInvoker) Call(ctx context.Context, call ribosome.GuestCall) ([]byte, error) {
	key := call.Zome + "." + call.Fn
	s.mu.Lock()
	fn, ok := s.fns[key]
	if call.Fn == "init" {
		s.initRan++
	}
	s.mu.Unlock()
	if !ok {
		if call.Fn == "init" {
			return msgpack.Marshal(&ribosome.InitOutcome{Pass: true})
		}
		if call.Fn == "validate" {
			return msgpack.Marshal(&ribosome.ValidateOutcome{Kind: ribosome.OutcomeValid})
		}
		return nil, ribosome.ErrUnknownFunction
	}
	return fn(ctx, s.imports, call.Input)
}

func (s *scriptedInvoker) HasFunction(zome, fn string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == "init" || fn == "validate" {
		return true, nil
	}
	_, ok := s.fns[zome+"."+fn]
	return ok, nil
}

type fixture struct {
	ks     *keystore.Keystore
	cell   *Cell
	inv    *scriptedInvoker
	broker *events.Broker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ks := keystore.New()
	agent, err := ks.GenerateAgentKey()
	require.NoError(t, err)
	cellID := types.CellID{DnaHash: hash.New(hash.KindDna, []byte("dna")), AgentKey: agent}
	store, err := storage.OpenCellStore(t.TempDir(), cellID, storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	dna := &ribosome.DnaDef{
		Name: "test-app",
		IntegrityZomes: []ribosome.ZomeDef{
			{Name: "integrity", Kind: ribosome.ZomeIntegrity},
		},
		CoordinatorZomes: []ribosome.ZomeDef{
			{Name: "posts", Kind: ribosome.ZomeCoordinator},
		},
	}
	inv := &scriptedInvoker{fns: map[string]func(context.Context, ribosome.HostImports, []byte) ([]byte, error){}}
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	c := New(cellID, "app-1", dna, store, inv, nil, ks, broker, Config{})
	inv.imports = c.HostImports()

	require.NoError(t, c.Genesis(context.Background()))
	return &fixture{ks: ks, cell: c, inv: inv, broker: broker}
}

// selfCall builds a signed call from the cell's own agent.
func (f *fixture) selfCall(t *testing.T, zome, fn string, payload []byte) types.ZomeCallParams {
	t.Helper()
	return f.signedCall(t, f.cell.id.AgentKey, zome, fn, payload, nil)
}

func (f *fixture) signedCall(t *testing.T, provenance hash.Hash, zome, fn string, payload []byte, secret *types.CapSecret) types.ZomeCallParams {
	t.Helper()
	var nonce types.Nonce
	_, err := io.ReadFull(rand.Reader, nonce[:])
	require.NoError(t, err)
	params := types.ZomeCallParams{
		Provenance: provenance,
		CellID:     f.cell.id,
		ZomeName:   zome,
		FnName:     fn,
		Payload:    payload,
		CapSecret:  secret,
		Nonce:      nonce,
		ExpiresAt:  types.Now() + 60*1_000_000,
	}
	data, err := params.SigningBytes()
	require.NoError(t, err)
	sig, err := f.ks.Sign(provenance, data)
	require.NoError(t, err)
	params.Signature = sig
	return params
}

// createEntryFn scripts a guest function that creates one app entry.
func createEntryFn(data []byte) func(context.Context, ribosome.HostImports, []byte) ([]byte, error) {
	return func(ctx context.Context, imports ribosome.HostImports, _ []byte) ([]byte, error) {
		input, err := msgpack.Marshal(&createInput{
			EntryType: types.EntryType{Kind: types.EntryKindApp, App: &types.AppEntryDef{Visibility: types.VisibilityPublic}},
			Entry:     *types.NewAppEntry(data),
		})
		if err != nil {
			return nil, err
		}
		return imports["create"](ctx, input)
	}
}

func TestGenesisChainShape(t *testing.T) {
	f := newFixture(t)
	records, err := f.cell.chain.Query(types.ChainQueryFilter{}, nil)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, types.ActionDna, records[0].SignedAction.Action.Type)
	assert.Equal(t, types.ActionAgentValidationPkg, records[1].SignedAction.Action.Type)
	assert.Equal(t, types.ActionCreate, records[2].SignedAction.Action.Type)
}

func TestFirstCallRunsInitOnce(t *testing.T) {
	f := newFixture(t)
	f.inv.fns["posts.create_post"] = createEntryFn([]byte(`{"x":1}`))

	for i := 0; i < 3; i++ {
		_, err := f.cell.CallZome(context.Background(), f.selfCall(t, "posts", "create_post", nil))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.inv.initRan, "init runs exactly once per cell")

	// InitZomesComplete follows genesis on the chain.
	records, err := f.cell.chain.Query(types.ChainQueryFilter{
		ActionTypes: []types.ActionType{types.ActionInitZomesComplete},
	}, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint32(3), records[0].SignedAction.Action.Seq)
}

func TestConcurrentFirstCallsSerializeBehindInit(t *testing.T) {
	f := newFixture(t)
	f.inv.fns["posts.create_post"] = createEntryFn([]byte(`{"x":1}`))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.cell.CallZome(context.Background(), f.selfCall(t, "posts", "create_post", nil))
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.inv.initRan)
}

func TestCreateThenGetThroughHost(t *testing.T) {
	f := newFixture(t)
	f.inv.fns["posts.create_post"] = createEntryFn([]byte(`{"x":1}`))

	out, err := f.cell.CallZome(context.Background(), f.selfCall(t, "posts", "create_post", nil))
	require.NoError(t, err)
	var ah hash.Hash
	require.NoError(t, msgpack.Unmarshal(out, &ah))

	// The committed action is readable back through the chain.
	record, err := f.cell.chain.Get(ah, nil)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, types.ActionCreate, record.SignedAction.Action.Type)

	// Round-trip law: the record's action hash equals the returned hash.
	rh, err := record.ActionHash()
	require.NoError(t, err)
	assert.True(t, rh.Equal(ah))
}

func TestZomeCallBadSignature(t *testing.T) {
	f := newFixture(t)
	f.inv.fns["posts.create_post"] = createEntryFn([]byte("x"))

	params := f.selfCall(t, "posts", "create_post", nil)
	params.Signature[0] ^= 0xff
	_, err := f.cell.CallZome(context.Background(), params)
	assert.ErrorIs(t, err, types.ErrBadSignature)
}

func TestZomeCallNonceReplay(t *testing.T) {
	f := newFixture(t)
	f.inv.fns["posts.create_post"] = createEntryFn([]byte("x"))

	params := f.selfCall(t, "posts", "create_post", nil)
	_, err := f.cell.CallZome(context.Background(), params)
	require.NoError(t, err)

	_, err = f.cell.CallZome(context.Background(), params)
	assert.ErrorIs(t, err, types.ErrBadNonce)
}

func TestZomeCallExpired(t *testing.T) {
	f := newFixture(t)
	f.inv.fns["posts.create_post"] = createEntryFn([]byte("x"))

	params := f.selfCall(t, "posts", "create_post", nil)
	params.ExpiresAt = types.Now() - 1
	// Re-sign with the stale expiry.
	data, err := params.SigningBytes()
	require.NoError(t, err)
	params.Signature, err = f.ks.Sign(f.cell.id.AgentKey, data)
	require.NoError(t, err)

	_, err = f.cell.CallZome(context.Background(), params)
	assert.ErrorIs(t, err, types.ErrCallExpired)
}

func TestZomeCallUnknownFunction(t *testing.T) {
	f := newFixture(t)
	_, err := f.cell.CallZome(context.Background(), f.selfCall(t, "posts", "no_such_fn", nil))
	assert.ErrorIs(t, err, ribosome.ErrUnknownFunction)
}

func TestForeignCallerNeedsGrant(t *testing.T) {
	f := newFixture(t)
	f.inv.fns["posts.create_post"] = createEntryFn([]byte("x"))
	stranger, err := f.ks.GenerateAgentKey()
	require.NoError(t, err)

	// No grant: rejected.
	_, err = f.cell.CallZome(context.Background(), f.signedCall(t, stranger, "posts", "create_post", nil, nil))
	assert.ErrorIs(t, err, types.ErrBadCapGrant)

	// Transferable grant with the right secret: allowed.
	var secret types.CapSecret
	_, err = io.ReadFull(rand.Reader, secret[:])
	require.NoError(t, err)
	_, err = f.cell.GrantCapability(types.CapGrant{
		Tag:    "guest-posting",
		Access: types.CapAccessTransferable,
		Secret: &secret,
		Functions: types.GrantedFunctions{Functions: []types.GrantedFunction{
			{Zome: "posts", Function: "create_post"},
		}},
	})
	require.NoError(t, err)

	_, err = f.cell.CallZome(context.Background(), f.signedCall(t, stranger, "posts", "create_post", nil, &secret))
	require.NoError(t, err)

	// Wrong secret still rejected.
	var wrong types.CapSecret
	_, err2 := f.cell.CallZome(context.Background(), f.signedCall(t, stranger, "posts", "create_post", nil, &wrong))
	assert.ErrorIs(t, err2, types.ErrBadCapGrant)
}

func TestAssignedGrantChecksProvenance(t *testing.T) {
	f := newFixture(t)
	f.inv.fns["posts.create_post"] = createEntryFn([]byte("x"))
	assignee, err := f.ks.GenerateAgentKey()
	require.NoError(t, err)
	outsider, err := f.ks.GenerateAgentKey()
	require.NoError(t, err)

	var secret types.CapSecret
	_, err = io.ReadFull(rand.Reader, secret[:])
	require.NoError(t, err)
	_, err = f.cell.GrantCapability(types.CapGrant{
		Tag:       "assigned",
		Access:    types.CapAccessAssigned,
		Secret:    &secret,
		Assignees: []hash.Hash{assignee},
		Functions: types.GrantedFunctions{All: true},
	})
	require.NoError(t, err)

	_, err = f.cell.CallZome(context.Background(), f.signedCall(t, assignee, "posts", "create_post", nil, &secret))
	require.NoError(t, err)

	_, err = f.cell.CallZome(context.Background(), f.signedCall(t, outsider, "posts", "create_post", nil, &secret))
	assert.ErrorIs(t, err, types.ErrBadCapGrant)
}

func TestRevokedGrantStopsWorking(t *testing.T) {
	f := newFixture(t)
	f.inv.fns["posts.create_post"] = createEntryFn([]byte("x"))
	stranger, err := f.ks.GenerateAgentKey()
	require.NoError(t, err)

	grantHash, err := f.cell.GrantCapability(types.CapGrant{
		Tag:       "open",
		Access:    types.CapAccessUnrestricted,
		Functions: types.GrantedFunctions{All: true},
	})
	require.NoError(t, err)

	_, err = f.cell.CallZome(context.Background(), f.signedCall(t, stranger, "posts", "create_post", nil, nil))
	require.NoError(t, err)

	require.NoError(t, f.cell.RevokeCapability(grantHash))
	_, err = f.cell.CallZome(context.Background(), f.signedCall(t, stranger, "posts", "create_post", nil, nil))
	assert.ErrorIs(t, err, types.ErrBadCapGrant)
}

func TestBlockedProvenance(t *testing.T) {
	f := newFixture(t)
	f.inv.fns["posts.create_post"] = createEntryFn([]byte("x"))
	blocked, err := f.ks.GenerateAgentKey()
	require.NoError(t, err)
	f.cell.SetBlockedCheck(func(h hash.Hash) bool { return h.Equal(blocked) })

	_, err = f.cell.CallZome(context.Background(), f.signedCall(t, blocked, "posts", "create_post", nil, nil))
	assert.ErrorIs(t, err, types.ErrBlockedProvenance)
}

func TestEmitSignalReachesSubscribers(t *testing.T) {
	f := newFixture(t)
	sub := f.broker.Subscribe()
	t.Cleanup(func() { f.broker.Unsubscribe(sub) })

	f.inv.fns["posts.notify"] = func(ctx context.Context, imports ribosome.HostImports, input []byte) ([]byte, error) {
		return imports["emit_signal"](ctx, []byte("ping"))
	}

	_, err := f.cell.CallZome(context.Background(), f.selfCall(t, "posts", "notify", nil))
	require.NoError(t, err)

	select {
	case sig := <-sub:
		assert.Equal(t, events.SignalApp, sig.Type)
		assert.Equal(t, []byte("ping"), sig.Payload)
		assert.Equal(t, "app-1", sig.AppID)
	case <-time.After(time.Second):
		t.Fatal("signal never arrived")
	}
}

func TestUpdateChainThroughHost(t *testing.T) {
	f := newFixture(t)
	f.inv.fns["posts.create_post"] = createEntryFn([]byte("v1"))
	f.inv.fns["posts.update_post"] = func(ctx context.Context, imports ribosome.HostImports, input []byte) ([]byte, error) {
		var orig hash.Hash
		if err := msgpack.Unmarshal(input, &orig); err != nil {
			return nil, err
		}
		payload, err := msgpack.Marshal(&updateInput{
			OriginalActionAddress: orig,
			Entry:                 *types.NewAppEntry([]byte("v2")),
		})
		if err != nil {
			return nil, err
		}
		return imports["update"](ctx, payload)
	}

	out, err := f.cell.CallZome(context.Background(), f.selfCall(t, "posts", "create_post", nil))
	require.NoError(t, err)
	var a1 hash.Hash
	require.NoError(t, msgpack.Unmarshal(out, &a1))

	origPayload, err := msgpack.Marshal(a1)
	require.NoError(t, err)
	out, err = f.cell.CallZome(context.Background(), f.selfCall(t, "posts", "update_post", origPayload))
	require.NoError(t, err)
	var a2 hash.Hash
	require.NoError(t, msgpack.Unmarshal(out, &a2))

	record, err := f.cell.chain.Get(a2, nil)
	require.NoError(t, err)
	require.NotNil(t, record)
	ua := record.SignedAction.Action
	assert.Equal(t, types.ActionUpdate, ua.Type)
	assert.True(t, ua.OriginalActionAddress.Equal(a1))

	// The update's original entry address matches the create's entry hash.
	orig, err := f.cell.chain.Get(a1, nil)
	require.NoError(t, err)
	assert.True(t, ua.OriginalEntryAddress.Equal(*orig.SignedAction.Action.EntryHash))
}

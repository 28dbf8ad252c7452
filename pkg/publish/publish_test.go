package publish

import (
	"context"
	"sync"
	"testing"

	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/keystore"
	"github.com/cuemby/conductor/pkg/network"
	"github.com/cuemby/conductor/pkg/storage"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pushRecorder records pushed ops per peer.
type pushRecorder struct {
	network.Handle
	mu     sync.Mutex
	pushes map[string]int
	peers  []network.Peer
	fail   map[string]bool
}

func (r *pushRecorder) NearestAuthorities(basis hash.Hash, n int) ([]network.Peer, error) {
	if len(r.peers) > n {
		return r.peers[:n], nil
	}
	return r.peers, nil
}

func (r *pushRecorder) PushOps(ctx context.Context, peer network.Peer, ops []types.DhtOp) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[peer.Agent.String()] {
		return types.ErrNetwork
	}
	r.pushes[peer.Agent.String()] += len(ops)
	return nil
}

func testAgent(t *testing.T, ks *keystore.Keystore) hash.Hash {
	t.Helper()
	agent, err := ks.GenerateAgentKey()
	require.NoError(t, err)
	return agent
}

func setup(t *testing.T, r int) (*Publisher, *storage.CellStore, *pushRecorder, *keystore.Keystore) {
	t.Helper()
	ks := keystore.New()
	agent := testAgent(t, ks)
	cellID := types.CellID{DnaHash: hash.New(hash.KindDna, []byte("dna")), AgentKey: agent}
	store, err := storage.OpenCellStore(t.TempDir(), cellID, storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rec := &pushRecorder{pushes: map[string]int{}, fail: map[string]bool{}}
	for i := 0; i < 4; i++ {
		rec.peers = append(rec.peers, network.Peer{Agent: testAgent(t, ks)})
	}
	pub := New(cellID, store, rec, Config{ResilienceThreshold: r, FanOut: 4})
	return pub, store, rec, ks
}

func queueOp(t *testing.T, store *storage.CellStore, ks *keystore.Keystore, author hash.Hash) storage.AuthoredOp {
	t.Helper()
	entry := types.NewAppEntry([]byte("payload"))
	eh, err := entry.Hash()
	require.NoError(t, err)
	a := types.Action{
		Type: types.ActionCreate, Author: author, Timestamp: types.Now(), Seq: 4,
		PrevAction: hash.New(hash.KindAction, []byte("prev")),
		EntryType:  &types.EntryType{Kind: types.EntryKindApp, App: &types.AppEntryDef{Visibility: types.VisibilityPublic}},
		EntryHash:  &eh,
	}
	ah, err := a.Hash()
	require.NoError(t, err)
	sig, err := ks.Sign(author, ah.Bytes())
	require.NoError(t, err)
	op := types.DhtOp{Type: types.OpStoreEntry, SignedAction: types.SignedAction{Action: a, Signature: sig}, Entry: entry}
	oh, err := op.Hash()
	require.NoError(t, err)
	basis, err := op.Basis()
	require.NoError(t, err)
	authored := storage.AuthoredOp{Op: op, OpHash: oh, Basis: basis, Stage: storage.StageAwaitingPublish}
	require.NoError(t, store.UpdateAuthoredOp(authored))
	return authored
}

func receiptFor(t *testing.T, ks *keystore.Keystore, authority hash.Hash, opHash hash.Hash) types.SignedValidationReceipt {
	t.Helper()
	receipt := types.ValidationReceipt{OpHash: opHash, Authority: authority, Status: types.StatusValid, Timestamp: types.Now()}
	data, err := receipt.SigningBytes()
	require.NoError(t, err)
	sig, err := ks.Sign(authority, data)
	require.NoError(t, err)
	return types.SignedValidationReceipt{Receipt: receipt, Signature: sig}
}

func TestPublishPushesToNearestPeers(t *testing.T) {
	pub, store, rec, ks := setup(t, 2)
	queueOp(t, store, ks, pub.cellID.AgentKey)

	require.NoError(t, pub.RunCycle(context.Background()))

	total := 0
	for _, n := range rec.pushes {
		total += n
	}
	assert.Equal(t, 4, total, "one push per fan-out peer")
}

func TestPublishSkipsUnreachablePeers(t *testing.T) {
	pub, store, rec, ks := setup(t, 2)
	rec.fail[rec.peers[0].Agent.String()] = true
	queueOp(t, store, ks, pub.cellID.AgentKey)

	require.NoError(t, pub.RunCycle(context.Background()))

	total := 0
	for _, n := range rec.pushes {
		total += n
	}
	assert.Equal(t, 3, total, "unreachable peer skipped without failing the cycle")
}

func TestReceiptsReachThreshold(t *testing.T) {
	pub, store, rec, ks := setup(t, 2)
	op := queueOp(t, store, ks, pub.cellID.AgentKey)

	r1 := receiptFor(t, ks, rec.peers[0].Agent, op.OpHash)
	r2 := receiptFor(t, ks, rec.peers[1].Agent, op.OpHash)

	require.NoError(t, pub.ReceiveReceipts(context.Background(), []types.SignedValidationReceipt{r1}))
	pending, err := store.AuthoredOpsInStage(storage.StageAwaitingPublish)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "below threshold, publish continues")

	require.NoError(t, pub.ReceiveReceipts(context.Background(), []types.SignedValidationReceipt{r2}))
	pending, err = store.AuthoredOpsInStage(storage.StageAwaitingPublish)
	require.NoError(t, err)
	assert.Empty(t, pending)

	published, err := store.AuthoredOpsInStage(storage.StagePublished)
	require.NoError(t, err)
	assert.Len(t, published, 1)

	receipts, err := store.Receipts(op.OpHash)
	require.NoError(t, err)
	assert.Len(t, receipts, 2, "threshold receipts persisted locally")
}

func TestDuplicateAuthorityCountsOnce(t *testing.T) {
	pub, store, rec, ks := setup(t, 2)
	op := queueOp(t, store, ks, pub.cellID.AgentKey)

	r1 := receiptFor(t, ks, rec.peers[0].Agent, op.OpHash)
	require.NoError(t, pub.ReceiveReceipts(context.Background(), []types.SignedValidationReceipt{r1, r1}))

	pending, err := store.AuthoredOpsInStage(storage.StageAwaitingPublish)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "same authority twice counts once")
}

func TestBadSignatureReceiptIgnored(t *testing.T) {
	pub, store, rec, ks := setup(t, 1)
	op := queueOp(t, store, ks, pub.cellID.AgentKey)

	r1 := receiptFor(t, ks, rec.peers[0].Agent, op.OpHash)
	r1.Signature[0] ^= 0xff
	require.NoError(t, pub.ReceiveReceipts(context.Background(), []types.SignedValidationReceipt{r1}))

	pending, err := store.AuthoredOpsInStage(storage.StageAwaitingPublish)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

// receiptRecorder records receipt batches per author.
type receiptRecorder struct {
	network.Handle
	mu      sync.Mutex
	batches map[string][][]types.SignedValidationReceipt
	fail    bool
}

func (r *receiptRecorder) SendReceipts(ctx context.Context, author hash.Hash, receipts []types.SignedValidationReceipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return types.ErrNetwork
	}
	r.batches[author.String()] = append(r.batches[author.String()], receipts)
	return nil
}

func TestReceiptSenderBatchesPerAuthor(t *testing.T) {
	ks := keystore.New()
	authority := testAgent(t, ks)
	author1 := testAgent(t, ks)
	author2 := testAgent(t, ks)
	rec := &receiptRecorder{batches: map[string][][]types.SignedValidationReceipt{}}
	sender := NewReceiptSender(authority, ks, rec)

	opFor := func(author hash.Hash, n byte) storage.StoredOp {
		a := types.Action{Type: types.ActionInitZomesComplete, Author: author, Timestamp: types.Now(), Seq: 3,
			PrevAction: hash.New(hash.KindAction, []byte{n})}
		op := types.DhtOp{Type: types.OpRegisterAgentActivity, SignedAction: types.SignedAction{Action: a, Signature: make(types.Signature, 64)}}
		oh, _ := op.Hash()
		return storage.StoredOp{Op: op, OpHash: oh, Basis: author}
	}

	ctx := context.Background()
	sender.Attest(ctx, opFor(author1, 1))
	sender.Attest(ctx, opFor(author1, 2))
	sender.Attest(ctx, opFor(author2, 3))
	sender.Flush(ctx)

	assert.Len(t, rec.batches[author1.String()], 1, "one batch per author")
	assert.Len(t, rec.batches[author1.String()][0], 2)
	assert.Len(t, rec.batches[author2.String()], 1)
	assert.Equal(t, 0, sender.PendingCount())
}

func TestReceiptSenderKeepsBatchOnFailure(t *testing.T) {
	ks := keystore.New()
	authority := testAgent(t, ks)
	author := testAgent(t, ks)
	rec := &receiptRecorder{batches: map[string][][]types.SignedValidationReceipt{}, fail: true}
	sender := NewReceiptSender(authority, ks, rec)

	a := types.Action{Type: types.ActionInitZomesComplete, Author: author, Timestamp: types.Now(), Seq: 3,
		PrevAction: hash.New(hash.KindAction, []byte("p"))}
	op := types.DhtOp{Type: types.OpRegisterAgentActivity, SignedAction: types.SignedAction{Action: a, Signature: make(types.Signature, 64)}}
	oh, _ := op.Hash()

	ctx := context.Background()
	sender.Attest(ctx, storage.StoredOp{Op: op, OpHash: oh, Basis: author})
	sender.Flush(ctx)
	assert.Equal(t, 1, sender.PendingCount(), "undeliverable batch stays queued")

	rec.fail = false
	sender.Flush(ctx)
	assert.Equal(t, 0, sender.PendingCount())
}

func TestReceiptSenderIsolatesKeystoreFailure(t *testing.T) {
	ks := keystore.New()
	// Authority key not in this keystore: signing fails per-op.
	missing := hash.FromDigest(hash.KindAgent, make([]byte, 32))
	author := testAgent(t, ks)
	rec := &receiptRecorder{batches: map[string][][]types.SignedValidationReceipt{}}
	sender := NewReceiptSender(missing, ks, rec)

	a := types.Action{Type: types.ActionInitZomesComplete, Author: author, Timestamp: types.Now(), Seq: 3,
		PrevAction: hash.New(hash.KindAction, []byte("p"))}
	op := types.DhtOp{Type: types.OpRegisterAgentActivity, SignedAction: types.SignedAction{Action: a, Signature: make(types.Signature, 64)}}
	oh, _ := op.Hash()

	sender.Attest(context.Background(), storage.StoredOp{Op: op, OpHash: oh, Basis: author})
	assert.Equal(t, 0, sender.PendingCount(), "unsignable receipt dropped, no batch poisoned")
}

package ribosome

import (
	"context"
	"testing"

	"github.com/cuemby/conductor/pkg/hash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestDnaHashCoversIntegrityOnly(t *testing.T) {
	dna := &DnaDef{
		Name:      "test",
		Modifiers: Modifiers{NetworkSeed: "seed"},
		IntegrityZomes: []ZomeDef{
			{Name: "integrity", Kind: ZomeIntegrity, WasmHash: HashBytecode([]byte{1, 2, 3})},
		},
		CoordinatorZomes: []ZomeDef{
			{Name: "coordinator", Kind: ZomeCoordinator, WasmHash: HashBytecode([]byte{4, 5, 6})},
		},
	}
	h1, err := dna.Hash()
	require.NoError(t, err)

	// Swapping coordinators does not fork the network.
	dna.CoordinatorZomes[0].WasmHash = HashBytecode([]byte{9, 9, 9})
	h2, err := dna.Hash()
	require.NoError(t, err)
	assert.True(t, h1.Equal(h2))

	// Changing the network seed does.
	dna.Modifiers.NetworkSeed = "other"
	h3, err := dna.Hash()
	require.NoError(t, err)
	assert.False(t, h1.Equal(h3))
}

func TestZomeLookup(t *testing.T) {
	dna := &DnaDef{
		Name:           "test",
		IntegrityZomes: []ZomeDef{{Name: "a", Kind: ZomeIntegrity}, {Name: "b", Kind: ZomeIntegrity}},
	}

	z, err := dna.Zome("b")
	require.NoError(t, err)
	assert.Equal(t, "b", z.Name)

	z, err = dna.IntegrityZome(1)
	require.NoError(t, err)
	assert.Equal(t, "b", z.Name)

	_, err = dna.Zome("missing")
	assert.Error(t, err)
	_, err = dna.IntegrityZome(7)
	assert.Error(t, err)
}

func TestDeterministicAllowlist(t *testing.T) {
	for _, name := range []string{"must_get_entry", "hash_action", "dna_info", "verify_signature"} {
		assert.True(t, deterministicHostFns[name], name)
	}
	for _, name := range []string{"create", "get", "call_remote", "random_bytes", "sys_time", "emit_signal"} {
		assert.False(t, deterministicHostFns[name], name)
	}
	// Every deterministic name is part of the ABI surface.
	surface := map[string]bool{}
	for _, name := range hostFnNames {
		surface[name] = true
	}
	for name := range deterministicHostFns {
		assert.True(t, surface[name], name)
	}
}

func TestGuestOutputEnvelope(t *testing.T) {
	// Ok path round-trips payload bytes.
	payload, err := msgpack.Marshal(map[string]int{"x": 1})
	require.NoError(t, err)
	data, err := encodeHostOutput(payload, nil)
	require.NoError(t, err)
	ok, err := decodeGuestOutput(data)
	require.NoError(t, err)
	assert.Equal(t, payload, ok)

	// Err path surfaces a typed WasmError.
	data, err = encodeHostOutput(nil, &WasmError{Kind: ErrKindGuest, Message: "boom", File: "lib.rs", Line: 42})
	require.NoError(t, err)
	_, err = decodeGuestOutput(data)
	require.Error(t, err)
	we, isWasm := err.(*WasmError)
	require.True(t, isWasm)
	assert.Equal(t, ErrKindGuest, we.Kind)
	assert.Contains(t, we.Error(), "lib.rs:42")
}

func TestPackPtrLen(t *testing.T) {
	ptr, length := unpackPtrLen(packPtrLen(0xDEADBEEF, 0x1234))
	assert.Equal(t, uint32(0xDEADBEEF), ptr)
	assert.Equal(t, uint32(0x1234), length)
}

func TestModuleCacheRejectsMissingBytecode(t *testing.T) {
	cache, err := NewModuleCache(context.Background(), "")
	require.NoError(t, err)
	defer cache.Close(context.Background())

	_, err = cache.Get(context.Background(), hash.New(hash.KindWasm, []byte("never compiled")), nil)
	require.Error(t, err)
	we, isWasm := err.(*WasmError)
	require.True(t, isWasm)
	assert.Equal(t, ErrKindCacheUninitialized, we.Kind)
}

func TestHostCallBudgetExhaustion(t *testing.T) {
	env := &callEnv{imports: HostImports{}}
	env.budget.Store(1)
	ctx := withCallEnv(context.Background(), env)

	got := envFromContext(ctx)
	require.NotNil(t, got)
	assert.Equal(t, int64(1), got.budget.Load())
	got.budget.Add(-1)
	assert.Equal(t, int64(0), got.budget.Load())
}

package bundle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/conductor/pkg/ribosome"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBundlePackRoundTrip(t *testing.T) {
	b, err := New(DnaManifest{
		Name: "chat",
		Integrity: IntegrityManifest{
			NetworkSeed: "seed-1",
			Zomes:       []ZomeManifest{{Name: "chat_integrity", Location: Location{Bundled: "chat_integrity.wasm"}}},
		},
		Coordinator: CoordinatorManifest{
			Zomes: []ZomeManifest{{Name: "chat", Location: Location{Bundled: "chat.wasm"}, Dependencies: []string{"chat_integrity"}}},
		},
	}, map[string][]byte{
		"chat_integrity.wasm": {0x00, 0x61, 0x73, 0x6d, 1},
		"chat.wasm":           {0x00, 0x61, 0x73, 0x6d, 2},
	})
	require.NoError(t, err)

	packed, err := b.Pack()
	require.NoError(t, err)
	unpacked, err := Unpack(packed)
	require.NoError(t, err)

	var manifest DnaManifest
	require.NoError(t, unpacked.DecodeManifest(&manifest))
	assert.Equal(t, "chat", manifest.Name)
	assert.Len(t, unpacked.Resources, 2)
}

func TestBuildDnaDef(t *testing.T) {
	integrityWasm := []byte{0x00, 0x61, 0x73, 0x6d, 1}
	b, err := New(DnaManifest{
		Name: "chat",
		Integrity: IntegrityManifest{
			NetworkSeed: "seed-1",
			Zomes:       []ZomeManifest{{Name: "chat_integrity", Location: Location{Bundled: "i.wasm"}}},
		},
		Coordinator: CoordinatorManifest{
			Zomes: []ZomeManifest{{Name: "chat", Location: Location{Bundled: "c.wasm"}}},
		},
	}, map[string][]byte{
		"i.wasm": integrityWasm,
		"c.wasm": {0x00, 0x61, 0x73, 0x6d, 2},
	})
	require.NoError(t, err)

	dna, err := BuildDnaDef(b, "")
	require.NoError(t, err)
	require.Len(t, dna.IntegrityZomes, 1)
	require.Len(t, dna.CoordinatorZomes, 1)
	assert.Equal(t, ribosome.HashBytecode(integrityWasm), dna.IntegrityZomes[0].WasmHash)
	assert.Equal(t, "seed-1", dna.Modifiers.NetworkSeed)

	// Same integrity, different network seed: different DNA hash.
	h1, err := dna.Hash()
	require.NoError(t, err)
	override := "other-seed"
	forked := ApplyOverride(dna, &ModifiersOverride{NetworkSeed: &override})
	h2, err := forked.Hash()
	require.NoError(t, err)
	assert.False(t, h1.Equal(h2))
}

func TestResolvePathLocation(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "zome.wasm"), []byte("bytecode"), 0644))

	b := &Bundle{}
	data, err := b.Resolve(Location{Path: "zome.wasm"}, dir)
	require.NoError(t, err)
	assert.Equal(t, []byte("bytecode"), data)

	_, err = b.Resolve(Location{Path: "missing.wasm"}, dir)
	assert.Error(t, err)

	_, err = b.Resolve(Location{}, dir)
	assert.Error(t, err)
}

func TestAppManifestYaml(t *testing.T) {
	manifest := AppManifest{
		Name:        "forum",
		Description: "a forum app",
		Roles: []RoleManifest{
			{Name: "forum", Provisioning: ProvisioningCreate, Dna: Location{Bundled: "forum.dna"}, CloneLimit: 4},
			{Name: "archive", Provisioning: ProvisioningDisabled, Dna: Location{Bundled: "archive.dna"}},
		},
	}
	b, err := New(manifest, nil)
	require.NoError(t, err)

	var decoded AppManifest
	require.NoError(t, b.DecodeManifest(&decoded))
	assert.Equal(t, manifest, decoded)
}

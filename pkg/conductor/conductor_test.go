package conductor

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/conductor/pkg/bundle"
	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/keystore"
	"github.com/cuemby/conductor/pkg/network"
	"github.com/cuemby/conductor/pkg/ribosome"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Conductor tests run against an empty-zome DNA: no bytecode is compiled,
// so every cell dispatch that would reach wasm is out of scope here (cell
// tests cover it with a scripted invoker). What these tests exercise is
// the lifecycle bookkeeping.
func emptyDna(name string) *ribosome.DnaDef {
	return &ribosome.DnaDef{Name: name, Modifiers: ribosome.Modifiers{NetworkSeed: "test"}}
}

func newConductor(t *testing.T) (*Conductor, *keystore.Keystore) {
	t.Helper()
	ks := keystore.New()
	loop := network.NewLoopback()
	c, err := New(Config{DataDir: t.TempDir()}, ks, loop, loop)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c, ks
}

func installTestApp(t *testing.T, c *Conductor, ks *keystore.Keystore, appID string) (*App, hash.Hash) {
	t.Helper()
	dnaHash, err := c.RegisterDna(emptyDna("app-dna"))
	require.NoError(t, err)
	agent, err := ks.GenerateAgentKey()
	require.NoError(t, err)

	app, err := c.InstallApp(appID, agent, bundle.AppManifest{
		Name: appID,
		Roles: []bundle.RoleManifest{
			{Name: "main", Provisioning: bundle.ProvisioningCreate, CloneLimit: 2},
		},
	}, map[string]hash.Hash{"main": dnaHash}, nil)
	require.NoError(t, err)
	return app, dnaHash
}

func TestInstallEnableDisable(t *testing.T) {
	c, ks := newConductor(t)
	app, _ := installTestApp(t, c, ks, "forum")
	assert.Equal(t, AppDisabled, app.Status)

	enabled, cellErrs, err := c.EnableApp(context.Background(), "forum")
	require.NoError(t, err)
	assert.Empty(t, cellErrs)
	assert.Equal(t, AppEnabled, enabled.Status)
	assert.Len(t, c.ListCells(), 1)

	// The enabled cell's chain carries genesis.
	dump, err := c.DumpState(app.Roles[0].CellID)
	require.NoError(t, err)
	assert.Equal(t, 3, dump.ChainLen)
	assert.Equal(t, uint32(2), dump.ChainHeadSeq)

	require.NoError(t, c.DisableApp("forum"))
	assert.Empty(t, c.ListCells())
}

func TestEnableUnregisteredDnaFails(t *testing.T) {
	c, ks := newConductor(t)
	agent, err := ks.GenerateAgentKey()
	require.NoError(t, err)

	_, err = c.InstallApp("bad", agent, bundle.AppManifest{
		Roles: []bundle.RoleManifest{{Name: "main", Provisioning: bundle.ProvisioningCreate}},
	}, map[string]hash.Hash{"main": hash.New(hash.KindDna, []byte("never registered"))}, nil)
	assert.Error(t, err)
}

func TestInstallSameAppTwiceFails(t *testing.T) {
	c, ks := newConductor(t)
	installTestApp(t, c, ks, "forum")
	dnaHash, err := c.RegisterDna(emptyDna("app-dna"))
	require.NoError(t, err)
	agent, err := ks.GenerateAgentKey()
	require.NoError(t, err)
	_, err = c.InstallApp("forum", agent, bundle.AppManifest{
		Roles: []bundle.RoleManifest{{Name: "main", Provisioning: bundle.ProvisioningCreate}},
	}, map[string]hash.Hash{"main": dnaHash}, nil)
	assert.Error(t, err)
}

func TestUninstallRemovesApp(t *testing.T) {
	c, ks := newConductor(t)
	installTestApp(t, c, ks, "forum")
	_, _, err := c.EnableApp(context.Background(), "forum")
	require.NoError(t, err)

	require.NoError(t, c.UninstallApp("forum"))
	assert.Empty(t, c.ListCells())
	_, err = c.GetApp("forum")
	assert.Error(t, err)
}

func TestCloneCellLimit(t *testing.T) {
	c, ks := newConductor(t)
	_, _ = installTestApp(t, c, ks, "forum")
	_, _, err := c.EnableApp(context.Background(), "forum")
	require.NoError(t, err)

	ctx := context.Background()
	c1, err := c.CreateCloneCell(ctx, "forum", "main", "clone-1", nil)
	require.NoError(t, err)
	c2, err := c.CreateCloneCell(ctx, "forum", "main", "clone-2", nil)
	require.NoError(t, err)
	assert.False(t, c1.Equal(c2), "clones land on distinct networks")

	_, err = c.CreateCloneCell(ctx, "forum", "main", "clone-3", nil)
	assert.Error(t, err, "clone limit enforced")

	// Disable then delete one clone.
	require.NoError(t, c.DisableCloneCell("forum", "main", "clone-1"))
	require.NoError(t, c.DeleteDisabledCloneCells("forum", "main"))

	app, err := c.GetApp("forum")
	require.NoError(t, err)
	assert.Len(t, app.Roles[0].Clones, 1)
}

func TestDisabledRoleGetsNoCell(t *testing.T) {
	c, ks := newConductor(t)
	dnaHash, err := c.RegisterDna(emptyDna("dna"))
	require.NoError(t, err)
	agent, err := ks.GenerateAgentKey()
	require.NoError(t, err)

	_, err = c.InstallApp("app", agent, bundle.AppManifest{
		Roles: []bundle.RoleManifest{
			{Name: "active", Provisioning: bundle.ProvisioningCreate},
			{Name: "dormant", Provisioning: bundle.ProvisioningDisabled},
		},
	}, map[string]hash.Hash{"active": dnaHash, "dormant": dnaHash}, nil)
	require.NoError(t, err)

	_, _, err = c.EnableApp(context.Background(), "app")
	require.NoError(t, err)
	assert.Len(t, c.ListCells(), 1)
}

func TestReinstallWithNewAgentDoesNotCollide(t *testing.T) {
	c, ks := newConductor(t)
	app1, _ := installTestApp(t, c, ks, "forum")
	_, _, err := c.EnableApp(context.Background(), "forum")
	require.NoError(t, err)
	require.NoError(t, c.UninstallApp("forum"))

	app2, _ := installTestApp(t, c, ks, "forum")
	_, _, err = c.EnableApp(context.Background(), "forum")
	require.NoError(t, err)

	assert.False(t, app1.Roles[0].CellID.Equal(app2.Roles[0].CellID))
	dump, err := c.DumpState(app2.Roles[0].CellID)
	require.NoError(t, err)
	assert.Equal(t, 3, dump.ChainLen, "fresh agent starts a fresh chain")
}

func TestBlockList(t *testing.T) {
	c, ks := newConductor(t)
	agent, err := ks.GenerateAgentKey()
	require.NoError(t, err)

	assert.False(t, c.isBlocked(agent))
	c.BlockProvenance(agent)
	assert.True(t, c.isBlocked(agent))
	c.UnblockProvenance(agent)
	assert.False(t, c.isBlocked(agent))
}

func TestAppTokens(t *testing.T) {
	tm := NewTokenManager()

	token, err := tm.IssueToken("forum", []string{"https://app.example"}, true, time.Minute)
	require.NoError(t, err)

	// Wrong origin refused.
	_, err = tm.ValidateToken(token.Token, "https://evil.example")
	assert.Error(t, err)

	appID, err := tm.ValidateToken(token.Token, "https://app.example")
	require.NoError(t, err)
	assert.Equal(t, "forum", appID)

	// Single use: second validation fails.
	_, err = tm.ValidateToken(token.Token, "https://app.example")
	assert.Error(t, err)

	// Expired tokens are refused.
	expired, err := tm.IssueToken("forum", nil, false, -time.Second)
	require.NoError(t, err)
	_, err = tm.ValidateToken(expired.Token, "")
	assert.Error(t, err)
}

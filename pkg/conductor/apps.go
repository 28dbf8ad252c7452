package conductor

import (
	"context"
	"fmt"

	"github.com/cuemby/conductor/pkg/bundle"
	"github.com/cuemby/conductor/pkg/cell"
	"github.com/cuemby/conductor/pkg/events"
	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/ribosome"
	"github.com/cuemby/conductor/pkg/storage"
	"github.com/cuemby/conductor/pkg/types"
)

// AppStatus is the lifecycle state of an installed app.
type AppStatus string

const (
	AppDisabled AppStatus = "disabled"
	AppEnabled  AppStatus = "enabled"
)

// Role is one provisioned role of an installed app.
type Role struct {
	Name         string
	DnaHash      hash.Hash
	CellID       types.CellID
	Provisioning bundle.ProvisioningStrategy
	CloneLimit   uint32
	// Clones, by clone id. Disabled clones stay installed until deleted.
	Clones         map[string]types.CellID
	DisabledClones map[string]bool
	MembraneProof  []byte
}

// App is a named collection of cells plus metadata.
type App struct {
	ID          string
	Description string
	Agent       hash.Hash
	Status      AppStatus
	Roles       []*Role
}

// CellIDs returns every cell the app owns, enabled clones included.
func (a *App) CellIDs() []types.CellID {
	var out []types.CellID
	for _, role := range a.Roles {
		if role.Provisioning == bundle.ProvisioningDisabled {
			continue
		}
		out = append(out, role.CellID)
		for cloneID, cid := range role.Clones {
			if !role.DisabledClones[cloneID] {
				out = append(out, cid)
			}
		}
	}
	return out
}

// InstallApp installs an app for an agent from a decoded app manifest.
// DNAs referenced by the roles must already be registered (the admin
// interface registers DNA bundles first). Installation leaves the app
// Disabled.
func (c *Conductor) InstallApp(appID string, agent hash.Hash, manifest bundle.AppManifest,
	dnaByRole map[string]hash.Hash, membraneProofs map[string][]byte) (*App, error) {

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.apps[appID]; exists {
		return nil, fmt.Errorf("app %s is already installed", appID)
	}

	app := &App{ID: appID, Description: manifest.Description, Agent: agent, Status: AppDisabled}
	for _, roleManifest := range manifest.Roles {
		dnaHash, ok := dnaByRole[roleManifest.Name]
		if !ok {
			return nil, fmt.Errorf("no dna provided for role %s", roleManifest.Name)
		}
		dna, registered := c.dnas[dnaHash.String()]
		if !registered {
			return nil, fmt.Errorf("dna %s for role %s is not registered", dnaHash, roleManifest.Name)
		}
		effective := bundle.ApplyOverride(dna, roleManifest.Modifiers)
		effectiveHash, err := effective.Hash()
		if err != nil {
			return nil, err
		}
		if !effectiveHash.Equal(dnaHash) {
			c.dnas[effectiveHash.String()] = effective
		}
		app.Roles = append(app.Roles, &Role{
			Name:           roleManifest.Name,
			DnaHash:        effectiveHash,
			CellID:         types.CellID{DnaHash: effectiveHash, AgentKey: agent},
			Provisioning:   roleManifest.Provisioning,
			CloneLimit:     roleManifest.CloneLimit,
			Clones:         make(map[string]types.CellID),
			DisabledClones: make(map[string]bool),
			MembraneProof:  membraneProofs[roleManifest.Name],
		})
	}
	c.apps[appID] = app
	c.updateAppMetrics()
	c.logger.Info().Str("app_id", appID).Int("roles", len(app.Roles)).Msg("App installed")
	return app, nil
}

// CellError is one cell's failure during a transactional enable.
type CellError struct {
	CellID types.CellID
	Err    error
}

// EnableApp starts every cell of the app. Enabling is transactional: if
// any cell fails genesis or dependency resolution, everything started is
// torn down and the per-cell errors are returned with the app left
// Disabled.
func (c *Conductor) EnableApp(ctx context.Context, appID string) (*App, []CellError, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	app, ok := c.apps[appID]
	if !ok {
		return nil, nil, fmt.Errorf("app %s is not installed", appID)
	}
	if app.Status == AppEnabled {
		return app, nil, nil
	}

	var started []types.CellID
	var errs []CellError
	for _, id := range app.CellIDs() {
		if err := c.startCellLocked(ctx, app, id); err != nil {
			errs = append(errs, CellError{CellID: id, Err: err})
			break
		}
		started = append(started, id)
	}

	if len(errs) > 0 {
		for _, id := range started {
			c.teardownCellLocked(id)
		}
		return nil, errs, fmt.Errorf("failed to enable app %s", appID)
	}

	app.Status = AppEnabled
	c.updateAppMetrics()
	c.broker.Publish(&events.Signal{Type: events.SignalAppEnabled, AppID: appID})
	c.logger.Info().Str("app_id", appID).Msg("App enabled")
	return app, nil, nil
}

// startCellLocked creates (or re-references) a running cell. Callers hold
// c.mu.
func (c *Conductor) startCellLocked(ctx context.Context, app *App, id types.CellID) error {
	if rc, running := c.cells[id.String()]; running {
		rc.refs++
		return nil
	}
	dna, ok := c.dnas[id.DnaHash.String()]
	if !ok {
		return fmt.Errorf("dna %s is not registered", id.DnaHash)
	}

	store, err := storage.OpenCellStore(c.cfg.DataDir, id, storage.Options{EncryptionKey: c.cfg.EncryptionKey})
	if err != nil {
		return err
	}

	var proof []byte
	for _, role := range app.Roles {
		if role.CellID.Equal(id) {
			proof = role.MembraneProof
		}
	}
	cellCfg := c.cfg.Cell
	cellCfg.MembraneProof = proof

	holder := &invokerHolder{}
	cl := cell.New(id, app.ID, dna, store, holder, c.net, c.ks, c.broker, cellCfg)
	rib, err := ribosome.New(c.ctx, dna, c.cache, cl.HostImports())
	if err != nil {
		store.Close()
		return err
	}
	holder.set(rib)

	cl.SetBlockedCheck(c.isBlocked)
	cl.SetScheduleFn(func(zome, fn string, sched types.Schedule) {
		c.sched.Schedule(cl, zome, fn, sched)
	})
	cl.SetConductorCall(func(ctx context.Context, target types.CellID, call types.ZomeCallParams) ([]byte, error) {
		return c.CallZome(ctx, call)
	})

	if err := cl.Genesis(ctx); err != nil {
		store.Close()
		return fmt.Errorf("genesis failed: %w", err)
	}
	if err := cl.Start(c.ctx); err != nil {
		store.Close()
		return err
	}
	if c.reg != nil {
		c.reg.Register(id.AgentKey, cl)
	}
	c.cells[id.String()] = &runningCell{cell: cl, refs: 1}
	return nil
}

// teardownCellLocked drops one reference to a running cell, stopping it at
// zero. Callers hold c.mu.
func (c *Conductor) teardownCellLocked(id types.CellID) {
	rc, ok := c.cells[id.String()]
	if !ok {
		return
	}
	rc.refs--
	if rc.refs > 0 {
		return
	}
	rc.cell.Stop()
	c.sched.StopCell(id)
	if c.reg != nil {
		c.reg.Unregister(id.AgentKey)
	}
	if err := rc.cell.Store().Close(); err != nil {
		c.logger.Error().Err(err).Str("cell_id", id.String()).Msg("Failed to close cell store")
	}
	delete(c.cells, id.String())
}

// DisableApp stops the app's cells and scheduled functions; new zome calls
// are refused.
func (c *Conductor) DisableApp(appID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	app, ok := c.apps[appID]
	if !ok {
		return fmt.Errorf("app %s is not installed", appID)
	}
	if app.Status == AppDisabled {
		return nil
	}
	for _, id := range app.CellIDs() {
		c.teardownCellLocked(id)
	}
	app.Status = AppDisabled
	c.updateAppMetrics()
	c.broker.Publish(&events.Signal{Type: events.SignalAppDisabled, AppID: appID})
	c.logger.Info().Str("app_id", appID).Msg("App disabled")
	return nil
}

// UninstallApp removes the app. Cell databases are deleted only when no
// other installed app references the same (DNA, agent) pair.
func (c *Conductor) UninstallApp(appID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	app, ok := c.apps[appID]
	if !ok {
		return fmt.Errorf("app %s is not installed", appID)
	}
	if app.Status == AppEnabled {
		for _, id := range app.CellIDs() {
			c.teardownCellLocked(id)
		}
	}
	delete(c.apps, appID)

	for _, id := range app.CellIDs() {
		if c.cellSharedLocked(id) {
			continue
		}
		if err := storage.Delete(c.cfg.DataDir, id); err != nil {
			c.logger.Error().Err(err).Str("cell_id", id.String()).Msg("Failed to delete cell databases")
		}
	}
	c.updateAppMetrics()
	c.logger.Info().Str("app_id", appID).Msg("App uninstalled")
	return nil
}

// cellSharedLocked reports whether any installed app still references the
// cell. Callers hold c.mu.
func (c *Conductor) cellSharedLocked(id types.CellID) bool {
	for _, app := range c.apps {
		for _, other := range app.CellIDs() {
			if other.Equal(id) {
				return true
			}
		}
	}
	return false
}

// GetApp returns an installed app.
func (c *Conductor) GetApp(appID string) (*App, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	app, ok := c.apps[appID]
	if !ok {
		return nil, fmt.Errorf("app %s is not installed", appID)
	}
	return app, nil
}

// ListApps enumerates installed apps, optionally only enabled ones.
func (c *Conductor) ListApps(enabledOnly bool) []*App {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*App
	for _, app := range c.apps {
		if enabledOnly && app.Status != AppEnabled {
			continue
		}
		out = append(out, app)
	}
	return out
}

// CreateCloneCell provisions a clone of a role's cell with overridden
// modifiers, bounded by the role's clone limit.
func (c *Conductor) CreateCloneCell(ctx context.Context, appID, roleName, cloneID string,
	override *bundle.ModifiersOverride) (types.CellID, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	app, ok := c.apps[appID]
	if !ok {
		return types.CellID{}, fmt.Errorf("app %s is not installed", appID)
	}
	var role *Role
	for _, r := range app.Roles {
		if r.Name == roleName {
			role = r
		}
	}
	if role == nil {
		return types.CellID{}, fmt.Errorf("app %s has no role %s", appID, roleName)
	}
	if uint32(len(role.Clones)) >= role.CloneLimit {
		return types.CellID{}, fmt.Errorf("role %s reached its clone limit of %d", roleName, role.CloneLimit)
	}
	if _, dup := role.Clones[cloneID]; dup {
		return types.CellID{}, fmt.Errorf("clone %s already exists", cloneID)
	}

	base, ok := c.dnas[role.DnaHash.String()]
	if !ok {
		return types.CellID{}, fmt.Errorf("dna %s is not registered", role.DnaHash)
	}
	if override == nil {
		// A clone must land on its own network; without an explicit
		// override the clone id becomes the network seed.
		override = &bundle.ModifiersOverride{NetworkSeed: &cloneID}
	}
	cloned := bundle.ApplyOverride(base, override)
	clonedHash, err := cloned.Hash()
	if err != nil {
		return types.CellID{}, err
	}
	c.dnas[clonedHash.String()] = cloned

	id := types.CellID{DnaHash: clonedHash, AgentKey: app.Agent}
	role.Clones[cloneID] = id

	if app.Status == AppEnabled {
		if err := c.startCellLocked(ctx, app, id); err != nil {
			delete(role.Clones, cloneID)
			return types.CellID{}, err
		}
	}
	c.logger.Info().Str("app_id", appID).Str("clone", cloneID).Msg("Clone cell created")
	return id, nil
}

// DisableCloneCell stops a clone without uninstalling it.
func (c *Conductor) DisableCloneCell(appID, roleName, cloneID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	role, err := c.findRoleLocked(appID, roleName)
	if err != nil {
		return err
	}
	id, ok := role.Clones[cloneID]
	if !ok {
		return fmt.Errorf("no clone %s", cloneID)
	}
	if role.DisabledClones[cloneID] {
		return nil
	}
	role.DisabledClones[cloneID] = true
	c.teardownCellLocked(id)
	return nil
}

// EnableCloneCell restarts a disabled clone.
func (c *Conductor) EnableCloneCell(ctx context.Context, appID, roleName, cloneID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	app, ok := c.apps[appID]
	if !ok {
		return fmt.Errorf("app %s is not installed", appID)
	}
	role, err := c.findRoleLocked(appID, roleName)
	if err != nil {
		return err
	}
	id, ok := role.Clones[cloneID]
	if !ok {
		return fmt.Errorf("no clone %s", cloneID)
	}
	if !role.DisabledClones[cloneID] {
		return nil
	}
	delete(role.DisabledClones, cloneID)
	if app.Status == AppEnabled {
		return c.startCellLocked(ctx, app, id)
	}
	return nil
}

// DeleteDisabledCloneCells removes disabled clones and their databases.
func (c *Conductor) DeleteDisabledCloneCells(appID, roleName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	role, err := c.findRoleLocked(appID, roleName)
	if err != nil {
		return err
	}
	for cloneID, disabled := range role.DisabledClones {
		if !disabled {
			continue
		}
		id := role.Clones[cloneID]
		delete(role.Clones, cloneID)
		delete(role.DisabledClones, cloneID)
		if !c.cellSharedLocked(id) {
			if err := storage.Delete(c.cfg.DataDir, id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Conductor) findRoleLocked(appID, roleName string) (*Role, error) {
	app, ok := c.apps[appID]
	if !ok {
		return nil, fmt.Errorf("app %s is not installed", appID)
	}
	for _, r := range app.Roles {
		if r.Name == roleName {
			return r, nil
		}
	}
	return nil, fmt.Errorf("app %s has no role %s", appID, roleName)
}

// GraftRecords force-appends records onto a cell's chain, optionally
// validating the chain links. An admin escape hatch for restores.
func (c *Conductor) GraftRecords(id types.CellID, validate bool, records []types.Record) error {
	cl, err := c.Cell(id)
	if err != nil {
		return err
	}
	if validate {
		var prev *types.Action
		head, err := cl.Chain().Head()
		if err != nil {
			return err
		}
		if head != nil {
			tip, err := cl.Store().RecordBySeq(head.Seq)
			if err != nil {
				return err
			}
			if tip != nil {
				prev = &tip.SignedAction.Action
			}
		}
		for i := range records {
			if err := types.CheckChainLink(prev, &records[i].SignedAction.Action); err != nil {
				return err
			}
			prev = &records[i].SignedAction.Action
		}
	}

	head, err := cl.Chain().Head()
	if err != nil {
		return err
	}
	var expected *hash.Hash
	if head != nil {
		h := head.Hash
		expected = &h
	}
	return cl.Store().ExtendChain(expected, records, nil)
}

package conductor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/conductor/pkg/cell"
	"github.com/cuemby/conductor/pkg/events"
	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/keystore"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/metrics"
	"github.com/cuemby/conductor/pkg/network"
	"github.com/cuemby/conductor/pkg/ribosome"
	"github.com/cuemby/conductor/pkg/scheduler"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/rs/zerolog"
)

// Registrar is the piece of the network layer that learns about cells
// coming and going. The loopback network implements it; a transport-backed
// handle does too.
type Registrar interface {
	Register(agent hash.Hash, r network.Receiver)
	Unregister(agent hash.Hash)
}

// Config holds conductor-wide configuration, loaded from YAML by the CLI.
type Config struct {
	DataDir string `yaml:"data_dir"`
	// WasmCacheDir persists compiled modules; defaults under DataDir.
	WasmCacheDir string `yaml:"wasm_cache_dir"`
	// EncryptionKey enables at-rest encryption of chain databases.
	EncryptionKey []byte `yaml:"encryption_key,omitempty"`
	// Cell carries per-cell workflow tuning.
	Cell cell.Config `yaml:"cell"`
}

// Conductor owns DNA registration, app installation and the running cells.
// The module cache, keystore and network handle are process-wide; all other
// state is per-cell.
type Conductor struct {
	cfg    Config
	ks     *keystore.Keystore
	cache  *ribosome.ModuleCache
	net    network.Handle
	reg    Registrar
	broker *events.Broker
	sched  *scheduler.Scheduler
	logger zerolog.Logger

	mu      sync.RWMutex
	dnas    map[string]*ribosome.DnaDef // by DNA hash string
	apps    map[string]*App
	cells   map[string]*runningCell // by cell id string
	blocked map[string]bool
	tokens  *TokenManager
	// agentInfos holds opaque signed peer records handed over by the p2p
	// layer or an operator, keyed by agent, grouped by DNA.
	agentInfos map[string]AgentInfo

	ctx    context.Context
	cancel context.CancelFunc
}

// runningCell pairs a started cell with the number of apps referencing it.
type runningCell struct {
	cell *cell.Cell
	refs int // apps sharing this cell
}

// invokerHolder breaks the construction cycle between a cell (which needs
// an Invoker) and its ribosome (which needs the cell's host imports).
type invokerHolder struct {
	mu    sync.RWMutex
	inner ribosome.Invoker
}

func (h *invokerHolder) set(inv ribosome.Invoker) {
	h.mu.Lock()
	h.inner = inv
	h.mu.Unlock()
}

func (h *invokerHolder) Call(ctx context.Context, call ribosome.GuestCall) ([]byte, error) {
	h.mu.RLock()
	inner := h.inner
	h.mu.RUnlock()
	if inner == nil {
		return nil, fmt.Errorf("ribosome not initialized")
	}
	return inner.Call(ctx, call)
}

func (h *invokerHolder) HasFunction(zome, fn string) (bool, error) {
	h.mu.RLock()
	inner := h.inner
	h.mu.RUnlock()
	if inner == nil {
		return false, fmt.Errorf("ribosome not initialized")
	}
	return inner.HasFunction(zome, fn)
}

// New creates a conductor. The registrar may be nil when the network handle
// does its own discovery.
func New(cfg Config, ks *keystore.Keystore, net network.Handle, reg Registrar) (*Conductor, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data dir is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if cfg.WasmCacheDir == "" {
		cfg.WasmCacheDir = filepath.Join(cfg.DataDir, "wasm-cache")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cache, err := ribosome.NewModuleCache(ctx, cfg.WasmCacheDir)
	if err != nil {
		cancel()
		return nil, err
	}

	broker := events.NewBroker()
	broker.Start()
	sched := scheduler.New()
	sched.Start()

	c := &Conductor{
		cfg:        cfg,
		ks:         ks,
		cache:      cache,
		net:        net,
		reg:        reg,
		broker:     broker,
		sched:      sched,
		logger:     log.WithComponent("conductor"),
		dnas:       make(map[string]*ribosome.DnaDef),
		apps:       make(map[string]*App),
		cells:      make(map[string]*runningCell),
		blocked:    make(map[string]bool),
		tokens:     NewTokenManager(),
		agentInfos: make(map[string]AgentInfo),
		ctx:        ctx,
		cancel:     cancel,
	}
	return c, nil
}

// Shutdown stops every running cell and releases process-wide resources.
func (c *Conductor) Shutdown() {
	c.mu.Lock()
	for _, rc := range c.cells {
		rc.cell.Stop()
	}
	c.cells = make(map[string]*runningCell)
	c.mu.Unlock()

	c.sched.Stop()
	c.broker.Stop()
	c.cancel()
	if err := c.cache.Close(context.Background()); err != nil {
		c.logger.Error().Err(err).Msg("Failed to close module cache")
	}
	c.logger.Info().Msg("Conductor shut down")
}

// Broker exposes the signal broker to the interface layer.
func (c *Conductor) Broker() *events.Broker { return c.broker }

// Tokens exposes app-auth token issuance to the interface layer.
func (c *Conductor) Tokens() *TokenManager { return c.tokens }

// RegisterDna makes a DNA definition installable and warms the module
// cache, so installing an already-present DNA hash reuses compiled modules.
func (c *Conductor) RegisterDna(dna *ribosome.DnaDef) (hash.Hash, error) {
	dnaHash, err := dna.Hash()
	if err != nil {
		return hash.Hash{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.dnas[dnaHash.String()]; exists {
		return dnaHash, nil
	}
	c.dnas[dnaHash.String()] = dna
	c.logger.Info().Str("dna", dnaHash.String()).Str("name", dna.Name).Msg("DNA registered")
	return dnaHash, nil
}

// GetDna returns a registered DNA definition.
func (c *Conductor) GetDna(dnaHash hash.Hash) (*ribosome.DnaDef, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dna, ok := c.dnas[dnaHash.String()]
	if !ok {
		return nil, fmt.Errorf("dna %s is not registered", dnaHash)
	}
	return dna, nil
}

// ListDnas enumerates registered DNA hashes.
func (c *Conductor) ListDnas() []hash.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []hash.Hash
	for _, dna := range c.dnas {
		if h, err := dna.Hash(); err == nil {
			out = append(out, h)
		}
	}
	return out
}

// GenerateAgentKey creates a fresh agent key in the keystore.
func (c *Conductor) GenerateAgentKey() (hash.Hash, error) {
	return c.ks.GenerateAgentKey()
}

// BlockProvenance adds an agent to the conductor-wide block list.
func (c *Conductor) BlockProvenance(agent hash.Hash) {
	c.mu.Lock()
	c.blocked[agent.String()] = true
	c.mu.Unlock()
}

// UnblockProvenance removes an agent from the block list.
func (c *Conductor) UnblockProvenance(agent hash.Hash) {
	c.mu.Lock()
	delete(c.blocked, agent.String())
	c.mu.Unlock()
}

func (c *Conductor) isBlocked(agent hash.Hash) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocked[agent.String()]
}

// CallZome routes a signed zome call to its cell.
func (c *Conductor) CallZome(ctx context.Context, params types.ZomeCallParams) ([]byte, error) {
	c.mu.RLock()
	rc, ok := c.cells[params.CellID.String()]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no running cell %s", params.CellID)
	}
	return rc.cell.CallZome(ctx, params)
}

// Cell returns a running cell.
func (c *Conductor) Cell(id types.CellID) (*cell.Cell, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rc, ok := c.cells[id.String()]
	if !ok {
		return nil, fmt.Errorf("no running cell %s", id)
	}
	return rc.cell, nil
}

// ListCells enumerates running cell ids.
func (c *Conductor) ListCells() []types.CellID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []types.CellID
	for _, rc := range c.cells {
		out = append(out, rc.cell.ID())
	}
	return out
}

// StateDump is the admin view of one cell's progress.
type StateDump struct {
	CellID       types.CellID   `msgpack:"cell_id"`
	ChainHeadSeq uint32         `msgpack:"chain_head_seq"`
	ChainLen     int            `msgpack:"chain_len"`
	OpCounts     map[string]int `msgpack:"op_counts"`
	Locked       bool           `msgpack:"locked"`
}

// DumpState assembles the admin state dump for a cell.
func (c *Conductor) DumpState(id types.CellID) (*StateDump, error) {
	cl, err := c.Cell(id)
	if err != nil {
		return nil, err
	}
	head, err := cl.Chain().Head()
	if err != nil {
		return nil, err
	}
	records, err := cl.Chain().Query(types.ChainQueryFilter{}, nil)
	if err != nil {
		return nil, err
	}
	counts, err := cl.Store().OpCounts()
	if err != nil {
		return nil, err
	}
	lock, err := cl.Chain().LockSubject()
	if err != nil {
		return nil, err
	}

	dump := &StateDump{CellID: id, ChainLen: len(records), Locked: lock != nil}
	if head != nil {
		dump.ChainHeadSeq = head.Seq
	}
	dump.OpCounts = make(map[string]int, len(counts))
	for stage, n := range counts {
		dump.OpCounts[string(stage)] = n
	}
	return dump, nil
}

// AgentInfo is an opaque signed peer record as exchanged with the p2p
// layer; the conductor stores and filters it without interpreting the
// payload.
type AgentInfo struct {
	Agent   hash.Hash `msgpack:"agent"`
	DnaHash hash.Hash `msgpack:"dna_hash"`
	Record  []byte    `msgpack:"record"`
}

// AddAgentInfo stores peer records handed over by an operator or another
// node.
func (c *Conductor) AddAgentInfo(infos []AgentInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, info := range infos {
		c.agentInfos[info.Agent.String()+"|"+info.DnaHash.String()] = info
	}
}

// GetAgentInfo returns stored peer records, filtered by DNA hashes when
// any are given.
func (c *Conductor) GetAgentInfo(dnaFilter []hash.Hash) []AgentInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []AgentInfo
	for _, info := range c.agentInfos {
		if len(dnaFilter) > 0 {
			match := false
			for _, dna := range dnaFilter {
				if dna.Equal(info.DnaHash) {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, info)
	}
	return out
}

func (c *Conductor) updateAppMetrics() {
	enabled, disabled := 0, 0
	for _, app := range c.apps {
		if app.Status == AppEnabled {
			enabled++
		} else {
			disabled++
		}
	}
	metrics.AppsTotal.WithLabelValues(string(AppEnabled)).Set(float64(enabled))
	metrics.AppsTotal.WithLabelValues(string(AppDisabled)).Set(float64(disabled))
	metrics.CellsTotal.WithLabelValues("running").Set(float64(len(c.cells)))
}

package ribosome

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
)

// ModuleCache compiles guest bytecode once and reuses it for every cell
// running the same zome. Compilation results are additionally persisted to
// disk through wazero's compilation cache, keyed by the bytecode hash, so
// reinstalling a DNA that is already present skips recompilation entirely.
//
// The cache is append-only: lookups after construction take a read lock
// only and compiled modules are never evicted.
type ModuleCache struct {
	runtime wazero.Runtime
	logger  zerolog.Logger

	mu      sync.RWMutex
	modules map[string]wazero.CompiledModule // keyed by wasm hash string

	hostOnce sync.Once
}

// NewModuleCache creates the process-wide cache. cacheDir persists compiled
// artifacts across restarts; empty disables disk persistence.
func NewModuleCache(ctx context.Context, cacheDir string) (*ModuleCache, error) {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open compilation cache: %w", err)
		}
		cfg = cfg.WithCompilationCache(cache)
	}
	return &ModuleCache{
		runtime: wazero.NewRuntimeWithConfig(ctx, cfg),
		logger:  log.WithComponent("module-cache"),
		modules: make(map[string]wazero.CompiledModule),
	}, nil
}

// Runtime exposes the shared wazero runtime for instantiation.
func (c *ModuleCache) Runtime() wazero.Runtime { return c.runtime }

// Get returns the compiled module for the bytecode, compiling on first
// sight.
func (c *ModuleCache) Get(ctx context.Context, wasmHash hash.Hash, bytecode []byte) (wazero.CompiledModule, error) {
	key := wasmHash.String()

	c.mu.RLock()
	compiled, ok := c.modules[key]
	c.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if compiled, ok := c.modules[key]; ok {
		return compiled, nil
	}
	if bytecode == nil {
		return nil, &WasmError{Kind: ErrKindCacheUninitialized, Message: "no bytecode for " + key}
	}

	compiled, err := c.runtime.CompileModule(ctx, bytecode)
	if err != nil {
		return nil, &WasmError{Kind: ErrKindCompile, Message: err.Error()}
	}
	c.modules[key] = compiled
	c.logger.Debug().Str("wasm_hash", key).Msg("Compiled guest module")
	return compiled, nil
}

// Close releases the runtime and all compiled modules.
func (c *ModuleCache) Close(ctx context.Context) error {
	return c.runtime.Close(ctx)
}

// HashBytecode computes the cache key for raw bytecode.
func HashBytecode(bytecode []byte) hash.Hash {
	return hash.New(hash.KindWasm, bytecode)
}

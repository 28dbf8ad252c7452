package ribosome

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/vmihailenco/msgpack/v5"
)

// GuestCall names one guest function invocation.
type GuestCall struct {
	Zome  string
	Fn    string
	Input []byte
	// Deterministic restricts host calls to the deterministic subset; set
	// for every integrity callback.
	Deterministic bool
	// Budget bounds the number of host calls; zero means the default, a
	// negative value disables metering.
	Budget int64
	// Timeout bounds wall-clock execution. Zero means the default.
	Timeout time.Duration
}

// DefaultBudget is the coordinator-call metering budget when the caller
// does not set one.
const DefaultBudget = 100_000

// DefaultTimeout bounds a single guest invocation.
const DefaultTimeout = 60 * time.Second

// Invoker abstracts guest execution so cells and tests can swap the wazero
// runtime for a fake.
type Invoker interface {
	// Call runs one exported guest function and returns its Ok payload.
	Call(ctx context.Context, call GuestCall) ([]byte, error)
	// HasFunction reports whether the zome exports the named function.
	HasFunction(zome, fn string) (bool, error)
}

// Ribosome executes a DNA's zomes on the shared wazero runtime. Each cell
// gets its own ribosome, built with that cell's host imports; compiled
// modules come from the process-wide cache.
type Ribosome struct {
	dna     *DnaDef
	cache   *ModuleCache
	imports HostImports
	logger  zerolog.Logger
}

// New builds a ribosome for a DNA with its base host imports.
func New(ctx context.Context, dna *DnaDef, cache *ModuleCache, imports HostImports) (*Ribosome, error) {
	if err := cache.ensureHostModule(ctx); err != nil {
		return nil, fmt.Errorf("failed to register host module: %w", err)
	}
	dnaHash, err := dna.Hash()
	if err != nil {
		return nil, err
	}
	return &Ribosome{
		dna:     dna,
		cache:   cache,
		imports: imports,
		logger:  log.WithDna(dnaHash.String()),
	}, nil
}

// Dna returns the hosted definition.
func (r *Ribosome) Dna() *DnaDef { return r.dna }

// Call implements Invoker on the real runtime.
func (r *Ribosome) Call(ctx context.Context, call GuestCall) ([]byte, error) {
	zome, err := r.dna.Zome(call.Zome)
	if err != nil {
		return nil, err
	}
	compiled, err := r.cache.Get(ctx, zome.WasmHash, zome.Bytecode)
	if err != nil {
		return nil, err
	}

	timeout := call.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	budget := call.Budget
	if budget == 0 {
		budget = DefaultBudget
	}
	env := &callEnv{imports: r.imports, deterministic: call.Deterministic}
	env.budget.Store(budget)

	ctx, cancel := context.WithTimeout(withCallEnv(ctx, env), timeout)
	defer cancel()

	// Fresh instance per call: guests keep no state between invocations
	// and concurrent calls never share linear memory.
	mod, err := r.cache.Runtime().InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, &WasmError{Kind: ErrKindCompile, Message: err.Error()}
	}
	defer mod.Close(ctx)

	fn := mod.ExportedFunction(call.Fn)
	if fn == nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownFunction, call.Zome, call.Fn)
	}

	ptr, err := writeGuestMemory(ctx, mod, call.Input)
	if err != nil {
		return nil, err
	}
	res, err := fn.Call(ctx, uint64(ptr), uint64(len(call.Input)))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrBudgetExceeded, ctx.Err())
		}
		return nil, &WasmError{Kind: ErrKindCall, Message: err.Error()}
	}
	outPtr, outLen := unpackPtrLen(res[0])
	out, err := readGuestMemory(mod, outPtr, outLen)
	if err != nil {
		return nil, err
	}
	return decodeGuestOutput(out)
}

// HasFunction implements Invoker by checking the compiled module's export
// table; nothing is instantiated.
func (r *Ribosome) HasFunction(zomeName, fn string) (bool, error) {
	zome, err := r.dna.Zome(zomeName)
	if err != nil {
		return false, err
	}
	compiled, err := r.cache.Get(context.Background(), zome.WasmHash, zome.Bytecode)
	if err != nil {
		return false, err
	}
	for _, def := range compiled.ExportedFunctions() {
		for _, name := range def.ExportNames() {
			if name == fn {
				return true, nil
			}
		}
	}
	return false, nil
}

// Callback wire types. These are the msgpack payloads exchanged with the
// required guest callbacks.

// EntryDefinition is one declared entry type from entry_defs.
type EntryDefinition struct {
	Name                string           `msgpack:"name"`
	Visibility          types.Visibility `msgpack:"visibility"`
	RequiredValidations uint8            `msgpack:"required_validations"`
}

// ZomeInfo is the introspection payload of zome_info, including the
// exported function names the conductor verifies before dispatch.
type ZomeInfo struct {
	Name      string   `msgpack:"name"`
	ZomeIndex uint8    `msgpack:"zome_index"`
	ExternFns []string `msgpack:"extern_fns"`
}

// ValidateOutcomeKind is the verdict space of the validate callback.
type ValidateOutcomeKind string

const (
	OutcomeValid      ValidateOutcomeKind = "valid"
	OutcomeInvalid    ValidateOutcomeKind = "invalid"
	OutcomeUnresolved ValidateOutcomeKind = "unresolved_dependencies"
)

// ValidateOutcome is the validate(Op) return payload.
type ValidateOutcome struct {
	Kind    ValidateOutcomeKind `msgpack:"kind"`
	Reason  string              `msgpack:"reason,omitempty"`
	Missing []hash.Hash         `msgpack:"missing,omitempty"`
}

// InitOutcome is the init callback's return payload.
type InitOutcome struct {
	Pass    bool        `msgpack:"pass"`
	Reason  string      `msgpack:"reason,omitempty"`
	Missing []hash.Hash `msgpack:"missing,omitempty"`
}

// EntryDefs invokes the entry_defs callback of an integrity zome.
func (r *Ribosome) EntryDefs(ctx context.Context, zome string) ([]EntryDefinition, error) {
	out, err := r.Call(ctx, GuestCall{Zome: zome, Fn: "entry_defs", Deterministic: true})
	if err != nil {
		return nil, err
	}
	var defs []EntryDefinition
	if err := msgpack.Unmarshal(out, &defs); err != nil {
		return nil, &WasmError{Kind: ErrKindDeserialize, Message: err.Error()}
	}
	return defs, nil
}

// Validate invokes the validate callback of an integrity zome on a
// serialized op, deterministically.
func Validate(ctx context.Context, inv Invoker, zome string, op *types.DhtOp) (*ValidateOutcome, error) {
	input, err := msgpack.Marshal(op)
	if err != nil {
		return nil, &WasmError{Kind: ErrKindSerialize, Message: err.Error()}
	}
	out, err := inv.Call(ctx, GuestCall{Zome: zome, Fn: "validate", Input: input, Deterministic: true})
	if err != nil {
		return nil, err
	}
	var outcome ValidateOutcome
	if err := msgpack.Unmarshal(out, &outcome); err != nil {
		return nil, &WasmError{Kind: ErrKindDeserialize, Message: err.Error()}
	}
	return &outcome, nil
}

// Init invokes a coordinator zome's init callback.
func Init(ctx context.Context, inv Invoker, zome string) (*InitOutcome, error) {
	out, err := inv.Call(ctx, GuestCall{Zome: zome, Fn: "init"})
	if err != nil {
		return nil, err
	}
	var outcome InitOutcome
	if err := msgpack.Unmarshal(out, &outcome); err != nil {
		return nil, &WasmError{Kind: ErrKindDeserialize, Message: err.Error()}
	}
	return &outcome, nil
}

// PostCommit invokes the optional post_commit callback with the committed
// action hashes. Post commit is infallible: errors are logged and dropped,
// never surfaced to the committing call.
func PostCommit(ctx context.Context, inv Invoker, logger zerolog.Logger, zome string, hashes []hash.Hash) {
	ok, err := inv.HasFunction(zome, "post_commit")
	if err != nil || !ok {
		return
	}
	input, err := msgpack.Marshal(hashes)
	if err != nil {
		return
	}
	if _, err := inv.Call(ctx, GuestCall{Zome: zome, Fn: "post_commit", Input: input}); err != nil {
		logger.Warn().Err(err).Str("zome", zome).Msg("post_commit failed")
	}
}

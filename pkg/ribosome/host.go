package ribosome

import (
	"context"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"
)

// HostFn is one host-ABI function as seen by the conductor: msgpack in,
// msgpack out. The cell binds these to its chain, network and keystore.
type HostFn func(ctx context.Context, input []byte) ([]byte, error)

// HostImports binds host function names to implementations for one guest
// call.
type HostImports map[string]HostFn

// hostFnNames is the fixed host ABI surface. Guests importing anything else
// fail instantiation.
var hostFnNames = []string{
	// Chain mutation.
	"create", "update", "delete", "create_link", "delete_link",
	// Chain and DHT query.
	"query", "get", "get_details", "get_links", "get_link_details",
	"get_agent_activity",
	"must_get_entry", "must_get_action", "must_get_valid_record",
	"must_get_agent_activity",
	// Introspection.
	"agent_info", "call_info", "zome_info", "dna_info",
	// Scheduling.
	"schedule",
	// Remote interaction.
	"call", "call_remote", "send_remote_signal",
	// Countersigning.
	"accept_countersigning_preflight_request",
	// Cryptography.
	"sign", "verify_signature",
	"secretbox_encrypt", "secretbox_decrypt",
	"box_encrypt", "box_decrypt",
	"create_shared_secret", "create_box_keypair",
	// Hashing.
	"hash_entry", "hash_action",
	// Signals and misc.
	"emit_signal", "random_bytes", "sys_time",
}

// deterministicHostFns is the subset callable from integrity callbacks.
// Everything else fails with a host error during validate, which is what
// keeps two peers' verdicts on the same op identical.
var deterministicHostFns = map[string]bool{
	"must_get_entry":          true,
	"must_get_action":         true,
	"must_get_valid_record":   true,
	"must_get_agent_activity": true,
	"hash_entry":              true,
	"hash_action":             true,
	"dna_info":                true,
	"zome_info":               true,
	"verify_signature":        true,
}

// callEnv is the per-invocation state host functions reach through the
// context: the bound imports, the determinism flag, and the metering
// budget.
type callEnv struct {
	imports       HostImports
	deterministic bool
	budget        atomic.Int64 // host-call budget; negative means unmetered
}

type callEnvKey struct{}

func withCallEnv(ctx context.Context, env *callEnv) context.Context {
	return context.WithValue(ctx, callEnvKey{}, env)
}

func envFromContext(ctx context.Context) *callEnv {
	env, _ := ctx.Value(callEnvKey{}).(*callEnv)
	return env
}

// ensureHostModule registers the "env" host module on the cache's runtime
// exactly once. Dispatch is per-call through the context, so one
// registration serves every DNA and cell on that runtime.
func (c *ModuleCache) ensureHostModule(ctx context.Context) error {
	var err error
	c.hostOnce.Do(func() {
		builder := c.runtime.NewHostModuleBuilder("env")
		for _, name := range hostFnNames {
			fnName := name
			builder = builder.NewFunctionBuilder().
				WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
					return dispatchHostCall(ctx, mod, fnName, ptr, length)
				}).
				Export(fnName)
		}
		_, err = builder.Instantiate(ctx)
	})
	return err
}

// dispatchHostCall runs one host function on behalf of the guest: read the
// input, enforce metering and determinism, run the bound implementation,
// and hand the result envelope back through guest memory.
func dispatchHostCall(ctx context.Context, mod api.Module, name string, ptr, length uint32) uint64 {
	env := envFromContext(ctx)

	var ok []byte
	var callErr error
	switch {
	case env == nil:
		callErr = hostError("host call outside a guest invocation")
	case env.budget.Load() == 0:
		callErr = hostError(ErrBudgetExceeded.Error())
	case env.deterministic && !deterministicHostFns[name]:
		callErr = hostError(ErrNonDeterministicHostCall.Error() + ": " + name)
	default:
		if env.budget.Load() > 0 {
			env.budget.Add(-1)
		}
		fn, bound := env.imports[name]
		if !bound {
			callErr = hostError("host function not bound: " + name)
		} else {
			var input []byte
			input, callErr = readGuestMemory(mod, ptr, length)
			if callErr == nil {
				ok, callErr = fn(ctx, input)
			}
		}
	}

	out, err := encodeHostOutput(ok, callErr)
	if err != nil {
		// Serialization of the envelope itself failed; nothing sensible to
		// hand the guest.
		return 0
	}
	outPtr, err := writeGuestMemory(ctx, mod, out)
	if err != nil {
		return 0
	}
	return packPtrLen(outPtr, uint32(len(out)))
}

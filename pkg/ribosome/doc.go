/*
Package ribosome executes a DNA's sandboxed bytecode modules on wazero.

	┌───────────────────── RIBOSOME ─────────────────────┐
	│                                                     │
	│  ModuleCache (process-wide)                         │
	│    compile once per bytecode hash                   │
	│    persisted to disk via wazero compilation cache   │
	│            │                                        │
	│            ▼                                        │
	│  Ribosome (per DNA)                                 │
	│    fresh module instance per guest call             │
	│    host module "env": fixed ABI surface             │
	│            │                                        │
	│            ▼                                        │
	│  Guest ABI                                          │
	│    single (ptr,len) msgpack argument                │
	│    packed u64 return -> Result envelope             │
	│    guest exports allocate/deallocate                │
	└─────────────────────────────────────────────────────┘

Integrity callbacks (entry_defs, link_types, validate, genesis_self_check)
run deterministically: only the must_get_* lookups, hashing, verification
and info calls are reachable, anything else fails with a host error.
Coordinator calls are metered by a host-call budget and a wall-clock
timeout; exhaustion surfaces as ErrBudgetExceeded, which validation maps to
an Abandoned verdict rather than a hang.

The Invoker interface is the seam between cells and the runtime; tests
substitute a scripted fake where compiling real bytecode would add nothing.
*/
package ribosome

/*
Package validation drives ops through the three-stage pipeline every
authority runs:

	incoming ops
	     │
	     ▼
	sys validation      subconscious rules: signatures, structure,
	     │              sequence invariants, reference checks,
	     │              rate-limit accounting
	     ▼
	app validation      validate(Op) on the responsible integrity
	     │              zome(s), deterministic host subset only
	     ▼
	integration         sole writer of the DHT tables: payloads,
	                    metadata indexes, entry status, warrants

Each stage is an idempotent workflow re-triggered by new arrivals, by the
prior stage's progress, by dependency-fetch completion, and by a periodic
timer. Running a workflow twice over identical inputs produces identical
state.

Ops whose dependencies cannot be resolved are shelved with their
missing-hash set; a fetcher retries on an interval scaled by the unresolved
count (bounded 100ms-3s). Dependencies unresolved past the configured
threshold abandon the op — recorded, never gossiped.

Within a batch, ops are validated in sequence (author, seq, op hash) so an
op can depend on an earlier op that arrived alongside it.
*/
package validation

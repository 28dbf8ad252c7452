/*
Package chain implements the per-cell source chain: an append-only local log
with scratch-buffered optimistic transactions.

	┌──────────────── EXTENSION FLOW ────────────────┐
	│                                                 │
	│  zome call opens Scratch at observed head       │
	│        │                                        │
	│        ▼  Append / AppendEntry                  │
	│  actions built unsigned, reads union scratch    │
	│        │                                        │
	│        ▼  Flush(ordering, validate)             │
	│  sign -> commit-time validation -> derive ops   │
	│        │                                        │
	│        ▼  ExtendChain (head CAS in one bolt tx) │
	│  ok: actions + authored ops committed together  │
	│  head moved + Strict:  ErrHeadMoved             │
	│  head moved + Relaxed: rebase, re-sign, retry   │
	└─────────────────────────────────────────────────┘

Commit-time validation distinguishes retryable failures (missing
dependencies, ErrIncompleteCommit) from fatal ones (ErrInvalidCommit).

While the chain is locked for a countersigning session, the only flush
accepted is the scratch whose LockSubject matches the session's preflight
hash; everything else fails with ErrChainLocked. Lock release belongs to
the countersigning coordinator, not to this package.
*/
package chain

/*
Package cell implements the conductor's unit of execution: one (DNA, agent)
pair owning a source chain, a DHT store slice, a ribosome, and the
background workflows that keep them converging.

	┌───────────────────── ZOME CALL ──────────────────────┐
	│                                                       │
	│  signed envelope (provenance, signature, nonce,       │
	│  expiry)                                              │
	│        │                                              │
	│        ▼  authorize: block list, expiry, signature,   │
	│           nonce freshness, capability grant           │
	│        ▼  init gate: first call runs init once;       │
	│           concurrent calls queue behind it            │
	│        ▼  guest invocation over a fresh scratch       │
	│        ▼  transactional flush: actions + derived ops  │
	│        ▼  self-validation, publish wake, post_commit  │
	└───────────────────────────────────────────────────────┘

The cell is also the network's entry point into the core: pushed ops,
receipts, DHT queries, remote calls and remote signals all arrive through
its Receiver surface.

Capability grants live as private entries on the chain; revocation is
deletion of the grant's action. Calls from the owning agent bypass the
grant check but never the signature check.
*/
package cell

/*
Package storage provides the conductor's persistence layer using BoltDB.

Each cell owns three databases, named by (DNA hash, agent key) so that
reinstalling the same app under a new agent never collides:

	┌──────────────────── CELL STORAGE ─────────────────────┐
	│                                                        │
	│  authored-<dna>-<agent>.db                             │
	│    actions, action_index, head      source chain       │
	│    authored_ops, receipts           publish queue      │
	│    chain_lock, schedules                               │
	│                                                        │
	│  dht-<dna>-<agent>.db                                  │
	│    ops                              validation queue   │
	│    records, entry_actions           payloads           │
	│    updates, deletes, links,         metadata indexes   │
	│    link_tombstones, entry_status                       │
	│    activity, activity_status,       per-agent logs     │
	│    warrants                                            │
	│                                                        │
	│  cache-<dna>-<agent>.db                                │
	│    cached_records, cached_entries   fetched data       │
	└────────────────────────────────────────────────────────┘

All values are msgpack. Chain record values may additionally be encrypted
at rest with AES-256-GCM when an encryption key is configured.

Writer discipline: the chain-extend path is the only writer of the authored
chain buckets (ExtendChain compare-and-swaps the head inside its
transaction), and the integration workflow is the only writer of the DHT
metadata indexes (IntegrateOp). Reads are concurrent.
*/
package storage

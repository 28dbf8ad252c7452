/*
Package countersign coordinates multi-party atomic commits.

	preflight ──▶ accept: lock chain under preflight hash, sign,
	              answer with chain top
	          ──▶ responses exchanged out-of-band, entry built
	              deterministically from the ordered response set
	          ──▶ commit: the only flush the locked chain accepts
	          ──▶ resolution workflow polls the entry's authorities
	                all required (+ minimal optional) signers seen
	                  -> Complete: unlock, CountersigningSuccess signal
	                window expired, node up throughout
	                  -> Abandoned: unlock, CountersigningAbandon signal
	                     (a countersigned entry already committed stays
	                     on the chain; nothing is removed)
	                crash mid-session
	                  -> Unknown: explicit app Abandon or Publish

Each participant's acceptance is a purely local state transition; nothing
here coordinates across nodes except by reading the DHT. While a chain is
locked for session S, the only commit accepted anywhere in the conductor is
the one matching S's preflight hash.
*/
package countersign

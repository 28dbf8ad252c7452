/*
Package conductor manages DNA registration, app installation, and the
lifecycle of running cells.

	┌──────────────────── LIFECYCLE ────────────────────┐
	│                                                    │
	│  register DNA  ──▶  install app (roles -> cells)   │
	│        │                    │                      │
	│        │                    ▼                      │
	│        │           enable (transactional:          │
	│        │           genesis + start per cell,       │
	│        │           all-or-nothing with per-cell    │
	│        │           errors)                         │
	│        │                    │                      │
	│        ▼                    ▼                      │
	│  module cache        disable / uninstall           │
	│  (process-wide)      (databases deleted only when  │
	│                      no other app shares the cell) │
	└────────────────────────────────────────────────────┘

Clone cells fork a role onto a fresh network by overriding the DNA's
modifiers, bounded by the role's clone limit. The conductor also owns the
process-wide pieces: the module cache, the keystore handle, the network
handle, the signal broker, the scheduler, the provenance block list, and
app-auth token issuance.
*/
package conductor

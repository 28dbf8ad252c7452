/*
Package metrics exposes Prometheus metrics for the conductor: cells and
apps, chain commits and conflicts, the validation pipeline (per-stage
verdicts, shelved dependencies, the abandon threshold), publish receipts,
zome calls, and countersigning resolutions.

Call Register() once at startup and mount Handler() on the admin HTTP
listener.
*/
package metrics

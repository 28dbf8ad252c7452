/*
Package log configures zerolog for the conductor.

Timestamps carry microsecond precision so log lines line up with chain
timestamps. Correlation helpers shorten content hashes to a readable
prefix and split cell ids into separate dna/agent fields for aggregation.

Per-component level overrides let operators quiet the chatty background
workflows without losing debug output elsewhere:

	log.Init(log.Config{
		Level: "debug",
		Components: map[string]string{
			"validation": "warn",
			"publish":    "info",
		},
	})

Component names are the ones passed to WithComponent: validation,
publish, receipts, countersign, scheduler, module-cache, conductor,
admin-api, app-api.
*/
package log

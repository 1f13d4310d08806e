/*
Package log provides structured logging for the scan engine using
zerolog: a package-level Logger, configurable level/format/output via
Init, and context-logger helpers (WithComponent, WithScanID, WithModule,
WithNodeID) so call sites don't have to repeat the same fields.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	log.WithComponent("resolver").Info().Msg("topological sort complete")
	log.WithScanID(scan.ID).Error().Err(err).Msg("module handler failed")

Prefer a context logger over the global Logger whenever a scan ID,
module name, or node ID is available — it turns every subsequent log
line in that code path into something a scan-id-scoped query can find.
*/
package log

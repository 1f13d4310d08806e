/*
Package storage defines the scan engine's storage contract (Store) and
an embedded go.etcd.io/bbolt implementation of it (BoltStore), so the
core is runnable standalone without a caller-supplied SQL or document
backend.

Layout: one top-level bucket per entity (events, scans, scan_log,
errors, sequences), with events/scan_log/errors further keyed by a
per-scan sub-bucket so a scan's data can be dropped or iterated as a
unit. AppendEvent is idempotent on event_id and allocates a
durable per-scan publish sequence, which ListEvents orders by and
EventFilter.FromSeq filters on.

Usage:

	store, err := storage.NewBoltStore(dataDir)
	...
	store.AppendEvent(e)
	events, err := store.ListEvents(scanID, storage.EventFilter{}, storage.Page{Limit: 100})
*/
package storage

package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/scanforge/engine/pkg/event"
	"github.com/scanforge/engine/pkg/scan"
	"github.com/scanforge/engine/pkg/telemetry"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketEvents    = []byte("events")    // scanID -> sub-bucket of eventID -> StoredEvent JSON
	bucketScans     = []byte("scans")     // scanID -> scan.Record JSON
	bucketScanLog   = []byte("scan_log")  // scanID -> sub-bucket of seq -> ScanLogEntry JSON
	bucketErrors    = []byte("errors")    // scanID -> sub-bucket of fingerprint -> telemetry.Record JSON
	bucketSequences = []byte("sequences") // scanID -> big-endian uint64 next publish sequence
)

// BoltStore implements Store using an embedded go.etcd.io/bbolt
// database, one bucket per entity with JSON-encoded values.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a BoltDB file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "scanengine.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEvents, bucketScans, bucketScanLog, bucketErrors, bucketSequences} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("storage: create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// nextSeq allocates the next monotonic publish sequence number for
// scanID, stored as StoredEvent.Seq.
func (s *BoltStore) nextSeq(tx *bolt.Tx, scanID string) (uint64, error) {
	b := tx.Bucket(bucketSequences)
	key := []byte(scanID)
	var seq uint64
	if raw := b.Get(key); raw != nil {
		seq = btoi(raw)
	}
	seq++
	if err := b.Put(key, itob(seq)); err != nil {
		return 0, err
	}
	return seq, nil
}

func itob(v uint64) []byte {
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return buf
}

func btoi(buf []byte) uint64 {
	var v uint64
	for _, b := range buf {
		v = v<<8 | uint64(b)
	}
	return v
}

// AppendEvent durably persists e, idempotent on e.ID: a duplicate
// publish of the same event_id is dropped after the first rather than
// assigned a second sequence number, matching spec.md §4.1's
// idempotence requirement.
func (s *BoltStore) AppendEvent(e *event.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		events, err := tx.Bucket(bucketEvents).CreateBucketIfNotExists([]byte(e.ScanID))
		if err != nil {
			return err
		}
		if events.Get([]byte(e.ID)) != nil {
			return nil // idempotent: already stored
		}

		seq, err := s.nextSeq(tx, e.ScanID)
		if err != nil {
			return err
		}
		stored := StoredEvent{Event: e, Seq: seq}
		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		return events.Put([]byte(e.ID), data)
	})
}

func (s *BoltStore) HasEvent(scanID, eventID string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents).Bucket([]byte(scanID))
		if events == nil {
			return nil
		}
		found = events.Get([]byte(eventID)) != nil
		return nil
	})
	return found, err
}

func (s *BoltStore) ListEvents(scanID string, filter EventFilter, page Page) ([]*StoredEvent, error) {
	var out []*StoredEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents).Bucket([]byte(scanID))
		if events == nil {
			return nil
		}
		var all []*StoredEvent
		cerr := events.ForEach(func(k, v []byte) error {
			var se StoredEvent
			if err := json.Unmarshal(v, &se); err != nil {
				return err
			}
			if filter.Type != "" && se.Event.Type != filter.Type {
				return nil
			}
			if se.Seq < filter.FromSeq {
				return nil
			}
			if se.IsFalsePositive && !filter.IncludeFP {
				return nil
			}
			all = append(all, &se)
			return nil
		})
		if cerr != nil {
			return cerr
		}

		sortBySeq(all)
		out = paginate(all, page)
		return nil
	})
	return out, err
}

func sortBySeq(events []*StoredEvent) {
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j].Seq < events[j-1].Seq; j-- {
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
}

func paginate(all []*StoredEvent, page Page) []*StoredEvent {
	if page.Offset >= len(all) {
		return nil
	}
	end := len(all)
	if page.Limit > 0 && page.Offset+page.Limit < end {
		end = page.Offset + page.Limit
	}
	return all[page.Offset:end]
}

func (s *BoltStore) MarkFalsePositive(scanID, eventID string, isFalsePositive bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents).Bucket([]byte(scanID))
		if events == nil {
			return fmt.Errorf("storage: scan %s has no events", scanID)
		}
		raw := events.Get([]byte(eventID))
		if raw == nil {
			return fmt.Errorf("storage: event %s not found", eventID)
		}
		var se StoredEvent
		if err := json.Unmarshal(raw, &se); err != nil {
			return err
		}
		se.IsFalsePositive = isFalsePositive
		data, err := json.Marshal(se)
		if err != nil {
			return err
		}
		return events.Put([]byte(eventID), data)
	})
}

func (s *BoltStore) UpsertScan(rec *scan.Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketScans).Put([]byte(rec.ID), data)
	})
}

func (s *BoltStore) GetScan(scanID string) (*scan.Record, error) {
	var rec scan.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketScans).Get([]byte(scanID))
		if data == nil {
			return fmt.Errorf("storage: scan %s not found", scanID)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) SetScanStatus(scanID string, status scan.State, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScans)
		data := b.Get([]byte(scanID))
		if data == nil {
			return fmt.Errorf("storage: scan %s not found", scanID)
		}
		var rec scan.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		rec.Status = status
		switch status {
		case scan.StateRunning:
			rec.StartedAt = at
		case scan.StateFinished, scan.StateAborted, scan.StateFailed:
			rec.EndedAt = at
		}
		updated, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(scanID), updated)
	})
}

func (s *BoltStore) ListScans() ([]*scan.Record, error) {
	var out []*scan.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketScans).ForEach(func(k, v []byte) error {
			var rec scan.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) AppendScanLog(scanID string, entry ScanLogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		logs, err := tx.Bucket(bucketScanLog).CreateBucketIfNotExists([]byte(scanID))
		if err != nil {
			return err
		}
		seq, err := logs.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return logs.Put(itob(seq), data)
	})
}

func (s *BoltStore) ListScanLog(scanID string) ([]ScanLogEntry, error) {
	var out []ScanLogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		logs := tx.Bucket(bucketScanLog).Bucket([]byte(scanID))
		if logs == nil {
			return nil
		}
		return logs.ForEach(func(k, v []byte) error {
			var entry ScanLogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			out = append(out, entry)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ArchiveErrorRecord(rec *telemetry.Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		errs, err := tx.Bucket(bucketErrors).CreateBucketIfNotExists([]byte(rec.ScanID))
		if err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return errs.Put([]byte(rec.Fingerprint), data)
	})
}

func (s *BoltStore) ListErrorRecords(scanID string) ([]*telemetry.Record, error) {
	var out []*telemetry.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		errs := tx.Bucket(bucketErrors).Bucket([]byte(scanID))
		if errs == nil {
			return nil
		}
		return errs.ForEach(func(k, v []byte) error {
			var rec telemetry.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

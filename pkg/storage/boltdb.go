// Package storage implements DatabaseServices: the Controller's persistent
// record of its own identity and a durable log of task/job lifecycle
// events, backed by an embedded BoltDB file.
package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketIdentity = []byte("identity")
	bucketEvents   = []byte("events")
)

// Identity is the Controller's own startup record: who it is and when it
// came up, so a restart can be distinguished from the previous run in the
// event log.
type Identity struct {
	ID        string    `json:"id"`
	Host      string    `json:"host"`
	StartTime time.Time `json:"start_time"`
}

// EventKind enumerates the Controller lifecycle events appended to the
// log: task started/stopped/terminated, job started/finished.
type EventKind string

const (
	EventTaskStarted    EventKind = "task_started"
	EventTaskStopped    EventKind = "task_stopped"
	EventTaskTerminated EventKind = "task_terminated"
	EventJobStarted     EventKind = "job_started"
	EventJobFinished    EventKind = "job_finished"
)

// Event is one append-only log entry.
type Event struct {
	Sequence  uint64    `json:"sequence"`
	Kind      EventKind `json:"kind"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// DatabaseServices is the Controller's durable store for its own identity
// and lifecycle events.
type DatabaseServices struct {
	db *bolt.DB
}

// Open opens (creating if absent) the BoltDB file under dataDir.
func Open(dataDir string) (*DatabaseServices, error) {
	path := filepath.Join(dataDir, "controller.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketIdentity, bucketEvents} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("storage: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &DatabaseServices{db: db}, nil
}

// Close closes the underlying database file.
func (s *DatabaseServices) Close() error {
	return s.db.Close()
}

const identityKey = "self"

// SaveIdentity persists the Controller's identity record, overwriting any
// previous run's record under the same key.
func (s *DatabaseServices) SaveIdentity(id Identity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIdentity).Put([]byte(identityKey), data)
	})
}

// LoadIdentity returns the most recently saved identity record, if any.
func (s *DatabaseServices) LoadIdentity() (Identity, bool, error) {
	var id Identity
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketIdentity).Get([]byte(identityKey))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &id)
	})
	return id, found, err
}

// AppendEvent appends ev to the log, assigning it the next sequence number.
func (s *DatabaseServices) AppendEvent(kind EventKind, name, detail string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		ev := Event{
			Sequence:  seq,
			Kind:      kind,
			Name:      name,
			Timestamp: time.Now(),
			Detail:    detail,
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return b.Put(itob(seq), data)
	})
}

// Events returns the full event log in append order.
func (s *DatabaseServices) Events() ([]Event, error) {
	var events []Event
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(k, v []byte) error {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			events = append(events, ev)
			return nil
		})
	})
	return events, err
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

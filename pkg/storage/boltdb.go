package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/burrow-sandbox/burrow/pkg/types"
)

var (
	// Bucket names
	bucketMachines = []byte("machines")
	bucketTasks    = []byte("tasks")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "burrow.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketMachines,
			bucketTasks,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
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

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Machine state operations

// SaveMachineState upserts a machine's last-known state
func (s *BoltStore) SaveMachineState(m StoredMachine) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMachines)
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return b.Put([]byte(m.Name), data)
	})
}

// GetMachineState returns the stored state for one machine
func (s *BoltStore) GetMachineState(name string) (*StoredMachine, error) {
	var m StoredMachine
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMachines)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("machine not found: %s", name)
		}
		return json.Unmarshal(data, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMachineStates returns the full machine state dump keyed by name
func (s *BoltStore) ListMachineStates() (map[string]StoredMachine, error) {
	states := make(map[string]StoredMachine)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMachines)
		return b.ForEach(func(k, v []byte) error {
			var m StoredMachine
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			states[m.Name] = m
			return nil
		})
	})
	return states, err
}

// Task operations

// SaveTask upserts a task lifecycle record
func (s *BoltStore) SaveTask(rec *types.TaskRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		rec.UpdatedAt = time.Now()
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = rec.UpdatedAt
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.ID), data)
	})
}

// GetTask returns one task record
func (s *BoltStore) GetTask(id string) (*types.TaskRecord, error) {
	var rec types.TaskRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("task not found: %s", id)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListTasks returns all task records
func (s *BoltStore) ListTasks() ([]*types.TaskRecord, error) {
	var recs []*types.TaskRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var rec types.TaskRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

// ListUnfinishedTasks returns task records without a terminal state.
// Used at startup: a task interrupted by a crash never reached done or
// failed and must be failed explicitly.
func (s *BoltStore) ListUnfinishedTasks() ([]*types.TaskRecord, error) {
	recs, err := s.ListTasks()
	if err != nil {
		return nil, err
	}

	var unfinished []*types.TaskRecord
	for _, rec := range recs {
		if !rec.State.Terminal() {
			unfinished = append(unfinished, rec)
		}
	}
	return unfinished, nil
}

// DeleteTask removes a task record
func (s *BoltStore) DeleteTask(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.Delete([]byte(id))
	})
}

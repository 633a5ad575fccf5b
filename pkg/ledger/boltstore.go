package ledger

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/plfanzen/backend/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var bucketInstances = []byte("instances")

// BoltStore persists ledger entries so desired state survives manager
// restarts. One record per (team, challenge) key.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the ledger database in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "manager.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketInstances)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func entryKey(key types.InstanceKey) []byte {
	return []byte(key.TeamID + "/" + key.ChallengeID)
}

// PutEntry writes one ledger entry (upsert)
func (s *BoltStore) PutEntry(key types.InstanceKey, entry *Entry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(entryKey(key), data)
	})
}

// DeleteEntry removes one ledger entry
func (s *BoltStore) DeleteEntry(key types.InstanceKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).Delete(entryKey(key))
	})
}

// ListEntries returns all persisted entries
func (s *BoltStore) ListEntries() (map[types.InstanceKey]*Entry, error) {
	entries := make(map[types.InstanceKey]*Entry)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("corrupt ledger entry %s: %w", k, err)
			}
			entries[entry.Key()] = &entry
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketConnections = []byte("connections")
	bucketShadow      = []byte("shadow")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database. The file is created with
// owner-only permissions because it carries connection routing for a device
// identity.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketConnections, bucketShadow} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveConnection(info *ConnectionInfo) error {
	if info.DeviceID == "" {
		return fmt.Errorf("connection info without device id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConnections)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketConnections)
		}
		data, err := json.Marshal(info)
		if err != nil {
			return err
		}
		return b.Put([]byte(info.DeviceID), data)
	})
}

func (s *BoltStore) GetConnection(deviceID string) (*ConnectionInfo, error) {
	var info ConnectionInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConnections)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketConnections)
		}
		data := b.Get([]byte(deviceID))
		if data == nil {
			return fmt.Errorf("connection %s: %w", deviceID, ErrNotFound)
		}
		return json.Unmarshal(data, &info)
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *BoltStore) DeleteConnection(deviceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConnections)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketConnections)
		}
		return b.Delete([]byte(deviceID))
	})
}

func (s *BoltStore) SaveShadow(deviceID string, cfg *ShadowConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketShadow)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketShadow)
		}
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return b.Put([]byte(deviceID), data)
	})
}

func (s *BoltStore) GetShadow(deviceID string) (*ShadowConfig, error) {
	var cfg ShadowConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketShadow)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketShadow)
		}
		data := b.Get([]byte(deviceID))
		if data == nil {
			return fmt.Errorf("shadow %s: %w", deviceID, ErrNotFound)
		}
		return json.Unmarshal(data, &cfg)
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

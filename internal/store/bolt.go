package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketEvents = []byte("events")
	bucketLabels = []byte("labels")
)

// maxJournal caps the event journal; older entries are pruned on append.
const maxJournal = 1000

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEvents, bucketLabels} {
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

func (s *BoltStore) AppendEvent(rec *EventRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketEvents)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}

		// Prune from the front once over the cap. Keys are sequence
		// numbers and only ever deleted from the front, so everything at
		// or below seq-maxJournal is surplus.
		if seq <= maxJournal {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= seq-maxJournal; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) RecentEvents(n int) ([]*EventRecord, error) {
	var events []*EventRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketEvents)
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(events) < n; k, v = c.Prev() {
			var rec EventRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			events = append(events, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *BoltStore) SetLabel(addr uint8, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLabels)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketLabels)
		}
		return b.Put([]byte{addr}, []byte(name))
	})
}

func (s *BoltStore) Label(addr uint8) (string, error) {
	var name string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLabels)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketLabels)
		}
		data := b.Get([]byte{addr})
		if data == nil {
			return fmt.Errorf("label %d: %w", addr, ErrNotFound)
		}
		name = string(data)
		return nil
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

func (s *BoltStore) Labels() (map[uint8]string, error) {
	labels := make(map[uint8]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLabels)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketLabels)
		}
		return b.ForEach(func(k, v []byte) error {
			if len(k) == 1 {
				labels[k[0]] = string(v)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return labels, nil
}

func (s *BoltStore) DeleteLabel(addr uint8) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLabels)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketLabels)
		}
		return b.Delete([]byte{addr})
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

package storage

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketProcessed = []byte("processed")

// DeliveryRecord marks one envelope as processed by one actor.
type DeliveryRecord struct {
	ProcessedAt time.Time `json:"processedAt"`
}

// Journal is the durable delivery journal behind at-least-once messaging:
// an envelope identity is recorded here in the same breath as the state
// write, so a redelivered message is recognized and dropped instead of
// re-applied.
type Journal struct {
	db *bolt.DB
}

// NewJournal opens (and migrates) the BoltDB-backed journal at path.
func NewJournal(path string, options *bolt.Options) (*Journal, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketProcessed)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Processed reports whether the delivery key has already been handled.
func (j *Journal) Processed(key string) (bool, error) {
	var found bool
	err := j.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketProcessed).Get([]byte(key)) != nil
		return nil
	})
	return found, err
}

// MarkProcessed records the delivery key.
func (j *Journal) MarkProcessed(key string, now time.Time) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		payload, err := json.Marshal(DeliveryRecord{ProcessedAt: now.UTC()})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketProcessed).Put([]byte(key), payload)
	})
}

// Sweep deletes records processed before the cutoff and returns how many
// were removed. Senders stop redelivering long before any sane cutoff, so
// sweeping bounds the journal without weakening dedup.
func (j *Journal) Sweep(cutoff time.Time) (int, error) {
	removed := 0
	err := j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketProcessed)
		cursor := bucket.Cursor()
		var stale [][]byte
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var rec DeliveryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				stale = append(stale, append([]byte(nil), k...))
				continue
			}
			if rec.ProcessedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

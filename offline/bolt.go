package offline

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"
)

// BoltQueue is a durable Queue. Each device gets two buckets: one keyed by
// bucket sequence (big-endian, so cursor order is enqueue order) and an
// index from action id to sequence key.
type BoltQueue struct {
	db       *bolt.DB
	deviceID string
	actions  []byte
	index    []byte
}

var _ Queue = (*BoltQueue)(nil)

// OpenBoltQueue opens (or creates) the queue file at path for deviceID.
func OpenBoltQueue(path, deviceID string) (*BoltQueue, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", path, err)
	}

	q := &BoltQueue{
		db:       db,
		deviceID: deviceID,
		actions:  []byte("actions:" + deviceID),
		index:    []byte("index:" + deviceID),
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(q.actions); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(q.index)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init queue buckets: %w", err)
	}
	return q, nil
}

// Close releases the file lock.
func (q *BoltQueue) Close() error {
	return q.db.Close()
}

// DeviceID returns the device this queue belongs to.
func (q *BoltQueue) DeviceID() string { return q.deviceID }

func (q *BoltQueue) Enqueue(_ context.Context, a QueuedAction) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(q.index)
		if idx.Get([]byte(a.ID)) != nil {
			return nil
		}

		b := tx.Bucket(q.actions)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := sequenceKey(seq)

		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		return idx.Put([]byte(a.ID), key)
	})
}

func (q *BoltQueue) Pending(_ context.Context) ([]QueuedAction, error) {
	out := []QueuedAction{}
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(q.actions).ForEach(func(_, v []byte) error {
			var a QueuedAction
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, a)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (q *BoltQueue) Remove(_ context.Context, id string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(q.index)
		key := idx.Get([]byte(id))
		if key == nil {
			return nil
		}
		if err := tx.Bucket(q.actions).Delete(key); err != nil {
			return err
		}
		return idx.Delete([]byte(id))
	})
}

func (q *BoltQueue) MarkFailed(_ context.Context, id string, cause error) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		key := tx.Bucket(q.index).Get([]byte(id))
		if key == nil {
			return ErrActionNotFound
		}
		b := tx.Bucket(q.actions)

		var a QueuedAction
		if err := json.Unmarshal(b.Get(key), &a); err != nil {
			return err
		}
		a.Attempts++
		a.LastError = errorText(cause)

		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (q *BoltQueue) Len(_ context.Context) (int, error) {
	var n int
	err := q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(q.actions).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

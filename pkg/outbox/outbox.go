// Package outbox spools terminal responses that could not be delivered so
// they can be replayed after the session reconnects.
package outbox

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/morezero/hostagent/pkg/protocol"
)

const (
	logPrefix     = "outbox:outbox"
	pendingBucket = "pending"
)

// Outbox is a FIFO of undelivered responses stored in a bbolt file.
type Outbox struct {
	db *bbolt.DB
}

// Open opens or creates the outbox file at path.
func Open(path string) (*Outbox, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to open %s: %w", logPrefix, path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(pendingBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%s - failed to create bucket: %w", logPrefix, err)
	}
	return &Outbox{db: db}, nil
}

// Put appends resp to the outbox.
func (o *Outbox) Put(resp *protocol.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("%s - encode response %s: %w", logPrefix, resp.ID, err)
	}
	return o.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(pendingBucket))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(seq), data)
	})
}

// Replay hands every spooled response to deliver in the order they were
// stored. A response is removed once deliver succeeds; replay stops at the
// first failure so ordering is kept for the next attempt. Returns the number
// of responses delivered.
func (o *Outbox) Replay(deliver func(resp *protocol.Response) error) (int, error) {
	type pending struct {
		key  []byte
		resp *protocol.Response
	}
	var items []pending
	err := o.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(pendingBucket)).ForEach(func(k, v []byte) error {
			var resp protocol.Response
			if err := json.Unmarshal(v, &resp); err != nil {
				slog.Warn(fmt.Sprintf("%s - Dropping unreadable entry %x: %v", logPrefix, k, err))
				items = append(items, pending{key: append([]byte(nil), k...)})
				return nil
			}
			items = append(items, pending{key: append([]byte(nil), k...), resp: &resp})
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("%s - read: %w", logPrefix, err)
	}

	delivered := 0
	for _, it := range items {
		if it.resp != nil {
			if err := deliver(it.resp); err != nil {
				return delivered, err
			}
			delivered++
		}
		if err := o.delete(it.key); err != nil {
			return delivered, err
		}
	}
	return delivered, nil
}

// Len returns the number of spooled responses.
func (o *Outbox) Len() int {
	n := 0
	o.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(pendingBucket)).Stats().KeyN
		return nil
	})
	return n
}

// Close closes the underlying file.
func (o *Outbox) Close() error {
	return o.db.Close()
}

func (o *Outbox) delete(key []byte) error {
	return o.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(pendingBucket)).Delete(key)
	})
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/store"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/urbandash"
)

var (
	bucketOrders    = []byte("orders")
	bucketRides     = []byte("rides")
	bucketOutbox    = []byte("outbox")
	bucketPublished = []byte("outbox_published")
)

// Store implements store.Store on a single BoltDB file.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) urbanfoodride.db under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "urbanfoodride.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketOrders, bucketRides, bucketOutbox, bucketPublished} {
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

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateOrder(ctx context.Context, o *store.Order) (bool, error) {
	return s.create(ctx, bucketOrders, o.OrderID, o)
}

func (s *Store) GetOrder(ctx context.Context, id string) (*store.Order, error) {
	var o store.Order
	if err := s.get(ctx, bucketOrders, "order", id, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) UpdateOrder(ctx context.Context, id string, fn store.OrderMutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOrders)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("order %s: %w", id, urbandash.ErrNotFound)
		}
		var o store.Order
		if err := json.Unmarshal(data, &o); err != nil {
			return err
		}
		events, err := fn(&o)
		if errors.Is(err, store.ErrUnchanged) {
			return nil
		}
		if err != nil {
			return err
		}
		o.UpdatedAt = s.now()
		if err := putJSON(b, id, &o); err != nil {
			return err
		}
		return enqueue(tx, s.now(), events)
	})
}

func (s *Store) CreateRide(ctx context.Context, r *store.Ride) (bool, error) {
	return s.create(ctx, bucketRides, r.RequestID, r)
}

func (s *Store) GetRide(ctx context.Context, id string) (*store.Ride, error) {
	var r store.Ride
	if err := s.get(ctx, bucketRides, "ride", id, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) UpdateRide(ctx context.Context, id string, fn store.RideMutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRides)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("ride %s: %w", id, urbandash.ErrNotFound)
		}
		var r store.Ride
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		events, err := fn(&r)
		if errors.Is(err, store.ErrUnchanged) {
			return nil
		}
		if err != nil {
			return err
		}
		r.UpdatedAt = s.now()
		if err := putJSON(b, id, &r); err != nil {
			return err
		}
		return enqueue(tx, s.now(), events)
	})
}

func (s *Store) Enqueue(ctx context.Context, events ...store.OutboxEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return enqueue(tx, s.now(), events)
	})
}

// PendingOutbox returns unpublished rows oldest first.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]store.OutboxEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []store.OutboxEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOutbox).Cursor()
		for k, v := c.First(); k != nil && (limit <= 0 || len(out) < limit); k, v = c.Next() {
			var ev store.OutboxEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	return out, err
}

// MarkPublished moves a row out of the pending bucket.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		pending := tx.Bucket(bucketOutbox)
		key := itob(id)
		data := pending.Get(key)
		if data == nil {
			return nil
		}
		if err := tx.Bucket(bucketPublished).Put(key, data); err != nil {
			return err
		}
		return pending.Delete(key)
	})
}

func (s *Store) create(ctx context.Context, bucket []byte, id string, v any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get([]byte(id)) != nil {
			return nil
		}
		created = true
		return putJSON(b, id, v)
	})
	return created, err
}

func (s *Store) get(ctx context.Context, bucket []byte, kind, id string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%s %s: %w", kind, id, urbandash.ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

func enqueue(tx *bolt.Tx, now time.Time, events []store.OutboxEvent) error {
	b := tx.Bucket(bucketOutbox)
	for _, ev := range events {
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		ev.ID = int64(seq)
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = now
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if err := b.Put(itob(ev.ID), data); err != nil {
			return err
		}
	}
	return nil
}

func putJSON(b *bolt.Bucket, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(id), data)
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

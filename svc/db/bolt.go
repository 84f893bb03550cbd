package db

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketKV      = []byte("kv")
	bucketExpires = []byte("expires")
)

// Bolt is a single-file KV backend. Each value is stored behind an 8-byte
// big-endian expiry (epoch ms, 0 = never), and an index bucket keyed by
// expiry+key lets DeleteExpired stop at the first live entry.
type Bolt struct {
	db *bolt.DB
}

func NewBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open bolt")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketKV); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketExpires)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create buckets")
	}
	return &Bolt{db: db}, nil
}

func expiryIndexKey(ms uint64, key string) []byte {
	b := make([]byte, 8+len(key))
	binary.BigEndian.PutUint64(b, ms)
	copy(b[8:], key)
	return b
}

func (b *Bolt) Insert(ctx context.Context, key string, val []byte, expiresAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var ms uint64
	if !expiresAt.IsZero() {
		ms = uint64(expiresAt.UnixMilli())
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		kv := tx.Bucket(bucketKV)
		if kv.Get([]byte(key)) != nil {
			return ErrConflict
		}
		buf := make([]byte, 8+len(val))
		binary.BigEndian.PutUint64(buf, ms)
		copy(buf[8:], val)
		if err := kv.Put([]byte(key), buf); err != nil {
			return errors.Wrap(err, "put value")
		}
		if ms == 0 {
			return nil
		}
		return errors.Wrap(tx.Bucket(bucketExpires).Put(expiryIndexKey(ms, key), nil), "put expiry")
	})
}

func (b *Bolt) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketKV).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		if len(v) < 8 {
			return errors.Errorf("corrupt value for %s", key)
		}
		// bolt memory is only valid inside the transaction
		out = append([]byte(nil), v[8:]...)
		return nil
	})
	return out, err
}

func (b *Bolt) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var ok bool
	err := b.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketKV).Get([]byte(key)) != nil
		return nil
	})
	return ok, err
}

func (b *Bolt) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		kv := tx.Bucket(bucketKV)
		v := kv.Get([]byte(key))
		if v == nil {
			return nil
		}
		if len(v) >= 8 {
			if ms := binary.BigEndian.Uint64(v[:8]); ms != 0 {
				if err := tx.Bucket(bucketExpires).Delete(expiryIndexKey(ms, key)); err != nil {
					return err
				}
			}
		}
		return kv.Delete([]byte(key))
	})
}

func (b *Bolt) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	limit := make([]byte, 8)
	binary.BigEndian.PutUint64(limit, uint64(before.UnixMilli()))
	n := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		kv := tx.Bucket(bucketKV)
		idx := tx.Bucket(bucketExpires)
		var stale [][]byte
		c := idx.Cursor()
		for k, _ := c.First(); k != nil && len(k) >= 8 && bytes.Compare(k[:8], limit) <= 0; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := kv.Delete(k[8:]); err != nil {
				return err
			}
			if err := idx.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "delete expired")
	}
	return n, nil
}

func (b *Bolt) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketKV) == nil {
			return errors.New("kv bucket missing")
		}
		return nil
	})
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

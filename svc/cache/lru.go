// Package cache keeps recently read records in memory in front of a slower
// store.
package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"pastelink/metrics"
	"pastelink/svc/db"
)

// Backing is the store the cache reads through to.
type Backing[T db.Record] interface {
	Create(ctx context.Context, rec T) (T, error)
	Get(ctx context.Context, id string) (T, error)
	Exists(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// LRU is a read-through cache over Backing. Misses are never cached, and an
// entry past its record expiry is dropped rather than served.
type LRU[T db.Record] struct {
	next Backing[T]
	c    *lru.Cache[string, T]
	now  func() time.Time
}

func NewLRU[T db.Record](next Backing[T], size int) (*LRU[T], error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, T](size)
	if err != nil {
		return nil, err
	}
	return &LRU[T]{next: next, c: c, now: time.Now}, nil
}

func (l *LRU[T]) Create(ctx context.Context, rec T) (T, error) {
	out, err := l.next.Create(ctx, rec)
	if err != nil {
		return out, err
	}
	l.c.Add(out.RecordID(), out)
	return out, nil
}

func (l *LRU[T]) Get(ctx context.Context, id string) (T, error) {
	if rec, ok := l.c.Get(id); ok {
		if exp := rec.RecordExpiry(); exp.IsZero() || l.now().Before(exp) {
			metrics.CacheHits.Inc()
			return rec, nil
		}
		l.c.Remove(id)
	}
	metrics.CacheMisses.Inc()
	rec, err := l.next.Get(ctx, id)
	if err != nil {
		return rec, err
	}
	l.c.Add(id, rec)
	return rec, nil
}

func (l *LRU[T]) Exists(ctx context.Context, id string) (bool, error) {
	if l.c.Contains(id) {
		return true, nil
	}
	return l.next.Exists(ctx, id)
}

func (l *LRU[T]) Delete(ctx context.Context, id string) error {
	l.c.Remove(id)
	return l.next.Delete(ctx, id)
}

// DeleteExpired sweeps the backing store. Cached entries are left alone
// since Get already refuses to serve anything past its expiry.
func (l *LRU[T]) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	return l.next.DeleteExpired(ctx, before)
}

func (l *LRU[T]) Len() int {
	return l.c.Len()
}

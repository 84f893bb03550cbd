package kms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// KEKCache keeps unwrapped data keys for a short TTL so hot records do not
// cost a KMS round trip per read. Concurrent misses for the same wrapped key
// share one unwrap call.
type KEKCache struct {
	mu      sync.Mutex
	entries map[string]cachedDEK
	ttl     time.Duration
	adapter *Adapter
	group   singleflight.Group
	stop    chan struct{}
	stopped bool
	now     func() time.Time
}

type cachedDEK struct {
	dek       []byte
	expiresAt time.Time
}

func NewKEKCache(adapter *Adapter, ttl time.Duration) *KEKCache {
	c := &KEKCache{
		entries: make(map[string]cachedDEK),
		ttl:     ttl,
		adapter: adapter,
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go c.evictionLoop()
	return c
}

// Unwrap returns a private copy of the plaintext DEK; callers may wipe it.
func (c *KEKCache) Unwrap(ctx context.Context, wrapped, aad []byte) ([]byte, error) {
	key := cacheKey(wrapped)
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrProviderUnavailable
	}
	if e, ok := c.entries[key]; ok && c.now().Before(e.expiresAt) {
		dek := append([]byte(nil), e.dek...)
		c.mu.Unlock()
		return dek, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		dek, err := c.adapter.Decrypt(ctx, wrapped, aad)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if !c.stopped {
			c.entries[key] = cachedDEK{dek: append([]byte(nil), dek...), expiresAt: c.now().Add(c.ttl)}
		}
		c.mu.Unlock()
		return dek, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), v.([]byte)...), nil
}

func (c *KEKCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *KEKCache) evictionLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *KEKCache) evictExpired() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			wipe(e.dek)
			delete(c.entries, k)
		}
	}
}

func (c *KEKCache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.stop)
	for k, e := range c.entries {
		wipe(e.dek)
		delete(c.entries, k)
	}
}

func cacheKey(wrapped []byte) string {
	h := sha256.Sum256(wrapped)
	return hex.EncodeToString(h[:])
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

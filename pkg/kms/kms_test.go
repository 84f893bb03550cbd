package kms

import (
	"bytes"
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const testLocalKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

type countingProvider struct {
	calls atomic.Int32
	inner Provider
}

func (p *countingProvider) Encrypt(ctx context.Context, pt, aad []byte) ([]byte, error) {
	return p.inner.Encrypt(ctx, pt, aad)
}
func (p *countingProvider) Decrypt(ctx context.Context, ct, aad []byte) ([]byte, error) {
	p.calls.Add(1)
	return p.inner.Decrypt(ctx, ct, aad)
}
func (p *countingProvider) GetSecret(ctx context.Context, key string) (string, error) {
	return p.inner.GetSecret(ctx, key)
}

func newLocalAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := NewAdapter(context.Background(), Config{LocalKey: testLocalKey})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestLocalAdapterRoundTrip(t *testing.T) {
	a := newLocalAdapter(t)
	ctx := context.Background()
	ct, err := a.Encrypt(ctx, []byte("data key"), []byte("paste:abc"))
	if err != nil {
		t.Fatal(err)
	}
	pt, err := a.Decrypt(ctx, ct, []byte("paste:abc"))
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "data key" {
		t.Errorf("Decrypt() = %q", pt)
	}
	if _, err := a.Decrypt(ctx, ct, []byte("paste:other")); err == nil {
		t.Error("expected decrypt failure with mismatched aad")
	}
}

func TestNewAdapterValidation(t *testing.T) {
	if _, err := NewAdapter(context.Background(), Config{}); err == nil {
		t.Error("expected error with no providers")
	}
	if _, err := NewAdapter(context.Background(), Config{LocalKey: base64.StdEncoding.EncodeToString([]byte("short"))}); err == nil {
		t.Error("expected error for short local key")
	}
	if _, err := NewAdapter(context.Background(), Config{LocalKey: testLocalKey, RequirePrimary: true}); err != ErrRequiresPrimary {
		t.Errorf("expected ErrRequiresPrimary, got %v", err)
	}
}

func TestLocalGetSecret(t *testing.T) {
	t.Setenv("METRICS_PASS", "from-env")
	a := newLocalAdapter(t)
	got, err := a.GetSecret(context.Background(), "METRICS_PASS")
	if err != nil || got != "from-env" {
		t.Errorf("GetSecret() = %q, %v", got, err)
	}
}

func TestSealOpen(t *testing.T) {
	dek, err := GenerateDEK()
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := Seal([]byte("hello"), dek, []byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(sealed, []byte("hello")) {
		t.Error("sealed output contains plaintext")
	}
	out, err := Open(sealed, dek, []byte("k"))
	if err != nil || string(out) != "hello" {
		t.Fatalf("Open() = %q, %v", out, err)
	}
	if _, err := Open(sealed, dek, []byte("other")); err == nil {
		t.Error("expected failure on aad mismatch")
	}
	if _, err := Open([]byte("x"), dek, nil); err == nil {
		t.Error("expected failure on short input")
	}
}

func TestKEKCacheHitMiss(t *testing.T) {
	a := newLocalAdapter(t)
	counter := &countingProvider{inner: a.fallback}
	a.fallback = counter
	ctx := context.Background()

	wrapped, err := a.Encrypt(ctx, []byte("0123456789abcdef0123456789abcdef"), nil)
	if err != nil {
		t.Fatal(err)
	}
	c := NewKEKCache(a, time.Hour)
	defer c.Stop()

	first, err := c.Unwrap(ctx, wrapped, nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Unwrap(ctx, wrapped, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Error("cache hit returned different key")
	}
	if n := counter.calls.Load(); n != 1 {
		t.Errorf("expected 1 provider call, got %d", n)
	}
	first[0] ^= 0xff
	third, _ := c.Unwrap(ctx, wrapped, nil)
	if !bytes.Equal(third, second) {
		t.Error("caller mutation leaked into cache")
	}
}

func TestKEKCacheExpiry(t *testing.T) {
	a := newLocalAdapter(t)
	counter := &countingProvider{inner: a.fallback}
	a.fallback = counter
	ctx := context.Background()
	wrapped, _ := a.Encrypt(ctx, []byte("0123456789abcdef0123456789abcdef"), nil)

	c := NewKEKCache(a, time.Minute)
	defer c.Stop()
	now := time.Now()
	c.now = func() time.Time { return now }
	if _, err := c.Unwrap(ctx, wrapped, nil); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)
	c.evictExpired()
	if c.Len() != 0 {
		t.Errorf("expected expired entry evicted, have %d", c.Len())
	}
	if _, err := c.Unwrap(ctx, wrapped, nil); err != nil {
		t.Fatal(err)
	}
	if n := counter.calls.Load(); n != 2 {
		t.Errorf("expected 2 provider calls after expiry, got %d", n)
	}
}

func TestKEKCacheConcurrent(t *testing.T) {
	a := newLocalAdapter(t)
	ctx := context.Background()
	wrapped, _ := a.Encrypt(ctx, []byte("0123456789abcdef0123456789abcdef"), nil)
	c := NewKEKCache(a, time.Hour)
	defer c.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Unwrap(ctx, wrapped, nil); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
}

func TestKEKCacheStopped(t *testing.T) {
	a := newLocalAdapter(t)
	c := NewKEKCache(a, time.Hour)
	c.Stop()
	c.Stop()
	if _, err := c.Unwrap(context.Background(), []byte("x"), nil); err != ErrProviderUnavailable {
		t.Errorf("expected ErrProviderUnavailable, got %v", err)
	}
}

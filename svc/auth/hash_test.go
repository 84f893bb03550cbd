package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"testing"
	"time"
)

// Low iteration count keeps the suite fast; the format and comparison logic
// do not depend on it.
const testIterations = 1000

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := NewHasher(testIterations, 64)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Start(4); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Stop)
	return h
}

func TestHashFormat(t *testing.T) {
	stored, err := HashPassword("secret", testIterations)
	if err != nil {
		t.Fatal(err)
	}
	saltHex, keyHex, ok := strings.Cut(stored, ".")
	if !ok {
		t.Fatalf("stored hash %q has no separator", stored)
	}
	if len(saltHex) != 32 {
		t.Errorf("salt hex length = %d, want 32", len(saltHex))
	}
	if len(keyHex) != 64 {
		t.Errorf("key hex length = %d, want 64", len(keyHex))
	}
	if _, err := hex.DecodeString(saltHex + keyHex); err != nil {
		t.Errorf("hash is not hex: %v", err)
	}
}

func TestHashUsesFreshSalt(t *testing.T) {
	a, _ := HashPassword("same", testIterations)
	b, _ := HashPassword("same", testIterations)
	if a == b {
		t.Error("two hashes of the same password should differ")
	}
}

func TestHashVerifyRoundTrip(t *testing.T) {
	for i := 0; i < 25; i++ {
		buf := make([]byte, 12)
		rand.Read(buf)
		pw := hex.EncodeToString(buf)
		stored, err := HashPassword(pw, testIterations)
		if err != nil {
			t.Fatal(err)
		}
		if !VerifyPassword(pw, stored, testIterations) {
			t.Fatalf("round trip failed for %q", pw)
		}
		if VerifyPassword(pw+"x", stored, testIterations) {
			t.Fatalf("different password verified for %q", pw)
		}
	}
}

func TestVerifyDefaultIterations(t *testing.T) {
	stored, err := HashPassword("secret", DefaultIterations)
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyPassword("secret", stored, DefaultIterations) {
		t.Error("expected match at default iteration count")
	}
	if VerifyPassword("secret", stored, testIterations) {
		t.Error("iteration count must be part of the derivation")
	}
}

func TestVerifyMalformed(t *testing.T) {
	cases := []string{
		"",
		".",
		"abcd",
		"abcd.",
		".abcd",
		"zz.zz",
		"00112233.not-hex",
	}
	for _, c := range cases {
		if VerifyPassword("anything", c, testIterations) {
			t.Errorf("VerifyPassword(%q) = true, want false", c)
		}
	}
}

func TestHasherPool(t *testing.T) {
	h := newTestHasher(t)
	ctx := context.Background()

	stored, err := h.Hash(ctx, "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	errs := make(chan string, 40)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ok, err := h.Verify(ctx, "hunter2", stored)
			if err != nil || !ok {
				errs <- "correct password rejected"
			}
		}()
		go func() {
			defer wg.Done()
			ok, err := h.Verify(ctx, "wrong", stored)
			if err != nil || ok {
				errs <- "wrong password accepted"
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}

func TestHasherNotStarted(t *testing.T) {
	h, err := NewHasher(testIterations, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Hash(context.Background(), "x"); err != ErrNotStarted {
		t.Errorf("Hash() error = %v, want ErrNotStarted", err)
	}
}

func TestHasherRejectsLongPassword(t *testing.T) {
	h := newTestHasher(t)
	long := strings.Repeat("a", maxPasswordLength+1)
	if _, err := h.Hash(context.Background(), long); err != ErrPasswordLong {
		t.Errorf("Hash() error = %v, want ErrPasswordLong", err)
	}
	ok, err := h.Verify(context.Background(), long, "00.00")
	if err != nil || ok {
		t.Errorf("Verify(long) = %v, %v; want false, nil", ok, err)
	}
}

func TestHasherContextCancelled(t *testing.T) {
	h := newTestHasher(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)
	if _, err := h.Hash(ctx, "x"); err == nil {
		t.Error("expected error for expired context")
	}
}

func TestNewHasherValidation(t *testing.T) {
	if _, err := NewHasher(10, 1); err == nil {
		t.Error("expected error for tiny iteration count")
	}
}

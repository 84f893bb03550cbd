package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"runtime"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	DefaultIterations = 100000
	saltLen           = 16
	keyLen            = 32
	maxPasswordLength = 1024
)

var (
	ErrNotStarted   = errors.New("hasher not started - call Start() first")
	ErrShuttingDown = errors.New("hasher is shutting down")
	ErrPasswordLong = errors.New("password too long")
)

// HashPassword derives a PBKDF2-HMAC-SHA256 key with a fresh 16-byte salt and
// encodes it as hex(salt) + "." + hex(key).
func HashPassword(password string, iterations int) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.Wrap(err, "generate salt")
	}
	key := pbkdf2.Key([]byte(password), salt, iterations, keyLen, sha256.New)
	return hex.EncodeToString(salt) + "." + hex.EncodeToString(key), nil
}

// VerifyPassword re-derives the key for password and compares it with the
// stored one. A malformed stored value never matches.
func VerifyPassword(password, stored string, iterations int) bool {
	saltHex, keyHex, ok := strings.Cut(stored, ".")
	if !ok || saltHex == "" || keyHex == "" {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	expected, err := hex.DecodeString(keyHex)
	if err != nil || len(expected) == 0 {
		return false
	}
	derived := pbkdf2.Key([]byte(password), salt, iterations, len(expected), sha256.New)
	return subtle.ConstantTimeCompare(derived, expected) == 1
}

// Hasher runs key derivation on a fixed pool of workers so request
// goroutines only block on a result channel.
type Hasher struct {
	iterations int
	jobQueue   chan hashJob
	quit       chan struct{}
	wg         sync.WaitGroup
	started    bool
	startMu    sync.Mutex
	stopOnce   sync.Once
}
type hashJob struct {
	run  func()
	done chan struct{}
}

func NewHasher(iterations, queueSize int) (*Hasher, error) {
	if iterations < 1000 || iterations > 10_000_000 {
		return nil, errors.New("iterations must be between 1000 and 10000000")
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Hasher{
		iterations: iterations,
		jobQueue:   make(chan hashJob, queueSize),
		quit:       make(chan struct{}),
	}, nil
}

func (h *Hasher) Start(workers int) error {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	if h.started {
		return errors.New("hasher already started")
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go h.worker()
	}
	h.started = true
	return nil
}

func (h *Hasher) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
		h.wg.Wait()
	})
}

func (h *Hasher) worker() {
	defer h.wg.Done()
	for {
		select {
		case job := <-h.jobQueue:
			job.run()
			close(job.done)
		case <-h.quit:
			return
		}
	}
}

func (h *Hasher) Iterations() int { return h.iterations }

func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	if len(password) > maxPasswordLength {
		return "", ErrPasswordLong
	}
	var (
		hash string
		err  error
	)
	if perr := h.submit(ctx, func() {
		hash, err = HashPassword(password, h.iterations)
	}); perr != nil {
		return "", perr
	}
	return hash, err
}

// Verify reports whether password matches stored. The error is non-nil only
// when the pool could not run the check.
func (h *Hasher) Verify(ctx context.Context, password, stored string) (bool, error) {
	if len(password) > maxPasswordLength {
		return false, nil
	}
	var match bool
	if err := h.submit(ctx, func() {
		match = VerifyPassword(password, stored, h.iterations)
	}); err != nil {
		return false, err
	}
	return match, nil
}

func (h *Hasher) submit(ctx context.Context, fn func()) error {
	h.startMu.Lock()
	started := h.started
	h.startMu.Unlock()
	if !started {
		return ErrNotStarted
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "hash cancelled")
	}
	job := hashJob{run: fn, done: make(chan struct{})}
	select {
	case h.jobQueue <- job:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "hash queue full")
	case <-h.quit:
		return ErrShuttingDown
	}
	select {
	case <-job.done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "hash timeout")
	case <-h.quit:
		return ErrShuttingDown
	}
}

package svc

import (
	"context"
	"encoding/base64"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"pastelink/cfg"
	"pastelink/metrics"
	"pastelink/pkg/domain"
	"pastelink/svc/auth"
	"pastelink/svc/db"
	"pastelink/svc/util"
)

const (
	maxIDAttempts = 5
	// ten years; keeps now+expiresIn*1000 far from int64 overflow
	maxExpiresIn = 10 * 365 * 24 * 60 * 60
)

var dataURLPattern = regexp.MustCompile(`^data:(image/.+);base64,(.+)$`)

// Store is the persistence the service needs. db.Repo and cache.LRU both
// satisfy it.
type Store interface {
	Create(ctx context.Context, p domain.Paste) (domain.Paste, error)
	Get(ctx context.Context, id string) (domain.Paste, error)
	Exists(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

type IDGenerator interface {
	Generate() (string, error)
}

type Paste struct {
	store           Store
	hasher          *auth.Hasher
	ids             IDGenerator
	cfg             *cfg.Cfg
	now             func() time.Time
	sleep           func(context.Context, time.Duration) error
	activeCreateOps int32
	shutdown        atomic.Bool
	opWg            sync.WaitGroup
	sweeping        atomic.Bool
	sweepWg         sync.WaitGroup
}

func NewPaste(store Store, h *auth.Hasher, ids IDGenerator, c *cfg.Cfg) *Paste {
	if store == nil || h == nil || ids == nil || c == nil {
		panic("paste service: nil dependency (store, hasher, ids, or cfg)")
	}
	return &Paste{
		store:  store,
		hasher: h,
		ids:    ids,
		cfg:    c,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown rejects new creates and waits for in-flight ones and the sweeper.
// The sweeper itself stops when the context passed to StartSweeper ends.
func (p *Paste) Shutdown() {
	p.shutdown.Store(true)
	p.opWg.Wait()
	p.sweepWg.Wait()
	util.Debug().Msg("paste service shutdown complete")
}

func (p *Paste) maxSize(t domain.PasteType) int {
	if t == domain.TypeImage {
		// base64 inflates by 4/3; 1.4 leaves room for the data URL prefix
		return int(float64(p.cfg.MaxImageSize) * 1.4)
	}
	return int(p.cfg.MaxTextSize)
}

func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (domain.Paste, error) {
	if p.shutdown.Load() {
		return domain.Paste{}, domain.ErrServiceBusy
	}
	p.opWg.Add(1)
	defer p.opWg.Done()
	currentLoad := atomic.AddInt32(&p.activeCreateOps, 1)
	defer atomic.AddInt32(&p.activeCreateOps, -1)
	if p.cfg.MaxWorkerLoad > 0 && currentLoad > int32(p.cfg.MaxWorkerLoad) {
		return domain.Paste{}, domain.ErrServiceBusy
	}

	if params.Content == "" {
		return domain.Paste{}, domain.ErrContentRequired
	}
	typ := params.Type
	if typ == "" {
		typ = domain.TypeText
	}
	if !typ.Valid() {
		return domain.Paste{}, domain.ErrInvalidType
	}
	if len(params.Content) > p.maxSize(typ) {
		return domain.Paste{}, domain.ErrPasteTooLarge
	}
	if params.ExpiresIn > maxExpiresIn {
		return domain.Paste{}, domain.ErrInvalidExpiry
	}

	var pwHash string
	if params.Password != "" {
		var err error
		pwHash, err = p.hasher.Hash(ctx, params.Password)
		if errors.Is(err, auth.ErrPasswordLong) {
			return domain.Paste{}, domain.ErrPasswordTooLong
		}
		if err != nil {
			return domain.Paste{}, errors.Wrap(err, "failed to hash password")
		}
	}

	now := p.now().UnixMilli()
	paste := domain.Paste{
		Content:      params.Content,
		Type:         typ,
		CreatedAt:    now,
		PasswordHash: pwHash,
		FileName:     params.FileName,
	}
	if params.ExpiresIn > 0 {
		paste.ExpiresAt = now + params.ExpiresIn*1000
	}

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := p.ids.Generate()
		if err != nil {
			return domain.Paste{}, errors.Wrap(err, "gen id")
		}
		paste.ID = id
		created, err := p.store.Create(ctx, paste)
		if err == nil {
			metrics.PasteCreated.WithLabelValues(string(typ)).Inc()
			util.Info().
				Str("request_id", util.GetRequestID(ctx)).
				Str("id", id).
				Str("type", string(typ)).
				Bool("protected", pwHash != "").
				Int64("expires_at", paste.ExpiresAt).
				Msg("paste created")
			return created, nil
		}
		if !errors.Is(err, db.ErrConflict) {
			return domain.Paste{}, errors.Wrap(err, "create paste")
		}
		metrics.IDCollisions.Inc()
		util.Warn().Str("id", id).Int("attempt", attempt+1).Msg("paste id collision")
	}
	return domain.Paste{}, domain.ErrIDGenerationFailed
}

// load fetches id and enforces lazy expiry: an expired paste is deleted
// before the caller sees ErrPasteNotFound. An id no generator could have
// produced is answered as not found without touching the store.
func (p *Paste) load(ctx context.Context, id string) (domain.Paste, error) {
	if !util.ValidID(id) {
		return domain.Paste{}, domain.ErrPasteNotFound
	}
	paste, err := p.store.Get(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return domain.Paste{}, domain.ErrPasteNotFound
	}
	if err != nil {
		return domain.Paste{}, errors.Wrap(err, "get paste")
	}
	return p.checkExpiry(ctx, paste)
}

func (p *Paste) checkExpiry(ctx context.Context, paste domain.Paste) (domain.Paste, error) {
	if !paste.Expired(p.now()) {
		return paste, nil
	}
	if err := p.store.Delete(ctx, paste.ID); err != nil {
		util.Warn().
			Err(err).
			Str("request_id", util.GetRequestID(ctx)).
			Str("id", paste.ID).
			Msg("failed to delete expired paste")
	}
	metrics.PasteExpired.Inc()
	util.Debug().Str("id", paste.ID).Msg("paste expired on read")
	return domain.Paste{}, domain.ErrPasteNotFound
}

// GetMetadata returns the paste, or only passwordRequired=true when it is
// protected.
func (p *Paste) GetMetadata(ctx context.Context, id string) (domain.Paste, bool, error) {
	paste, err := p.load(ctx, id)
	if err != nil {
		return domain.Paste{}, false, err
	}
	if paste.Protected() {
		return domain.Paste{}, true, nil
	}
	metrics.PasteRetrieved.WithLabelValues("metadata").Inc()
	return paste, false, nil
}

// GetRaw returns the paste body in its own media type. A miss is retried a
// bounded number of times to ride out store replication lag.
func (p *Paste) GetRaw(ctx context.Context, id string) (domain.Raw, error) {
	if !util.ValidID(id) {
		return domain.Raw{}, domain.ErrPasteNotFound
	}
	var paste domain.Paste
	for attempt := 0; ; attempt++ {
		var err error
		paste, err = p.store.Get(ctx, id)
		if err == nil {
			break
		}
		if !errors.Is(err, db.ErrNotFound) {
			return domain.Raw{}, errors.Wrap(err, "get paste")
		}
		if attempt >= p.cfg.RawRetries {
			return domain.Raw{}, domain.ErrPasteNotFound
		}
		metrics.RawRetries.Inc()
		if err := p.sleep(ctx, p.cfg.RawRetryDelay); err != nil {
			return domain.Raw{}, errors.Wrap(err, "raw retry")
		}
	}
	paste, err := p.checkExpiry(ctx, paste)
	if err != nil {
		return domain.Raw{}, err
	}
	if paste.Protected() {
		return domain.Raw{}, domain.ErrForbidden
	}
	raw, err := decodeRaw(paste)
	if err != nil {
		util.Error().
			Str("request_id", util.GetRequestID(ctx)).
			Str("id", id).
			Msg("stored paste has malformed content")
		return domain.Raw{}, err
	}
	metrics.PasteRetrieved.WithLabelValues("raw").Inc()
	return raw, nil
}

func decodeRaw(paste domain.Paste) (domain.Raw, error) {
	switch paste.Type {
	case domain.TypeText:
		return domain.Raw{
			Body:        []byte(paste.Content),
			ContentType: "text/plain; charset=utf-8",
		}, nil
	case domain.TypeImage:
		m := dataURLPattern.FindStringSubmatch(paste.Content)
		if m == nil {
			return domain.Raw{}, domain.ErrInvalidImageData
		}
		body, err := base64.StdEncoding.DecodeString(m[2])
		if err != nil {
			return domain.Raw{}, domain.ErrInvalidImageData
		}
		return domain.Raw{Body: body, ContentType: m[1], FileName: paste.FileName}, nil
	default:
		return domain.Raw{}, domain.ErrUnsupportedType
	}
}

// Verify checks password against a protected paste and returns the full
// record on a match.
func (p *Paste) Verify(ctx context.Context, id, password string) (domain.Paste, error) {
	if password == "" {
		return domain.Paste{}, domain.ErrPasswordRequired
	}
	paste, err := p.load(ctx, id)
	if err != nil {
		return domain.Paste{}, err
	}
	if !paste.Protected() {
		return domain.Paste{}, domain.ErrNotProtected
	}
	ok, err := p.hasher.Verify(ctx, password, paste.PasswordHash)
	if err != nil {
		return domain.Paste{}, errors.Wrap(err, "verify password")
	}
	if !ok {
		metrics.VerifyFailures.Inc()
		return domain.Paste{}, domain.ErrInvalidPassword
	}
	metrics.PasteRetrieved.WithLabelValues("verify").Inc()
	return paste, nil
}

// Sweep removes every paste already past its expiry.
func (p *Paste) Sweep(ctx context.Context) (int, error) {
	n, err := p.store.DeleteExpired(ctx, p.now())
	if err != nil {
		return n, errors.Wrap(err, "sweep")
	}
	metrics.SweepCycles.Inc()
	metrics.SweepDeleted.Add(float64(n))
	return n, nil
}

// StartSweeper runs Sweep every interval until ctx is done. Lazy expiry on
// read stays in force whether or not the sweeper runs.
func (p *Paste) StartSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	if !p.sweeping.CompareAndSwap(false, true) {
		return errors.New("sweeper already running")
	}
	p.sweepWg.Add(1)
	go p.runSweeper(ctx, interval)
	return nil
}

func (p *Paste) runSweeper(ctx context.Context, interval time.Duration) {
	defer p.sweepWg.Done()
	defer p.sweeping.Store(false)
	sweepRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, sweepRequestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", sweepRequestID).
		Dur("interval", interval).
		Msg("expiry sweeper started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", sweepRequestID).
				Msg("expiry sweeper shutting down")
			return
		case <-ticker.C:
			deleted, err := p.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				util.Error().
					Err(err).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("sweep failed")
			} else if deleted > 0 {
				util.Info().
					Int("deleted", deleted).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("sweep completed")
			}
		}
	}
}

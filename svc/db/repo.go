package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Record is anything Repo can persist: it names its own key and expiry.
type Record interface {
	RecordID() string
	RecordExpiry() time.Time
}

// Repo is a typed view over a KV backend. Records are JSON-encoded under
// "<prefix>:<id>".
type Repo[T Record] struct {
	kv     KV
	prefix string
}

func NewRepo[T Record](kv KV, prefix string) *Repo[T] {
	return &Repo[T]{kv: kv, prefix: prefix}
}

func (r *Repo[T]) key(id string) string {
	return r.prefix + ":" + id
}

// Create fails with ErrConflict rather than overwrite an existing record.
func (r *Repo[T]) Create(ctx context.Context, rec T) (T, error) {
	var zero T
	if rec.RecordID() == "" {
		return zero, errors.New("record id is empty")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return zero, errors.Wrap(err, "marshal record")
	}
	if err := r.kv.Insert(ctx, r.key(rec.RecordID()), data, rec.RecordExpiry()); err != nil {
		return zero, errors.Wrapf(err, "create %s", rec.RecordID())
	}
	return rec, nil
}

func (r *Repo[T]) Get(ctx context.Context, id string) (T, error) {
	var rec T
	data, err := r.kv.Get(ctx, r.key(id))
	if err != nil {
		return rec, errors.Wrapf(err, "get %s", id)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, errors.Wrapf(err, "unmarshal %s", id)
	}
	return rec, nil
}

func (r *Repo[T]) Exists(ctx context.Context, id string) (bool, error) {
	ok, err := r.kv.Exists(ctx, r.key(id))
	return ok, errors.Wrapf(err, "exists %s", id)
}

func (r *Repo[T]) Delete(ctx context.Context, id string) error {
	return errors.Wrapf(r.kv.Delete(ctx, r.key(id)), "delete %s", id)
}

func (r *Repo[T]) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	n, err := r.kv.DeleteExpired(ctx, before)
	return n, errors.Wrap(err, "delete expired")
}

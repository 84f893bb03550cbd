package db

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"pastelink/metrics"
	"pastelink/pkg/kms"
	"pastelink/svc/util"
)

const sealedVersion byte = 1

var ErrCorruptEnvelope = errors.New("corrupt sealed envelope")

// Sealed encrypts values before they reach the wrapped KV. Every value gets
// a fresh data key, wrapped by the KMS adapter with the record key as AAD:
//
//	version(1) | len(wrapped)(2) | wrapped DEK | nonce+ciphertext
type Sealed struct {
	KV
	kms   *kms.Adapter
	cache *kms.KEKCache
}

func NewSealed(inner KV, adapter *kms.Adapter, cache *kms.KEKCache) *Sealed {
	return &Sealed{KV: inner, kms: adapter, cache: cache}
}

func (s *Sealed) Insert(ctx context.Context, key string, val []byte, expiresAt time.Time) error {
	dek, err := kms.GenerateDEK()
	if err != nil {
		return errors.Wrap(err, "generate dek")
	}
	defer util.Wipe(dek)
	aad := []byte(key)
	wrapped, err := s.kms.Encrypt(ctx, dek, aad)
	if err != nil {
		return errors.Wrap(err, "wrap dek")
	}
	if len(wrapped) > 0xffff {
		return errors.New("wrapped dek too large")
	}
	ct, err := kms.Seal(val, dek, aad)
	if err != nil {
		return errors.Wrap(err, "seal value")
	}
	env := make([]byte, 0, 3+len(wrapped)+len(ct))
	env = append(env, sealedVersion)
	env = binary.BigEndian.AppendUint16(env, uint16(len(wrapped)))
	env = append(env, wrapped...)
	env = append(env, ct...)
	metrics.SealOps.WithLabelValues("seal").Inc()
	return s.KV.Insert(ctx, key, env, expiresAt)
}

func (s *Sealed) Get(ctx context.Context, key string) ([]byte, error) {
	env, err := s.KV.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(env) < 3 || env[0] != sealedVersion {
		return nil, ErrCorruptEnvelope
	}
	n := int(binary.BigEndian.Uint16(env[1:3]))
	if len(env) < 3+n {
		return nil, ErrCorruptEnvelope
	}
	wrapped, ct := env[3:3+n], env[3+n:]
	aad := []byte(key)
	dek, err := s.cache.Unwrap(ctx, wrapped, aad)
	if err != nil {
		return nil, errors.Wrap(err, "unwrap dek")
	}
	defer util.Wipe(dek)
	pt, err := kms.Open(ct, dek, aad)
	if err != nil {
		return nil, errors.Wrap(err, "open value")
	}
	metrics.SealOps.WithLabelValues("open").Inc()
	return pt, nil
}

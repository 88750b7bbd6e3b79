// Package store implements the persistence layer: an encrypted-at-rest
// credential store for AuthRecord and a config store for Connection and
// Action definitions keyed by TRN.
package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/openact/openactmodel"
	"github.com/GoCodeAlone/openact/pkg/fieldcrypt"
)

// CredentialStore is a polymorphic AuthRecord store: a compare-and-swap map
// from auth-ref TRN to AuthRecord, with TTL cleanup and a linearizable CAS
// as the one primitive every backend must get right.
type CredentialStore interface {
	Get(ctx context.Context, authTRN string) (*openactmodel.AuthRecord, error)
	Put(ctx context.Context, authTRN string, rec *openactmodel.AuthRecord) error
	Delete(ctx context.Context, authTRN string) (bool, error)
	CompareAndSwap(ctx context.Context, authTRN string, expected, updated *openactmodel.AuthRecord) (bool, error)
	ListRefs(ctx context.Context) ([]string, error)
	Count(ctx context.Context) (int, error)
	CleanupExpired(ctx context.Context, now time.Time) (int, error)
}

// fieldCipher encrypts/decrypts the sensitive subfields of an AuthRecord
// (access_token, refresh_token, and extra when non-nil). With no KeyRing
// configured it falls back to base64 — development-only, logged once per
// process at Warn so the fallback can never go unnoticed in production.
type fieldCipher struct {
	ring   fieldcrypt.KeyRing
	tenant string
	logger *slog.Logger

	warnOnce sync.Once
}

func newFieldCipher(ring fieldcrypt.KeyRing, tenant string, logger *slog.Logger) *fieldCipher {
	if logger == nil {
		logger = slog.Default()
	}
	return &fieldCipher{ring: ring, tenant: tenant, logger: logger}
}

func (c *fieldCipher) encrypt(ctx context.Context, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	if c.ring == nil {
		c.warnOnce.Do(func() {
			c.logger.Warn("credential store: no KeyRing configured, falling back to base64 (development only)")
		})
		return "b64:" + base64.StdEncoding.EncodeToString([]byte(plaintext)), nil
	}
	key, version, err := c.ring.CurrentKey(ctx, c.tenant)
	if err != nil {
		return "", &openactmodel.StorageError{Cause: fmt.Errorf("credential store: key lookup: %w", err)}
	}
	return fieldcrypt.Encrypt(plaintext, key, version)
}

func (c *fieldCipher) decrypt(ctx context.Context, ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	if len(ciphertext) > 4 && ciphertext[:4] == "b64:" {
		raw, err := base64.StdEncoding.DecodeString(ciphertext[4:])
		if err != nil {
			return "", &openactmodel.CorruptionError{Cause: fmt.Errorf("credential store: base64 decode: %w", err)}
		}
		return string(raw), nil
	}
	if c.ring == nil {
		return "", &openactmodel.CorruptionError{Cause: fmt.Errorf("credential store: value is encrypted but no KeyRing is configured")}
	}
	plaintext, err := fieldcrypt.Decrypt(ciphertext, func(version int) ([]byte, error) {
		return c.ring.KeyByVersion(ctx, c.tenant, version)
	})
	if err != nil {
		return "", &openactmodel.CorruptionError{Cause: fmt.Errorf("credential store: decrypting field: %w", err)}
	}
	return plaintext, nil
}

func (c *fieldCipher) encryptRecord(ctx context.Context, rec *openactmodel.AuthRecord) (*openactmodel.AuthRecord, error) {
	cp := *rec
	var err error
	if cp.AccessToken, err = c.encrypt(ctx, cp.AccessToken); err != nil {
		return nil, err
	}
	if cp.RefreshToken, err = c.encrypt(ctx, cp.RefreshToken); err != nil {
		return nil, err
	}
	if rec.Extra != nil {
		raw, err := json.Marshal(rec.Extra)
		if err != nil {
			return nil, &openactmodel.ValidationError{Msg: fmt.Sprintf("credential store: encoding extra: %v", err)}
		}
		enc, err := c.encrypt(ctx, string(raw))
		if err != nil {
			return nil, err
		}
		cp.Extra = map[string]any{"__encrypted": enc}
	}
	return &cp, nil
}

func (c *fieldCipher) decryptRecord(ctx context.Context, rec *openactmodel.AuthRecord) (*openactmodel.AuthRecord, error) {
	cp := *rec
	var err error
	if cp.AccessToken, err = c.decrypt(ctx, cp.AccessToken); err != nil {
		return nil, withRef(err, rec.TRN)
	}
	if cp.RefreshToken, err = c.decrypt(ctx, cp.RefreshToken); err != nil {
		return nil, withRef(err, rec.TRN)
	}
	if enc, ok := rec.Extra["__encrypted"].(string); ok {
		raw, err := c.decrypt(ctx, enc)
		if err != nil {
			return nil, withRef(err, rec.TRN)
		}
		var extra map[string]any
		if err := json.Unmarshal([]byte(raw), &extra); err != nil {
			return nil, &openactmodel.CorruptionError{Ref: rec.TRN, Cause: fmt.Errorf("decoding extra: %w", err)}
		}
		cp.Extra = extra
	}
	return &cp, nil
}

// withRef stamps a CorruptionError with the record's TRN so a caller can
// tell which record is unreadable without unwrapping further.
func withRef(err error, ref string) error {
	var ce *openactmodel.CorruptionError
	if errors.As(err, &ce) {
		ce.Ref = ref
		return ce
	}
	return err
}

// MemoryCredentialStore is the default CredentialStore: a mutex-guarded map
// good enough for tests and single-process deployments. Every mutation
// holds the lock for its full duration, so a concurrent Get sees either the
// pre- or post-state and never a partial write.
type MemoryCredentialStore struct {
	cipher *fieldCipher

	mu      sync.Mutex
	records map[string]*openactmodel.AuthRecord // encrypted at rest, even in memory
}

// NewMemoryCredentialStore builds an empty store. ring may be nil, in which
// case sensitive fields fall back to base64 (development only).
func NewMemoryCredentialStore(ring fieldcrypt.KeyRing, tenant string) *MemoryCredentialStore {
	return &MemoryCredentialStore{
		cipher:  newFieldCipher(ring, tenant, nil),
		records: make(map[string]*openactmodel.AuthRecord),
	}
}

func (s *MemoryCredentialStore) Get(ctx context.Context, authTRN string) (*openactmodel.AuthRecord, error) {
	s.mu.Lock()
	enc, ok := s.records[authTRN]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	cp := *enc
	return s.cipher.decryptRecord(ctx, &cp)
}

func (s *MemoryCredentialStore) Put(ctx context.Context, authTRN string, rec *openactmodel.AuthRecord) error {
	enc, err := s.cipher.encryptRecord(ctx, rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[authTRN]; ok {
		enc.CreatedAt = existing.CreatedAt
	} else if enc.CreatedAt.IsZero() {
		enc.CreatedAt = rec.UpdatedAt
	}
	s.records[authTRN] = enc
	return nil
}

func (s *MemoryCredentialStore) Delete(ctx context.Context, authTRN string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[authTRN]
	delete(s.records, authTRN)
	return ok, nil
}

// CompareAndSwap mutates iff the stored record's plaintext view byte-equals
// expected under the same read, holding the store lock for the full
// read-compare-write so no concurrent writer can interleave.
func (s *MemoryCredentialStore) CompareAndSwap(ctx context.Context, authTRN string, expected, updated *openactmodel.AuthRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc, ok := s.records[authTRN]
	var current *openactmodel.AuthRecord
	if ok {
		decoded, err := s.cipher.decryptRecord(ctx, enc)
		if err != nil {
			return false, err
		}
		current = decoded
	}

	if !recordsEqual(current, expected) {
		return false, nil
	}

	if updated == nil {
		delete(s.records, authTRN)
		return true, nil
	}

	encUpdated, err := s.cipher.encryptRecord(ctx, updated)
	if err != nil {
		return false, err
	}
	if ok {
		encUpdated.CreatedAt = enc.CreatedAt
	}
	s.records[authTRN] = encUpdated
	return true, nil
}

func recordsEqual(a, b *openactmodel.AuthRecord) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (s *MemoryCredentialStore) ListRefs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.records))
	for k := range s.records {
		out = append(out, k)
	}
	return out, nil
}

func (s *MemoryCredentialStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records), nil
}

// CleanupExpired deletes every record whose ExpiresAt is before now,
// returning the number removed.
func (s *MemoryCredentialStore) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, rec := range s.records {
		decoded, err := s.cipher.decryptRecord(ctx, rec)
		if err != nil {
			continue
		}
		if decoded.ExpiresAt != nil && decoded.ExpiresAt.Before(now) {
			delete(s.records, k)
			removed++
		}
	}
	return removed, nil
}

package store

import (
	"context"
	"testing"
	"time"

	"github.com/GoCodeAlone/openact/openactmodel"
	"github.com/GoCodeAlone/openact/pkg/fieldcrypt"
)

func testKeyRing() fieldcrypt.KeyRing {
	return fieldcrypt.NewLocalKeyRing([]byte("0123456789abcdef0123456789abcdef"))
}

func TestCredentialStoreRoundTripsEncryptedFields(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCredentialStore(testKeyRing(), "default")

	rec := &openactmodel.AuthRecord{
		TRN:          "trn:openact:default:auth/prov-u1",
		AccessToken:  "secret-access-token",
		RefreshToken: "secret-refresh-token",
		TokenType:    "Bearer",
		Extra:        map[string]any{"id_token": "abc"},
	}
	if err := s.Put(ctx, rec.TRN, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, rec.TRN)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AccessToken != "secret-access-token" {
		t.Errorf("AccessToken = %q", got.AccessToken)
	}
	if got.RefreshToken != "secret-refresh-token" {
		t.Errorf("RefreshToken = %q", got.RefreshToken)
	}
	if got.Extra["id_token"] != "abc" {
		t.Errorf("Extra = %v", got.Extra)
	}
}

func TestCredentialStoreGetMissingReturnsNil(t *testing.T) {
	s := NewMemoryCredentialStore(testKeyRing(), "default")
	got, err := s.Get(context.Background(), "trn:openact:default:auth/missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Errorf("got = %v, want nil", got)
	}
}

func TestCredentialStoreDeleteReportsExistence(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCredentialStore(testKeyRing(), "default")
	rec := &openactmodel.AuthRecord{TRN: "trn:openact:default:auth/prov-u1", AccessToken: "tok"}
	_ = s.Put(ctx, rec.TRN, rec)

	existed, err := s.Delete(ctx, rec.TRN)
	if err != nil || !existed {
		t.Fatalf("Delete = %v, %v, want true, nil", existed, err)
	}
	existed, err = s.Delete(ctx, rec.TRN)
	if err != nil || existed {
		t.Fatalf("second Delete = %v, %v, want false, nil", existed, err)
	}
}

func TestCredentialStoreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCredentialStore(testKeyRing(), "default")
	trn := "trn:openact:default:auth/prov-u1"
	original := &openactmodel.AuthRecord{TRN: trn, AccessToken: "old", TokenType: "Bearer"}
	if err := s.Put(ctx, trn, original); err != nil {
		t.Fatalf("Put: %v", err)
	}

	updated := &openactmodel.AuthRecord{TRN: trn, AccessToken: "new", TokenType: "Bearer"}
	ok, err := s.CompareAndSwap(ctx, trn, original, updated)
	if err != nil || !ok {
		t.Fatalf("CompareAndSwap = %v, %v, want true, nil", ok, err)
	}

	got, _ := s.Get(ctx, trn)
	if got.AccessToken != "new" {
		t.Errorf("AccessToken = %q after swap", got.AccessToken)
	}

	// A second CAS against the stale "original" expected value must fail:
	// the stored record has already moved to "new".
	ok, err = s.CompareAndSwap(ctx, trn, original, &openactmodel.AuthRecord{TRN: trn, AccessToken: "third"})
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if ok {
		t.Error("CompareAndSwap against a stale expected value should fail")
	}
}

func TestCredentialStoreCleanupExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCredentialStore(testKeyRing(), "default")
	now := time.Unix(1_700_000_000, 0)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	_ = s.Put(ctx, "trn:openact:default:auth/expired", &openactmodel.AuthRecord{TRN: "trn:openact:default:auth/expired", AccessToken: "a", ExpiresAt: &past})
	_ = s.Put(ctx, "trn:openact:default:auth/fresh", &openactmodel.AuthRecord{TRN: "trn:openact:default:auth/fresh", AccessToken: "b", ExpiresAt: &future})

	removed, err := s.CleanupExpired(ctx, now)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	count, _ := s.Count(ctx)
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestCredentialStoreListRefsAndCount(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCredentialStore(testKeyRing(), "default")
	_ = s.Put(ctx, "trn:openact:default:auth/a", &openactmodel.AuthRecord{TRN: "trn:openact:default:auth/a", AccessToken: "a"})
	_ = s.Put(ctx, "trn:openact:default:auth/b", &openactmodel.AuthRecord{TRN: "trn:openact:default:auth/b", AccessToken: "b"})

	refs, err := s.ListRefs(ctx)
	if err != nil || len(refs) != 2 {
		t.Fatalf("ListRefs = %v, %v, want 2 entries", refs, err)
	}
	count, _ := s.Count(ctx)
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestCredentialStoreFallsBackToBase64WithoutKeyRing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCredentialStore(nil, "default")
	rec := &openactmodel.AuthRecord{TRN: "trn:openact:default:auth/prov-u1", AccessToken: "tok"}
	if err := s.Put(ctx, rec.TRN, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, rec.TRN)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AccessToken != "tok" {
		t.Errorf("AccessToken = %q", got.AccessToken)
	}
}

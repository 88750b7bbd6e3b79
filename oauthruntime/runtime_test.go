package oauthruntime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GoCodeAlone/openact/openactmodel"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]*openactmodel.AuthRecord
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*openactmodel.AuthRecord)}
}

func (s *memStore) Get(_ context.Context, authTRN string) (*openactmodel.AuthRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[authTRN]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *memStore) Put(_ context.Context, authTRN string, rec *openactmodel.AuthRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[authTRN] = &cp
	return nil
}

func (s *memStore) CompareAndSwap(_ context.Context, authTRN string, expected, updated *openactmodel.AuthRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[authTRN]
	if !ok || !cur.Equal(*expected) {
		return false, nil
	}
	cp := *updated
	s.records[authTRN] = &cp
	return true, nil
}

func TestGetClientCredentialsTokenSingleFlight(t *testing.T) {
	var hits int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`))
	}))
	defer ts.Close()

	rt := New(newMemStore())
	conn := &openactmodel.Connection{
		Name: "widgets",
		AuthParameters: openactmodel.AuthParameters{
			OAuth2: &openactmodel.OAuth2AuthParameters{
				TokenURL:     ts.URL,
				ClientID:     "client",
				ClientSecret: "secret",
			},
		},
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := rt.GetClientCredentialsToken(context.Background(), "default", conn)
			if err != nil {
				t.Errorf("GetClientCredentialsToken: %v", err)
				return
			}
			if out.Token.AccessToken != "tok-1" {
				t.Errorf("access token = %q", out.Token.AccessToken)
			}
		}()
	}
	wg.Wait()

	if hits != 1 {
		t.Errorf("token endpoint hit %d times, want 1 (single-flight)", hits)
	}
}

func TestGetClientCredentialsTokenReusesCache(t *testing.T) {
	var hits int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.Write([]byte(`{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`))
	}))
	defer ts.Close()

	rt := New(newMemStore())
	conn := &openactmodel.Connection{
		Name: "widgets",
		AuthParameters: openactmodel.AuthParameters{
			OAuth2: &openactmodel.OAuth2AuthParameters{TokenURL: ts.URL, ClientID: "c", ClientSecret: "s"},
		},
	}

	ctx := context.Background()
	first, err := rt.GetClientCredentialsToken(ctx, "default", conn)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if first.Kind != openactmodel.TokenFresh {
		t.Errorf("first outcome = %v, want fresh", first.Kind)
	}

	second, err := rt.GetClientCredentialsToken(ctx, "default", conn)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if second.Kind != openactmodel.TokenReused {
		t.Errorf("second outcome = %v, want reused", second.Kind)
	}
	if hits != 1 {
		t.Errorf("token endpoint hit %d times, want 1", hits)
	}
}

func TestRefreshAuthorizationCodeNoRecordRequiresAuth(t *testing.T) {
	rt := New(newMemStore())
	p := &openactmodel.OAuth2AuthParameters{AuthRef: "trn:openact:default:auth/oauth2_ac-acme"}
	_, err := rt.RefreshAuthorizationCode(context.Background(), p, false)
	var authErr *openactmodel.AuthRequiredError
	if err == nil {
		t.Fatal("expected AuthRequiredError, got nil")
	}
	if !asAuthRequired(err, &authErr) {
		t.Errorf("err = %v, want *AuthRequiredError", err)
	}
}

func asAuthRequired(err error, target **openactmodel.AuthRequiredError) bool {
	if e, ok := err.(*openactmodel.AuthRequiredError); ok {
		*target = e
		return true
	}
	return false
}

func TestRefreshAuthorizationCodeExchangesRefreshToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := url.ParseQuery(readBody(r))
		if body.Get("grant_type") != "refresh_token" {
			t.Errorf("grant_type = %q", body.Get("grant_type"))
		}
		if body.Get("refresh_token") != "old-refresh" {
			t.Errorf("refresh_token = %q", body.Get("refresh_token"))
		}
		w.Write([]byte(`{"access_token":"new-access","token_type":"Bearer","expires_in":60,"refresh_token":"new-refresh"}`))
	}))
	defer ts.Close()

	store := newMemStore()
	expired := time.Now().Add(-time.Hour)
	authRef := "trn:openact:default:auth/oauth2_ac-acme"
	store.records[authRef] = &openactmodel.AuthRecord{
		TRN:          authRef,
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		TokenType:    "Bearer",
		ExpiresAt:    &expired,
	}

	rt := New(store)
	p := &openactmodel.OAuth2AuthParameters{AuthRef: authRef, TokenURL: ts.URL, ClientID: "c", ClientSecret: "s"}

	out, err := rt.RefreshAuthorizationCode(context.Background(), p, false)
	if err != nil {
		t.Fatalf("RefreshAuthorizationCode: %v", err)
	}
	if out.Kind != openactmodel.TokenRefreshed {
		t.Errorf("kind = %v, want refreshed", out.Kind)
	}
	if out.Token.AccessToken != "new-access" {
		t.Errorf("access token = %q", out.Token.AccessToken)
	}

	stored, _ := store.Get(context.Background(), authRef)
	if stored.RefreshToken != "new-refresh" {
		t.Errorf("stored refresh token = %q, want rotated value", stored.RefreshToken)
	}
}

func readBody(r *http.Request) string {
	buf := make([]byte, r.ContentLength)
	_, _ = r.Body.Read(buf)
	return string(buf)
}

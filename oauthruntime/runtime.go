// Package oauthruntime implements the OAuth runtime: the component that
// produces a valid access token for either grant variant supported by a
// Connection.
//
// Client Credentials tokens are never persisted as a freestanding concept;
// they are cached in memory and mirrored into the credential store under
// the connection's canonical auth ref (trn.CCAuthRef) so that a restart
// finds a still-valid token instead of minting a new one immediately.
// Authorization Code tokens are always store-backed: the runtime only
// refreshes them, it never originates the first grant (that is
// oauth2.authorize_redirect / oauth2.await_callback, in package handlers).
//
// The in-process cache and single-flight dedupe are grounded on
// pipeline_step_http_call.go's globalOAuthCache / oauthCacheEntry pattern:
// one cache entry per (token URL, client ID, scope) tuple, each guarded by
// its own singleflight.Group so concurrent callers for the same credential
// share one token-endpoint round trip while unrelated credentials never
// block each other.
package oauthruntime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/GoCodeAlone/openact/openactmodel"
	"github.com/GoCodeAlone/openact/trn"
)

// skewMargin is subtracted from a token's reported expiry before comparing
// it against "now", so a token about to expire mid-request is refreshed
// instead of handed out.
const skewMargin = 60 * time.Second

// Store is the slice of the credential store the runtime needs: reading and
// writing the AuthRecord that backs a connection's token.
type Store interface {
	Get(ctx context.Context, authTRN string) (*openactmodel.AuthRecord, error)
	Put(ctx context.Context, authTRN string, rec *openactmodel.AuthRecord) error
	CompareAndSwap(ctx context.Context, authTRN string, expected, updated *openactmodel.AuthRecord) (bool, error)
}

type cacheEntry struct {
	mu      sync.Mutex
	token   openactmodel.TokenInfo
	sfGroup singleflight.Group
}

// Runtime is the OAuth2 token provider shared by every connection using
// oauth2_client_credentials or oauth2_authorization_code auth.
type Runtime struct {
	Store      Store
	HTTPClient *http.Client
	Now        func() time.Time
	Logger     *slog.Logger

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

// New builds a Runtime with the given store and an http.Client with a
// sane default timeout for token-endpoint calls.
func New(store Store) *Runtime {
	return &Runtime{
		Store:      store,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Now:        time.Now,
		cache:      make(map[string]*cacheEntry),
	}
}

func (r *Runtime) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Runtime) entryFor(key string) *cacheEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[key]
	if !ok {
		e = &cacheEntry{}
		r.cache[key] = e
	}
	return e
}

func ccCacheKey(p *openactmodel.OAuth2AuthParameters) string {
	return p.TokenURL + "|" + p.ClientID + "|" + strings.Join(p.Scopes, ",")
}

// GetClientCredentialsToken returns a valid access token for conn, which
// must have AuthorizationType == AuthOAuth2ClientCredentials. It checks the
// in-memory cache, then the credential store, and only calls the token
// endpoint if neither holds an unexpired token; concurrent callers for the
// same connection share one in-flight fetch.
func (r *Runtime) GetClientCredentialsToken(ctx context.Context, tenant string, conn *openactmodel.Connection) (*openactmodel.TokenOutcome, error) {
	p := conn.AuthParameters.OAuth2
	if p == nil {
		return nil, &openactmodel.ValidationError{Msg: "connection has no oauth2_auth_parameters"}
	}

	key := ccCacheKey(p)
	entry := r.entryFor(key)

	entry.mu.Lock()
	if !entry.token.ExpiresAt.IsZero() && r.Now().Before(entry.token.ExpiresAt.Add(-skewMargin)) {
		tok := entry.token
		entry.mu.Unlock()
		return &openactmodel.TokenOutcome{Kind: openactmodel.TokenReused, Token: tok}, nil
	}
	entry.mu.Unlock()

	authTRN := trn.CCAuthRef(tenant, conn.Name).String()
	if rec, err := r.Store.Get(ctx, authTRN); err == nil && rec != nil {
		if rec.ExpiresAt != nil && r.Now().Before(rec.ExpiresAt.Add(-skewMargin)) {
			tok := openactmodel.TokenInfo{AccessToken: rec.AccessToken, TokenType: rec.TokenType, ExpiresAt: *rec.ExpiresAt}
			entry.mu.Lock()
			entry.token = tok
			entry.mu.Unlock()
			return &openactmodel.TokenOutcome{Kind: openactmodel.TokenReused, Token: tok}, nil
		}
	}

	v, err, _ := entry.sfGroup.Do(key, func() (any, error) {
		tok, err := r.fetchClientCredentialsToken(ctx, p)
		if err != nil {
			return nil, err
		}
		entry.mu.Lock()
		entry.token = *tok
		entry.mu.Unlock()

		rec := &openactmodel.AuthRecord{
			TRN:         authTRN,
			AccessToken: tok.AccessToken,
			TokenType:   tok.TokenType,
			ExpiresAt:   &tok.ExpiresAt,
			Scope:       strings.Join(p.Scopes, " "),
			CreatedAt:   r.Now(),
			UpdatedAt:   r.Now(),
		}
		if err := r.Store.Put(ctx, authTRN, rec); err != nil {
			return nil, &openactmodel.StorageError{Cause: err}
		}
		r.logger().Info("oauthruntime: fetched client credentials token", "auth_ref", authTRN, "record", rec.Redacted())
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	return &openactmodel.TokenOutcome{Kind: openactmodel.TokenFresh, Token: *v.(*openactmodel.TokenInfo)}, nil
}

// RefreshAuthorizationCode loads the AuthRecord at p.AuthRef, and if it is
// expired (within skewMargin) or force is true, exchanges its refresh_token
// for a new access token via the grant_type=refresh_token flow, persisting
// the result back with optimistic compare-and-swap.
func (r *Runtime) RefreshAuthorizationCode(ctx context.Context, p *openactmodel.OAuth2AuthParameters, force bool) (*openactmodel.TokenOutcome, error) {
	if p.AuthRef == "" {
		return nil, &openactmodel.ValidationError{Msg: "oauth2_authorization_code connection has no auth_ref"}
	}

	rec, err := r.Store.Get(ctx, p.AuthRef)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &openactmodel.AuthRequiredError{Msg: fmt.Sprintf("no credential stored at %s; run the authorization-code flow first", p.AuthRef)}
	}

	if !force && rec.ExpiresAt != nil && r.Now().Before(rec.ExpiresAt.Add(-skewMargin)) {
		return &openactmodel.TokenOutcome{
			Kind: openactmodel.TokenReused,
			Token: openactmodel.TokenInfo{
				AccessToken: rec.AccessToken,
				TokenType:   rec.TokenType,
				ExpiresAt:   *rec.ExpiresAt,
			},
		}, nil
	}

	if rec.RefreshToken == "" {
		return nil, &openactmodel.AuthRequiredError{Msg: fmt.Sprintf("credential at %s has expired and carries no refresh_token", p.AuthRef)}
	}

	tok, newRefreshToken, err := r.fetchRefreshedToken(ctx, p, rec.RefreshToken)
	if err != nil {
		return nil, err
	}

	updated := *rec
	updated.AccessToken = tok.AccessToken
	updated.TokenType = tok.TokenType
	updated.ExpiresAt = &tok.ExpiresAt
	updated.UpdatedAt = r.Now()
	if newRefreshToken != "" {
		updated.RefreshToken = newRefreshToken
	}

	if ok, err := r.Store.CompareAndSwap(ctx, p.AuthRef, rec, &updated); err != nil {
		return nil, err
	} else if !ok {
		// Lost the race to a concurrent refresher; re-read and trust whatever
		// won, rather than retrying the token endpoint again.
		r.logger().Warn("oauthruntime: lost refresh race, re-reading winner", "auth_ref", p.AuthRef)
		latest, err := r.Store.Get(ctx, p.AuthRef)
		if err != nil || latest == nil || latest.ExpiresAt == nil {
			return nil, &openactmodel.StorageError{Cause: fmt.Errorf("refresh race on %s left no usable record", p.AuthRef)}
		}
		return &openactmodel.TokenOutcome{
			Kind: openactmodel.TokenReused,
			Token: openactmodel.TokenInfo{
				AccessToken: latest.AccessToken,
				TokenType:   latest.TokenType,
				ExpiresAt:   *latest.ExpiresAt,
			},
		}, nil
	}

	r.logger().Info("oauthruntime: refreshed authorization code token", "auth_ref", p.AuthRef, "record", updated.Redacted())
	return &openactmodel.TokenOutcome{Kind: openactmodel.TokenRefreshed, Token: *tok}, nil
}

func (r *Runtime) fetchClientCredentialsToken(ctx context.Context, p *openactmodel.OAuth2AuthParameters) (*openactmodel.TokenInfo, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", p.ClientID)
	form.Set("client_secret", p.ClientSecret)
	if len(p.Scopes) > 0 {
		form.Set("scope", strings.Join(p.Scopes, " "))
	}
	return r.postTokenRequest(ctx, p.TokenURL, form)
}

func (r *Runtime) fetchRefreshedToken(ctx context.Context, p *openactmodel.OAuth2AuthParameters, refreshToken string) (*openactmodel.TokenInfo, string, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", p.ClientID)
	form.Set("client_secret", p.ClientSecret)

	tok, raw, err := r.postTokenRequestRaw(ctx, p.TokenURL, form)
	if err != nil {
		return nil, "", err
	}
	newRefresh, _ := raw["refresh_token"].(string)
	return tok, newRefresh, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (r *Runtime) postTokenRequest(ctx context.Context, tokenURL string, form url.Values) (*openactmodel.TokenInfo, error) {
	tok, _, err := r.postTokenRequestRaw(ctx, tokenURL, form)
	return tok, err
}

func (r *Runtime) postTokenRequestRaw(ctx context.Context, tokenURL string, form url.Values) (*openactmodel.TokenInfo, map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, nil, fmt.Errorf("oauthruntime: building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return nil, nil, &openactmodel.TransientError{Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &openactmodel.TransientError{Cause: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, nil, &openactmodel.TransientError{Cause: fmt.Errorf("token endpoint returned HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return nil, nil, &openactmodel.UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, nil, fmt.Errorf("oauthruntime: decoding token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return nil, nil, fmt.Errorf("oauthruntime: token response missing access_token")
	}
	if parsed.TokenType == "" {
		parsed.TokenType = "Bearer"
	}

	var raw map[string]any
	_ = json.Unmarshal(body, &raw)

	expiresIn := parsed.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	return &openactmodel.TokenInfo{
		AccessToken: parsed.AccessToken,
		TokenType:   parsed.TokenType,
		ExpiresAt:   r.Now().Add(time.Duration(expiresIn) * time.Second),
	}, raw, nil
}

// InvalidateClientCredentialsCache drops the in-memory cache entry for conn,
// forcing the next GetClientCredentialsToken call to re-check the store and
// potentially fetch a new token. Called by the executor after a 401 it
// attributes to a stale cached token.
func (r *Runtime) InvalidateClientCredentialsCache(conn *openactmodel.Connection) {
	p := conn.AuthParameters.OAuth2
	if p == nil {
		return
	}
	key := ccCacheKey(p)
	r.mu.Lock()
	entry, ok := r.cache[key]
	r.mu.Unlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	entry.token = openactmodel.TokenInfo{}
	entry.mu.Unlock()
}

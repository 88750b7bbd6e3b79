// Package executor performs the full outbound call: merge connection and
// action, inject auth, send the HTTP request, and retry on transient
// failures.
//
// The backoff/jitter shape and delivery bookkeeping are grounded on
// webhook/retry.go's RetryManager: exponential backoff from a configurable
// base, capped at a max delay, jittered with a crypto-random float rather
// than math/rand. This package adds what that webhook-delivery code never
// needed: Retry-After header parsing (both delta-seconds and HTTP-date
// forms) and a single cache-invalidating retry when a call on an
// oauth2_client_credentials connection comes back 401, grounded on pipeline_step_http_call.go's Execute
// (invalidate, re-fetch the token once, retry the call once more).
package executor

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/GoCodeAlone/openact/authinject"
	"github.com/GoCodeAlone/openact/merge"
	"github.com/GoCodeAlone/openact/openactmodel"
)

// TokenInvalidator is implemented by the OAuth runtime; the executor calls
// it after a 401 against an oauth2_client_credentials connection so the
// next injection attempt fetches a fresh token instead of reusing the one
// that was just rejected.
type TokenInvalidator interface {
	InvalidateClientCredentialsCache(conn *openactmodel.Connection)
}

// Result is the outcome of a successful (2xx) call.
type Result struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Attempts   int
}

// Executor orchestrates one connection+action invocation.
type Executor struct {
	Injector   *authinject.Injector
	Invalidate TokenInvalidator
	HTTPClient *http.Client
	Now        func() time.Time
	Logger     *slog.Logger
}

// New builds an Executor with a default HTTP client and injector.
func New(injector *authinject.Injector, invalidate TokenInvalidator) *Executor {
	return &Executor{
		Injector:   injector,
		Invalidate: invalidate,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		Now:        time.Now,
	}
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Execute merges conn and action, injects auth, sends the request, and
// retries per the effective RetryPolicy.
func (e *Executor) Execute(ctx context.Context, tenant string, conn *openactmodel.Connection, action *openactmodel.Action) (*Result, error) {
	policy := effectiveRetryPolicy(action.RetryPolicy, conn.RetryPolicy)

	merged, err := merge.Merge(conn, action)
	if err != nil {
		return nil, err
	}

	var lastErr error
	retriedOnceForAuth := false

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := e.calcDelay(policy, attempt, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		body, err := merge.CloneBody(merged.Body)
		if err != nil {
			return nil, err
		}
		attemptReq := &openactmodel.MergedRequest{
			Method:      merged.Method,
			URL:         merged.URL,
			Headers:     cloneHeaders(merged.Headers),
			QueryParams: cloneHeaders(merged.QueryParams),
			Body:        body,
		}

		if err := e.Injector.Inject(ctx, tenant, conn, attemptReq); err != nil {
			return nil, err
		}

		result, sendErr := e.send(ctx, attemptReq)
		if sendErr == nil {
			return result, nil
		}

		var upstream *openactmodel.UpstreamError
		if as, ok := sendErr.(*openactmodel.UpstreamError); ok {
			upstream = as
		} else if ru, ok := sendErr.(*retriableUpstream); ok {
			upstream = &ru.UpstreamError
		}

		if upstream != nil && upstream.StatusCode == http.StatusUnauthorized && !retriedOnceForAuth &&
			conn.AuthorizationType == openactmodel.AuthOAuth2ClientCredentials {
			retriedOnceForAuth = true
			if e.Invalidate != nil {
				e.Invalidate.InvalidateClientCredentialsCache(conn)
			}
			e.logger().Warn("executor: retrying once after 401 with invalidated token cache", "connection", conn.TRN)
			attempt-- // this retry doesn't consume a normal retry budget slot
			lastErr = sendErr
			continue
		}

		if upstream != nil && !retriable(policy, upstream.StatusCode) {
			return nil, upstream
		}

		lastErr = sendErr
		e.logger().Warn("executor: attempt failed, retrying", "connection", conn.TRN, "attempt", attempt+1, "error", sendErr)
	}

	e.logger().Error("executor: exhausted retries", "connection", conn.TRN, "error", lastErr)
	return nil, lastErr
}

func (e *Executor) send(ctx context.Context, req *openactmodel.MergedRequest) (*Result, error) {
	var bodyReader io.Reader
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("executor: encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(raw)
	}

	url := req.URL
	if len(req.QueryParams) > 0 {
		url += encodeQuery(req.QueryParams, strings.Contains(url, "?"))
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("executor: building request: %w", err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := e.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, &openactmodel.TransientError{Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &openactmodel.TransientError{Cause: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Result{
			StatusCode: resp.StatusCode,
			Headers:    flattenHeader(resp.Header),
			Body:       respBody,
		}, nil
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &retriableUpstream{
			UpstreamError: openactmodel.UpstreamError{StatusCode: resp.StatusCode, Body: string(respBody)},
			retryAfter:    parseRetryAfter(resp.Header.Get("Retry-After"), e.now()),
		}
	}

	return nil, &openactmodel.UpstreamError{StatusCode: resp.StatusCode, Body: string(respBody)}
}

// retriableUpstream tags a 429 or 5xx UpstreamError with any Retry-After
// delay the server requested; Execute still checks the status against the
// policy's RetryStatusCodes before retrying.
type retriableUpstream struct {
	openactmodel.UpstreamError
	retryAfter time.Duration // 0 means none was given
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// calcDelay computes the wait before the given attempt (1-indexed retry
// number), honoring a server Retry-After if the previous error carried one
// and the policy says to respect it, otherwise falling back to jittered
// exponential backoff.
func (e *Executor) calcDelay(policy openactmodel.RetryPolicy, attempt int, lastErr error) time.Duration {
	if policy.RespectRetryAfter {
		if ru, ok := lastErr.(*retriableUpstream); ok && ru.retryAfter > 0 {
			max := time.Duration(policy.MaxDelayMS) * time.Millisecond
			if ru.retryAfter > max && max > 0 {
				return max
			}
			return ru.retryAfter
		}
	}

	base := float64(policy.BaseDelayMS) * math.Pow(policy.BackoffMultiplier, float64(attempt-1))
	maxDelay := float64(policy.MaxDelayMS)
	if maxDelay > 0 && base > maxDelay {
		base = maxDelay
	}
	jitter := base * 0.1 * (cryptoFloat64()*2 - 1)
	base += jitter
	if base < 0 {
		base = 0
	}
	return time.Duration(base) * time.Millisecond
}

func effectiveRetryPolicy(actionPolicy, connPolicy *openactmodel.RetryPolicy) openactmodel.RetryPolicy {
	if actionPolicy != nil {
		return *actionPolicy
	}
	if connPolicy != nil {
		return *connPolicy
	}
	return openactmodel.DefaultRetryPolicy()
}

func retriable(policy openactmodel.RetryPolicy, statusCode int) bool {
	for _, code := range policy.RetryStatusCodes {
		if code == statusCode {
			return true
		}
	}
	return false
}

func cloneHeaders(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func encodeQuery(params map[string]string, alreadyHasQuery bool) string {
	var b strings.Builder
	sep := "?"
	if alreadyHasQuery {
		sep = "&"
	}
	first := true
	for k, v := range params {
		if first {
			b.WriteString(sep)
			first = false
		} else {
			b.WriteString("&")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(v)
	}
	return b.String()
}

// parseRetryAfter parses a Retry-After header value per RFC 7231: either an
// integer number of seconds, or an HTTP-date in RFC1123, RFC850, or asctime
// form. Integer values are capped at 24 hours; an unparseable value yields
// zero (meaning "no explicit delay requested").
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		d := time.Duration(secs) * time.Second
		if maxDelay := 24 * time.Hour; d > maxDelay {
			d = maxDelay
		}
		if d < 0 {
			d = 0
		}
		return d
	}

	layouts := []string{time.RFC1123, time.RFC850, time.ANSIC}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			if d := t.Sub(now); d > 0 {
				return d
			}
			return 0
		}
	}
	return 0
}

// cryptoFloat64 returns a cryptographically random float64 in [0.0, 1.0).
func cryptoFloat64() float64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return float64(binary.BigEndian.Uint64(b[:])>>(64-53)) / float64(1<<53)
}

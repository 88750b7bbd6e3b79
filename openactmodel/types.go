// Package openactmodel defines the data model shared across the credential
// and action runtime: connections, actions, auth records, and the policies
// that govern how they are merged and retried.
package openactmodel

import (
	"encoding/json"
	"time"

	"github.com/GoCodeAlone/openact/pkg/fieldcrypt"
)

// AuthorizationType is the closed set of authentication schemes a Connection
// may declare.
type AuthorizationType string

const (
	AuthAPIKey                   AuthorizationType = "api_key"
	AuthBasic                    AuthorizationType = "basic"
	AuthOAuth2ClientCredentials  AuthorizationType = "oauth2_client_credentials"
	AuthOAuth2AuthorizationCode  AuthorizationType = "oauth2_authorization_code"
)

// APIKeyAuthParameters configures the ApiKey auth injector.
type APIKeyAuthParameters struct {
	APIKeyName  string `json:"api_key_name" yaml:"api_key_name"`
	APIKeyValue string `json:"api_key_value" yaml:"api_key_value"`
}

// BasicAuthParameters configures the Basic auth injector.
type BasicAuthParameters struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// OAuth2AuthParameters configures either OAuth2 grant variant.
type OAuth2AuthParameters struct {
	TokenURL     string   `json:"token_url" yaml:"token_url"`
	AuthorizeURL string   `json:"authorize_url,omitempty" yaml:"authorize_url,omitempty"`
	ClientID     string   `json:"client_id" yaml:"client_id"`
	ClientSecret string   `json:"client_secret" yaml:"client_secret"`
	Scopes       []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
	RedirectURI  string   `json:"redirect_uri,omitempty" yaml:"redirect_uri,omitempty"`
	// AuthRef names the AuthRecord TRN holding the persisted token for this
	// connection. Required for oauth2_authorization_code.
	AuthRef string `json:"auth_ref,omitempty" yaml:"auth_ref,omitempty"`
}

// AuthParameters is a closed union; exactly one field is populated,
// matching Connection.AuthorizationType.
type AuthParameters struct {
	APIKey *APIKeyAuthParameters `json:"api_key_auth_parameters,omitempty" yaml:"api_key_auth_parameters,omitempty"`
	Basic  *BasicAuthParameters  `json:"basic_auth_parameters,omitempty" yaml:"basic_auth_parameters,omitempty"`
	OAuth2 *OAuth2AuthParameters `json:"oauth2_auth_parameters,omitempty" yaml:"oauth2_auth_parameters,omitempty"`
}

// InvocationHTTPParameters are connection-level default headers/query/body,
// applied connection-wins during merge (see merge.Merge).
type InvocationHTTPParameters struct {
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	QueryParams map[string]string `json:"query_params,omitempty" yaml:"query_params,omitempty"`
	Body        map[string]any    `json:"body,omitempty" yaml:"body,omitempty"`
}

// HttpPolicy governs header handling during merge.
type HttpPolicy struct {
	DeniedHeaders            []string `json:"denied_headers,omitempty" yaml:"denied_headers,omitempty"`
	ReservedHeaders          []string `json:"reserved_headers,omitempty" yaml:"reserved_headers,omitempty"`
	MultiValueAppendHeaders  []string `json:"multi_value_append_headers,omitempty" yaml:"multi_value_append_headers,omitempty"`
}

// DefaultHTTPPolicy is applied when neither action nor connection specify
// one: it denies only the Host header.
func DefaultHTTPPolicy() HttpPolicy {
	return HttpPolicy{DeniedHeaders: []string{"host"}}
}

// RetryPolicy governs the HTTP executor's retry loop.
type RetryPolicy struct {
	MaxRetries        int     `json:"max_retries" yaml:"max_retries"`
	BaseDelayMS       int     `json:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMS        int     `json:"max_delay_ms" yaml:"max_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	RetryStatusCodes  []int   `json:"retry_status_codes,omitempty" yaml:"retry_status_codes,omitempty"`
	RespectRetryAfter bool    `json:"respect_retry_after" yaml:"respect_retry_after"`
}

// DefaultRetryPolicy is the executor's own default when neither action nor
// connection specify a policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		BaseDelayMS:       100,
		MaxDelayMS:        5000,
		BackoffMultiplier: 2.0,
		RetryStatusCodes:  []int{429, 500, 502, 503, 504},
		RespectRetryAfter: true,
	}
}

// TimeoutConfig bounds connect and overall request duration.
type TimeoutConfig struct {
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
	RequestTimeout time.Duration `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`
}

// NetworkConfig carries transport-level overrides (proxy, TLS, etc.). Kept
// intentionally small; concrete dialer wiring is a host concern.
type NetworkConfig struct {
	ProxyURL           string `json:"proxy_url,omitempty" yaml:"proxy_url,omitempty"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"`
}

// ResponsePolicy governs how the executor interprets a response body; a
// leaf concern of the Action, left open for host-specific parsing hints.
type ResponsePolicy struct {
	ParseJSON bool `json:"parse_json,omitempty" yaml:"parse_json,omitempty"`
}

// Connection is a named HTTP endpoint profile.
type Connection struct {
	TRN                      string                   `json:"trn" yaml:"trn"`
	Name                     string                   `json:"name" yaml:"name"`
	AuthorizationType        AuthorizationType        `json:"authorization_type" yaml:"authorization_type"`
	AuthParameters           AuthParameters           `json:"auth_parameters" yaml:"auth_parameters"`
	InvocationHTTPParameters InvocationHTTPParameters `json:"invocation_http_parameters" yaml:"invocation_http_parameters"`
	AuthRef                  string                   `json:"auth_ref,omitempty" yaml:"auth_ref,omitempty"`
	HTTPPolicy               *HttpPolicy              `json:"http_policy,omitempty" yaml:"http_policy,omitempty"`
	TimeoutConfig            TimeoutConfig            `json:"timeout_config,omitempty" yaml:"timeout_config,omitempty"`
	NetworkConfig            NetworkConfig            `json:"network_config,omitempty" yaml:"network_config,omitempty"`
	RetryPolicy              *RetryPolicy             `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
	CreatedAt                time.Time                `json:"created_at" yaml:"created_at"`
	UpdatedAt                time.Time                `json:"updated_at" yaml:"updated_at"`
	Version                  int                      `json:"version" yaml:"version"`
}

// Action is a request template bound to one Connection.
type Action struct {
	TRN            string            `json:"trn" yaml:"trn"`
	Name           string            `json:"name" yaml:"name"`
	ConnectionTRN  string            `json:"connection_trn" yaml:"connection_trn"`
	Method         string            `json:"method" yaml:"method"`
	APIEndpoint    string            `json:"api_endpoint" yaml:"api_endpoint"`
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	QueryParams    map[string]string `json:"query_params,omitempty" yaml:"query_params,omitempty"`
	RequestBody    map[string]any    `json:"request_body,omitempty" yaml:"request_body,omitempty"`
	TimeoutConfig  TimeoutConfig     `json:"timeout_config,omitempty" yaml:"timeout_config,omitempty"`
	NetworkConfig  NetworkConfig     `json:"network_config,omitempty" yaml:"network_config,omitempty"`
	HTTPPolicy     *HttpPolicy       `json:"http_policy,omitempty" yaml:"http_policy,omitempty"`
	ResponsePolicy ResponsePolicy    `json:"response_policy,omitempty" yaml:"response_policy,omitempty"`
	RetryPolicy    *RetryPolicy      `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
}

// AuthRecord is a stored credential. AccessToken and
// RefreshToken are encrypted at rest by the credential store; this struct
// holds the plaintext view used in memory.
type AuthRecord struct {
	TRN          string         `json:"trn"`
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
	TokenType    string         `json:"token_type"`
	Scope        string         `json:"scope,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// extraFieldRegistry declares how well-known provider fields that end up in
// AuthRecord.Extra (id tokens, profile claims some providers attach to the
// token response) should appear in logs. Fields not listed pass through
// unmasked: Extra is provider-defined and most of it is not sensitive.
var extraFieldRegistry = fieldcrypt.NewRegistry([]fieldcrypt.ProtectedField{
	{Name: "id_token", LogBehavior: fieldcrypt.LogHash},
	{Name: "refresh_token", LogBehavior: fieldcrypt.LogRedact},
	{Name: "email", LogBehavior: fieldcrypt.LogMask},
	{Name: "phone_number", LogBehavior: fieldcrypt.LogMask},
})

// Redacted returns a copy of the record with AccessToken and RefreshToken
// replaced by fieldcrypt's fixed redaction marker, and any recognized
// sensitive field under Extra masked per extraFieldRegistry, safe for
// logging.
func (r AuthRecord) Redacted() AuthRecord {
	cp := r
	if cp.AccessToken != "" {
		cp.AccessToken = fieldcrypt.RedactValue()
	}
	if cp.RefreshToken != "" {
		cp.RefreshToken = fieldcrypt.RedactValue()
	}
	if cp.Extra != nil {
		cp.Extra = fieldcrypt.ScanAndMask(cp.Extra, extraFieldRegistry, 4)
	}
	return cp
}

// Equal reports whether two records are byte-equal on their JSON encoding,
// the comparison the credential stores' CompareAndSwap uses for its
// "expected" parameter.
func (r AuthRecord) Equal(other AuthRecord) bool {
	a, errA := json.Marshal(r)
	b, errB := json.Marshal(other)
	if errA != nil || errB != nil {
		return false
	}
	return string(a) == string(b)
}

// MergedRequest is the ephemeral output of the parameter merger.
type MergedRequest struct {
	Method      string
	URL         string
	Headers     map[string]string
	QueryParams map[string]string
	Body        any
}

// TokenOutcomeKind tags how a TokenOutcome was produced.
type TokenOutcomeKind string

const (
	TokenFresh     TokenOutcomeKind = "fresh"
	TokenReused    TokenOutcomeKind = "reused"
	TokenRefreshed TokenOutcomeKind = "refreshed"
)

// TokenInfo is the access token plus its metadata, independent of how it was
// obtained.
type TokenInfo struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
}

// TokenOutcome tags a TokenInfo with how the OAuth runtime produced it:
// a fresh token from the provider, a cached one still within its skew
// margin, or one obtained through a refresh_token grant.
type TokenOutcome struct {
	Kind  TokenOutcomeKind
	Token TokenInfo
}

// Checkpoint is a paused workflow run.
type Checkpoint struct {
	RunID       string
	PausedState string
	Context     map[string]any
	AwaitMeta   map[string]any
	CreatedAt   time.Time
}

// Package authinject applies a Connection's AuthorizationType to an
// already-merged request, adding whatever header or query parameter the
// scheme requires.
//
// The ApiKey placement heuristic and the OAuth2 delegation/skip rule are
// grounded on auth_injector.rs's inject_auth: a bare "authorization" name
// becomes a Bearer header, any name starting with "X-" or containing a
// hyphen goes to a header verbatim, anything else becomes a query
// parameter, and the OAuth2 branch never overwrites an Authorization header
// a caller has already set.
package authinject

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/GoCodeAlone/openact/oauthruntime"
	"github.com/GoCodeAlone/openact/openactmodel"
)

// TokenProvider is the slice of oauthruntime.Runtime the injector needs.
type TokenProvider interface {
	GetClientCredentialsToken(ctx context.Context, tenant string, conn *openactmodel.Connection) (*openactmodel.TokenOutcome, error)
	RefreshAuthorizationCode(ctx context.Context, p *openactmodel.OAuth2AuthParameters, force bool) (*openactmodel.TokenOutcome, error)
}

var _ TokenProvider = (*oauthruntime.Runtime)(nil)

// Injector applies auth to a MergedRequest in place.
type Injector struct {
	Tokens TokenProvider
}

// New builds an Injector backed by tokens.
func New(tokens TokenProvider) *Injector {
	return &Injector{Tokens: tokens}
}

// Inject mutates req to carry whatever credential conn's AuthorizationType
// requires. tenant scopes the client-credentials cache/store lookup.
func (i *Injector) Inject(ctx context.Context, tenant string, conn *openactmodel.Connection, req *openactmodel.MergedRequest) error {
	switch conn.AuthorizationType {
	case openactmodel.AuthAPIKey:
		return i.injectAPIKey(conn.AuthParameters.APIKey, req)
	case openactmodel.AuthBasic:
		return i.injectBasic(conn.AuthParameters.Basic, req)
	case openactmodel.AuthOAuth2ClientCredentials, openactmodel.AuthOAuth2AuthorizationCode:
		return i.injectOAuth2(ctx, tenant, conn, req)
	case "":
		return nil
	default:
		return &openactmodel.ValidationError{Msg: "unknown authorization_type " + string(conn.AuthorizationType)}
	}
}

func (i *Injector) injectAPIKey(p *openactmodel.APIKeyAuthParameters, req *openactmodel.MergedRequest) error {
	if p == nil {
		return &openactmodel.ValidationError{Msg: "authorization_type api_key requires api_key_auth_parameters"}
	}
	placeAPIKey(req, p.APIKeyName, p.APIKeyValue)
	return nil
}

// placeAPIKey is the ApiKey placement heuristic used by auth injection: it
// infers header or query placement from the key name.
func placeAPIKey(req *openactmodel.MergedRequest, name, value string) {
	lower := strings.ToLower(name)
	switch {
	case lower == "authorization":
		setHeader(req, "Authorization", "Bearer "+value)
	case strings.HasPrefix(lower, "x-") || strings.Contains(name, "-"):
		setHeader(req, name, value)
	default:
		if req.QueryParams == nil {
			req.QueryParams = make(map[string]string)
		}
		req.QueryParams[name] = value
	}
}

func (i *Injector) injectBasic(p *openactmodel.BasicAuthParameters, req *openactmodel.MergedRequest) error {
	if p == nil {
		return &openactmodel.ValidationError{Msg: "authorization_type basic requires basic_auth_parameters"}
	}
	raw := p.Username + ":" + p.Password
	setHeader(req, "Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(raw)))
	return nil
}

func (i *Injector) injectOAuth2(ctx context.Context, tenant string, conn *openactmodel.Connection, req *openactmodel.MergedRequest) error {
	if _, ok := lookupHeader(req.Headers, "Authorization"); ok {
		return nil
	}
	p := conn.AuthParameters.OAuth2
	if p == nil {
		return &openactmodel.ValidationError{Msg: "oauth2 authorization_type requires oauth2_auth_parameters"}
	}

	var outcome *openactmodel.TokenOutcome
	var err error
	switch conn.AuthorizationType {
	case openactmodel.AuthOAuth2ClientCredentials:
		outcome, err = i.Tokens.GetClientCredentialsToken(ctx, tenant, conn)
	case openactmodel.AuthOAuth2AuthorizationCode:
		outcome, err = i.Tokens.RefreshAuthorizationCode(ctx, p, false)
	}
	if err != nil {
		return err
	}

	tokenType := outcome.Token.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	setHeader(req, "Authorization", tokenType+" "+outcome.Token.AccessToken)
	return nil
}

func setHeader(req *openactmodel.MergedRequest, name, value string) {
	if req.Headers == nil {
		req.Headers = make(map[string]string)
	}
	for k := range req.Headers {
		if strings.EqualFold(k, name) {
			delete(req.Headers, k)
			break
		}
	}
	req.Headers[name] = value
}

func lookupHeader(headers map[string]string, name string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

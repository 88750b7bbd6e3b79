package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/GoCodeAlone/openact/oauthruntime"
	"github.com/GoCodeAlone/openact/openactmodel"
)

// RegisterEnsureFreshToken installs ensure.fresh_token, a workflow-callable
// wrapper around the same refresh decision the OAuth runtime makes
// automatically for connection-driven calls. It exists for workflow
// documents that need to guarantee a token is fresh as an explicit step —
// e.g. before handing a token to a downstream system that cannot refresh it
// itself.
//
// Grounded on ensure.rs's EnsureFreshToken action: load the stored record
// at connection_ref, compare its expiry against now + skewSeconds, and if
// expired refresh via the token endpoint, persisting the updated record
// before returning.
func RegisterEnsureFreshToken(reg *Registry, store oauthruntime.Store, refresh Func, now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	reg.Register("ensure.fresh_token", func(ctx context.Context, stateName string, input map[string]any) (map[string]any, error) {
		connectionRef, _ := input["connection_ref"].(string)
		if connectionRef == "" {
			return nil, fmt.Errorf("ensure.fresh_token: connection_ref is required")
		}
		skewSeconds := 120
		if v, ok := input["skewSeconds"].(float64); ok {
			skewSeconds = int(v)
		}

		rec, err := store.Get(ctx, connectionRef)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, &openactmodel.AuthRequiredError{Msg: fmt.Sprintf("no credential stored at %s", connectionRef)}
		}

		skew := time.Duration(skewSeconds) * time.Second
		if rec.ExpiresAt != nil && now().Before(rec.ExpiresAt.Add(-skew)) {
			return map[string]any{
				"access_token": rec.AccessToken,
				"token_type":   rec.TokenType,
				"refreshed":    false,
			}, nil
		}

		refreshInput := map[string]any{
			"tokenUrl":      input["tokenUrl"],
			"clientId":      input["clientId"],
			"clientSecret":  input["clientSecret"],
			"refresh_token": rec.RefreshToken,
		}
		result, err := refresh(ctx, stateName, refreshInput)
		if err != nil {
			return nil, err
		}

		accessToken, _ := result["access_token"].(string)
		tokenType, _ := result["token_type"].(string)
		expiresIn, _ := result["expires_in"].(float64)
		if expiresIn <= 0 {
			expiresIn = 3600
		}
		expiresAt := now().Add(time.Duration(expiresIn) * time.Second)

		updated := *rec
		updated.AccessToken = accessToken
		updated.TokenType = tokenType
		updated.ExpiresAt = &expiresAt
		updated.UpdatedAt = now()
		if newRefresh, ok := result["refresh_token"].(string); ok && newRefresh != "" {
			updated.RefreshToken = newRefresh
		}

		if err := store.Put(ctx, connectionRef, &updated); err != nil {
			return nil, &openactmodel.StorageError{Cause: err}
		}

		return map[string]any{
			"access_token": accessToken,
			"token_type":   tokenType,
			"refreshed":    true,
		}, nil
	})
}

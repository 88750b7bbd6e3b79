package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"net/http"
	"strings"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/golang-jwt/jwt/v5"
)

// RegisterCompute installs compute.hmac, compute.jwt_sign, and
// compute.sigv4 — the signing primitives a workflow
// document needs to authenticate to providers that auth injection alone
// cannot reach (request signing rather than a static header).
func RegisterCompute(reg *Registry) {
	reg.Register("compute.hmac", computeHMAC)
	reg.Register("compute.jwt_sign", computeJWTSign)
	reg.Register("compute.sigv4", computeSigV4)
}

func computeHMAC(ctx context.Context, stateName string, input map[string]any) (map[string]any, error) {
	algorithm, _ := input["algorithm"].(string)
	key, _ := input["key"].(string)
	message, _ := input["message"].(string)
	encoding, _ := input["encoding"].(string)
	if encoding == "" {
		encoding = "hex"
	}
	if key == "" {
		return nil, fmt.Errorf("compute.hmac: key is required")
	}

	var hasher func() hash.Hash
	switch strings.ToUpper(algorithm) {
	case "SHA1":
		hasher = sha1.New
	case "SHA256", "":
		hasher = sha256.New
	case "SHA512":
		hasher = sha512.New
	default:
		return nil, fmt.Errorf("compute.hmac: unsupported algorithm %q", algorithm)
	}

	mac := hmac.New(hasher, []byte(key))
	mac.Write([]byte(message))
	sum := mac.Sum(nil)

	var signature string
	switch encoding {
	case "hex":
		signature = hex.EncodeToString(sum)
	case "base64":
		signature = base64.StdEncoding.EncodeToString(sum)
	default:
		return nil, fmt.Errorf("compute.hmac: unsupported encoding %q", encoding)
	}

	return map[string]any{"signature": signature}, nil
}

func computeJWTSign(ctx context.Context, stateName string, input map[string]any) (map[string]any, error) {
	alg, _ := input["alg"].(string)
	key, _ := input["key"].(string)
	claimsInput, _ := input["claims"].(map[string]any)
	if key == "" {
		return nil, fmt.Errorf("compute.jwt_sign: key is required")
	}

	claims := jwt.MapClaims{}
	for k, v := range claimsInput {
		claims[k] = v
	}

	var method jwt.SigningMethod
	switch strings.ToUpper(alg) {
	case "HS256", "":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("compute.jwt_sign: unsupported alg %q", alg)
	}

	token := jwt.NewWithClaims(method, claims)
	if headerOverrides, ok := input["header"].(map[string]any); ok {
		for k, v := range headerOverrides {
			token.Header[k] = v
		}
	}

	signed, err := token.SignedString([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("compute.jwt_sign: %w", err)
	}
	return map[string]any{"token": signed}, nil
}

func computeSigV4(ctx context.Context, stateName string, input map[string]any) (map[string]any, error) {
	method, _ := input["method"].(string)
	rawURL, _ := input["url"].(string)
	service, _ := input["service"].(string)
	region, _ := input["region"].(string)
	accessKeyID, _ := input["access_key_id"].(string)
	secretAccessKey, _ := input["secret_access_key"].(string)
	sessionToken, _ := input["session_token"].(string)
	body, _ := input["body"].(string)

	if rawURL == "" || service == "" || region == "" || accessKeyID == "" {
		return nil, fmt.Errorf("compute.sigv4: url, service, region, and access_key_id are required")
	}
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("compute.sigv4: building request: %w", err)
	}
	if headers, ok := input["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	sum := sha256.Sum256([]byte(body))
	payloadHash := hex.EncodeToString(sum[:])

	creds := awssdk.Credentials{
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
		SessionToken:    sessionToken,
	}

	signer := v4.NewSigner()
	if err := signer.SignHTTP(ctx, creds, req, payloadHash, service, region, time.Now()); err != nil {
		return nil, fmt.Errorf("compute.sigv4: signing request: %w", err)
	}

	headers := make(map[string]any, len(req.Header))
	for k := range req.Header {
		headers[k] = req.Header.Get(k)
	}
	return map[string]any{"headers": headers}, nil
}

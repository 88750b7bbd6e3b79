// Package trn implements the Tenant-Resource Name identifier used throughout
// the runtime to address connections, actions, and auth records.
package trn

import (
	"fmt"
	"strings"
)

// Kind is the closed set of resource kinds addressable by a TRN.
type Kind string

const (
	KindConnection Kind = "connection"
	KindAction     Kind = "action"
	KindAuth       Kind = "auth"
)

// TRN is a parsed Tenant-Resource Name: trn:openact:<tenant>:<kind>/<name>[@v<version>].
type TRN struct {
	Tenant  string
	Kind    Kind
	Name    string
	Version int // 0 means unversioned
}

// String renders the canonical textual form.
func (t TRN) String() string {
	s := fmt.Sprintf("trn:openact:%s:%s/%s", t.Tenant, t.Kind, t.Name)
	if t.Version > 0 {
		s += fmt.Sprintf("@v%d", t.Version)
	}
	return s
}

// New builds a TRN, validating tenant and kind.
func New(tenant string, kind Kind, name string) (TRN, error) {
	if tenant == "" {
		return TRN{}, fmt.Errorf("trn: tenant must not be empty")
	}
	if name == "" {
		return TRN{}, fmt.Errorf("trn: name must not be empty")
	}
	switch kind {
	case KindConnection, KindAction, KindAuth:
	default:
		return TRN{}, fmt.Errorf("trn: unknown kind %q", kind)
	}
	return TRN{Tenant: tenant, Kind: kind, Name: name}, nil
}

// Parse parses the canonical textual form into a TRN. Equality between two
// TRNs is byte-exact on this canonical form, so callers should always render
// via String rather than reconstruct ad hoc strings.
func Parse(s string) (TRN, error) {
	const schemePrefix = "trn:openact:"
	if !strings.HasPrefix(s, schemePrefix) {
		return TRN{}, fmt.Errorf("trn: missing %q prefix in %q", schemePrefix, s)
	}
	rest := s[len(schemePrefix):]

	tenantEnd := strings.Index(rest, ":")
	if tenantEnd < 0 {
		return TRN{}, fmt.Errorf("trn: malformed %q: missing tenant separator", s)
	}
	tenant := rest[:tenantEnd]
	if tenant == "" {
		return TRN{}, fmt.Errorf("trn: empty tenant in %q", s)
	}
	rest = rest[tenantEnd+1:]

	kindEnd := strings.Index(rest, "/")
	if kindEnd < 0 {
		return TRN{}, fmt.Errorf("trn: malformed %q: missing kind/name separator", s)
	}
	kind := Kind(rest[:kindEnd])
	switch kind {
	case KindConnection, KindAction, KindAuth:
	default:
		return TRN{}, fmt.Errorf("trn: unknown kind %q in %q", kind, s)
	}
	nameAndVersion := rest[kindEnd+1:]

	name := nameAndVersion
	version := 0
	if atIdx := strings.LastIndex(nameAndVersion, "@v"); atIdx >= 0 {
		name = nameAndVersion[:atIdx]
		if _, err := fmt.Sscanf(nameAndVersion[atIdx+2:], "%d", &version); err != nil {
			return TRN{}, fmt.Errorf("trn: malformed version in %q: %w", s, err)
		}
	}
	if name == "" {
		return TRN{}, fmt.Errorf("trn: empty name in %q", s)
	}

	return TRN{Tenant: tenant, Kind: kind, Name: name, Version: version}, nil
}

// CCAuthRef builds the canonical AuthRecord TRN used to store the result of
// an oauth2_client_credentials grant for the given connection. The chosen
// canonical form embeds the connection's bare name, not a nested TRN string.
func CCAuthRef(tenant, connectionName string) TRN {
	return TRN{Tenant: tenant, Kind: KindAuth, Name: "oauth2_cc-" + connectionName}
}

// ACAuthRef builds the canonical AuthRecord TRN for an authorization-code
// grant credential identified by provider and user id.
func ACAuthRef(tenant, provider, userID string) TRN {
	return TRN{Tenant: tenant, Kind: KindAuth, Name: provider + "-" + userID}
}

// LegacyCCRef defensively parses the variant seen in one original call site
// where a full connection TRN was embedded inside the auth TRN's name
// segment (trn:openact:default:auth/oauth2_cc-trn:openact:default:connection/foo).
// It is never produced by this package on write, only tolerated on read.
func LegacyCCRef(t TRN) (connectionTRN string, ok bool) {
	if t.Kind != KindAuth {
		return "", false
	}
	const marker = "oauth2_cc-trn:openact:"
	if !strings.HasPrefix(t.Name, "oauth2_cc-trn:openact:") {
		return "", false
	}
	return "trn:openact:" + strings.TrimPrefix(t.Name, marker), true
}

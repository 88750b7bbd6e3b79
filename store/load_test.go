package store

import (
	"strings"
	"testing"
)

func TestLoadConnectionYAML(t *testing.T) {
	doc := `
trn: trn:openact:default:connection/github
name: github
authorization_type: api_key
auth_parameters:
  api_key_auth_parameters:
    api_key_name: Authorization
    api_key_value: secret
`
	conn, err := LoadConnection(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadConnection: %v", err)
	}
	if conn.Name != "github" {
		t.Errorf("Name = %q, want github", conn.Name)
	}
	if conn.AuthParameters.APIKey == nil || conn.AuthParameters.APIKey.APIKeyValue != "secret" {
		t.Errorf("APIKey parameters not populated: %+v", conn.AuthParameters.APIKey)
	}
}

func TestLoadConnectionJSON(t *testing.T) {
	doc := `{"trn": "trn:openact:default:connection/github", "name": "github"}`
	conn, err := LoadConnection(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadConnection: %v", err)
	}
	if conn.TRN != "trn:openact:default:connection/github" {
		t.Errorf("TRN = %q", conn.TRN)
	}
}

func TestLoadConnectionInvalidYAML(t *testing.T) {
	if _, err := LoadConnection(strings.NewReader("not: [valid")); err == nil {
		t.Fatal("expected an error for malformed document")
	}
}

func TestLoadActionYAML(t *testing.T) {
	doc := `
trn: trn:openact:default:action/list-repos
name: list-repos
connection_trn: trn:openact:default:connection/github
method: GET
api_endpoint: /user/repos
`
	action, err := LoadAction(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadAction: %v", err)
	}
	if action.Method != "GET" {
		t.Errorf("Method = %q, want GET", action.Method)
	}
	if action.ConnectionTRN != "trn:openact:default:connection/github" {
		t.Errorf("ConnectionTRN = %q", action.ConnectionTRN)
	}
}

package googleauth

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials is the subset of a Google service-account JSON blob needed to
// exchange a signed assertion for a bearer token.
type Credentials struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`

	key *rsa.PrivateKey
}

// ParseCredentials decodes and validates a service-account JSON blob. A
// missing field or an unparseable private key is a configuration error and
// fails immediately; retrying a malformed credential cannot succeed.
func ParseCredentials(raw []byte) (*Credentials, error) {
	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("failed to decode service account JSON: %w", err)
	}

	if creds.ClientEmail == "" {
		return nil, fmt.Errorf("service account credential missing client_email")
	}
	if creds.PrivateKey == "" {
		return nil, fmt.Errorf("service account credential missing private_key")
	}
	if creds.TokenURI == "" {
		return nil, fmt.Errorf("service account credential missing token_uri")
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(creds.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse service account private key: %w", err)
	}
	creds.key = key

	return &creds, nil
}

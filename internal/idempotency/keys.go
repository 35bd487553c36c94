package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// DerivedKeyPrefix marks keys the coordinator computed itself.
const DerivedKeyPrefix = "auto-"

// DeriveKey hashes the canonical form of {endpoint, payload}.
// Structurally identical payloads produce the same key regardless of map ordering.
func DeriveKey(endpoint string, payload any) (string, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("derive operation key: %w", err)
	}
	envelope, err := json.Marshal(struct {
		Endpoint string          `json:"endpoint"`
		Payload  json.RawMessage `json:"payload"`
	}{Endpoint: endpoint, Payload: canonical})
	if err != nil {
		return "", fmt.Errorf("derive operation key: %w", err)
	}
	sum := sha256.Sum256(envelope)
	return DerivedKeyPrefix + hex.EncodeToString(sum[:]), nil
}

// Fingerprint returns the hex sha256 of the canonical payload, or "" when the payload cannot be encoded.
func Fingerprint(payload any) string {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON round-trips the payload through a generic value so object keys come out sorted.
func canonicalJSON(payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

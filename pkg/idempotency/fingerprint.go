package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// fingerprintLength is the number of hex characters kept from the hash.
const fingerprintLength = 16

// fingerprintInput is the canonical shape that gets hashed. Field order
// is fixed by the struct declaration, so the outer encoding is stable.
type fingerprintInput struct {
	UserID   string      `json:"userId"`
	Endpoint string      `json:"endpoint"`
	Payload  interface{} `json:"payload"`
}

// Fingerprint computes a short deterministic hash of (user, endpoint,
// body). Two requests that differ only in incidental JSON ordering of
// the body hash identically; any semantic difference in the body yields
// a different fingerprint. This property is what lets a composite key
// detect an idempotency key reused for a different operation.
func Fingerprint(userID, endpoint string, body interface{}) (string, error) {
	if userID == "" {
		userID = "anonymous"
	}
	canonical, err := canonicalize(body)
	if err != nil {
		return "", fmt.Errorf("canonicalize body: %w", err)
	}
	encoded, err := json.Marshal(fingerprintInput{
		UserID:   userID,
		Endpoint: endpoint,
		Payload:  canonical,
	})
	if err != nil {
		return "", fmt.Errorf("encode fingerprint input: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])[:fingerprintLength], nil
}

// canonicalize reduces body to a shape whose JSON encoding is fully
// order-independent: objects rely on encoding/json's sorted map keys,
// and array elements are sorted by their own canonical encoding. The
// body is first round-tripped through JSON so struct values and raw
// maps normalize to the same representation.
func canonicalize(body interface{}) (interface{}, error) {
	if body == nil {
		return nil, nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return sortValue(generic), nil
}

func sortValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = sortValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = sortValue(val)
		}
		sort.SliceStable(out, func(i, j int) bool {
			a, _ := json.Marshal(out[i])
			b, _ := json.Marshal(out[j])
			return string(a) < string(b)
		})
		return out
	default:
		return v
	}
}

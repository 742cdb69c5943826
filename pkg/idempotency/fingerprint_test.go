package idempotency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintDeterministicAcrossKeyOrder(t *testing.T) {
	a, err := Fingerprint("u1", "POST /api/v1/subjects", map[string]interface{}{"a": 1, "b": 2})
	require.NoError(t, err)
	b, err := Fingerprint("u1", "POST /api/v1/subjects", map[string]interface{}{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFingerprintArrayOrderIndependent(t *testing.T) {
	a, err := Fingerprint("u1", "POST /api/v1/import", map[string]interface{}{
		"rows": []interface{}{"cs101", "ma201", "ph301"},
	})
	require.NoError(t, err)
	b, err := Fingerprint("u1", "POST /api/v1/import", map[string]interface{}{
		"rows": []interface{}{"ph301", "cs101", "ma201"},
	})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFingerprintNestedStructures(t *testing.T) {
	a, err := Fingerprint("u1", "POST /api/v1/sections", map[string]interface{}{
		"schedule": map[string]interface{}{"day": "mon", "slot": 2},
		"tags":     []interface{}{map[string]interface{}{"k": "x", "v": 1}},
	})
	require.NoError(t, err)
	b, err := Fingerprint("u1", "POST /api/v1/sections", map[string]interface{}{
		"tags":     []interface{}{map[string]interface{}{"v": 1, "k": "x"}},
		"schedule": map[string]interface{}{"slot": 2, "day": "mon"},
	})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFingerprintDiffersOnBody(t *testing.T) {
	a, err := Fingerprint("u1", "POST /api/v1/subjects", map[string]interface{}{"name": "CS101"})
	require.NoError(t, err)
	b, err := Fingerprint("u1", "POST /api/v1/subjects", map[string]interface{}{"name": "CS102"})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestFingerprintDiffersOnUserAndEndpoint(t *testing.T) {
	base, err := Fingerprint("u1", "POST /api/v1/subjects", nil)
	require.NoError(t, err)

	otherUser, err := Fingerprint("u2", "POST /api/v1/subjects", nil)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherUser)

	otherEndpoint, err := Fingerprint("u1", "PUT /api/v1/subjects", nil)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherEndpoint)
}

func TestFingerprintAnonymousFallback(t *testing.T) {
	a, err := Fingerprint("", "POST /api/v1/subjects", nil)
	require.NoError(t, err)
	b, err := Fingerprint("anonymous", "POST /api/v1/subjects", nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFingerprintLength(t *testing.T) {
	fp, err := Fingerprint("u1", "POST /api/v1/subjects", map[string]interface{}{"name": "CS101"})
	require.NoError(t, err)
	assert.Len(t, fp, fingerprintLength)
	assert.Regexp(t, "^[0-9a-f]+$", fp)
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		valid bool
	}{
		{"minimum length", "abcd1234abcd1234", true},
		{"with hyphen and underscore", "abc-def_123-456_xyz0", true},
		{"maximum length", string(make64()), true},
		{"too short", "abc123", false},
		{"too long", string(make64()) + "x", false},
		{"illegal characters", "abcd1234abcd123!", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidateKey(tt.key))
		})
	}
}

func make64() []byte {
	b := make([]byte, 64)
	for i := range b {
		b[i] = 'a'
	}
	return b
}

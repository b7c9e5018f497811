package ringvault

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEnvelopeKeyRecord_WireFormat pins the exact JSON shape external
// readers of the metastore depend on: KeyId/Created/Key/ParentKeyMeta field
// names, no ID field, and Revoked omitted when false.
func TestEnvelopeKeyRecord_WireFormat(t *testing.T) {
	ekr := &EnvelopeKeyRecord{
		Created:      1234,
		EncryptedKey: []byte("ciphertext"),
		ParentKeyMeta: &KeyMeta{
			ID:      "_SK_service_product",
			Created: 1000,
		},
	}

	b, err := json.Marshal(ekr)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &raw))

	assert.Equal(t, float64(1234), raw["Created"])
	assert.NotContains(t, raw, "ID")
	assert.Contains(t, raw, "Key")
	assert.NotContains(t, raw, "Revoked")

	parent, ok := raw["ParentKeyMeta"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "_SK_service_product", parent["KeyId"])
	assert.Equal(t, float64(1000), parent["Created"])
}

func TestEnvelopeKeyRecord_RevokedOmittedWhenFalse(t *testing.T) {
	ekr := &EnvelopeKeyRecord{Created: 1}

	b, err := json.Marshal(ekr)
	require.NoError(t, err)

	assert.NotContains(t, string(b), "Revoked")
}

func TestEnvelopeKeyRecord_RevokedPresentWhenTrue(t *testing.T) {
	ekr := &EnvelopeKeyRecord{Created: 1, Revoked: true}

	b, err := json.Marshal(ekr)
	require.NoError(t, err)

	assert.Contains(t, string(b), `"Revoked":true`)
}

func TestKeyMeta_IsLatest(t *testing.T) {
	assert.True(t, KeyMeta{ID: "x"}.IsLatest())
	assert.False(t, KeyMeta{ID: "x", Created: 1}.IsLatest())
}

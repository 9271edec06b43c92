package types

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIDCanonicalizes(t *testing.T) {
	id, err := ParseID("6F1C2E0A-3B4D-4E5F-8A9B-0C1D2E3F4A5B")
	require.NoError(t, err)
	assert.Equal(t, ID("6f1c2e0a-3b4d-4e5f-8a9b-0c1d2e3f4a5b"), id)

	_, err = ParseID("not-a-case")
	assert.Error(t, err)
	_, err = ParseID(uuid.Nil.String())
	assert.Error(t, err)
}

func TestIDScan(t *testing.T) {
	want := NewID()
	u, err := want.UUID()
	require.NoError(t, err)

	for _, src := range []any{want.String(), []byte(want.String()), [16]byte(u)} {
		var got ID
		require.NoError(t, got.Scan(src))
		assert.Equal(t, want, got)
	}

	var id ID = "x"
	require.NoError(t, id.Scan(nil))
	assert.True(t, id.IsZero())
	assert.Error(t, id.Scan(42))

	v, err := ID("").Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestTagSetAndNormalize(t *testing.T) {
	assert.Equal(t, []Tag{"legal-aid", "pep"}, TagSet(NormalizeTag(" PEP "), "legal-aid", "pep", ""))
	assert.Equal(t, LanguageCode("ha"), NormalizeLanguage("HA "))
	assert.True(t, ContainsProvider([]ProviderID{"LegalAid-07"}, "LegalAid-07"))
	assert.False(t, SystemActor.IsZero())
}

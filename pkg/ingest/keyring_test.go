package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/vigil/pkg/fault"
)

func TestKeyDerivationIsDeterministicPerVendor(t *testing.T) {
	keys, err := NewKeyring("master-seed")
	require.NoError(t, err)

	a1, err := keys.Key("shotspotter")
	require.NoError(t, err)
	a2, err := keys.Key("shotspotter")
	require.NoError(t, err)
	b, err := keys.Key("flock")
	require.NoError(t, err)

	assert.Len(t, a1, 32)
	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)

	other, err := NewKeyring("different-seed")
	require.NoError(t, err)
	c, err := other.Key("shotspotter")
	require.NoError(t, err)
	assert.NotEqual(t, a1, c, "seed rotation must rotate vendor keys")
}

func TestSignVerifyRoundTrip(t *testing.T) {
	keys, err := NewKeyring("master-seed")
	require.NoError(t, err)
	body := []byte(`{"source":"gunshot","event_time":"2026-03-14T10:00:00Z"}`)

	sig, err := keys.Sign("shotspotter", body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sig, "sha256="))

	assert.NoError(t, keys.Verify("shotspotter", body, sig))
	assert.NoError(t, keys.Verify("shotspotter", body, strings.TrimPrefix(sig, "sha256=")),
		"bare hex is accepted")
}

func TestVerifyRejects(t *testing.T) {
	keys, err := NewKeyring("master-seed")
	require.NoError(t, err)
	body := []byte(`{"source":"gunshot"}`)
	sig, err := keys.Sign("shotspotter", body)
	require.NoError(t, err)

	err = keys.Verify("shotspotter", body, "")
	assert.Equal(t, fault.Validation, fault.KindOf(err))

	err = keys.Verify("shotspotter", body, "sha256=not-hex")
	assert.Equal(t, fault.Validation, fault.KindOf(err))

	err = keys.Verify("shotspotter", []byte(`{"source":"lpr"}`), sig)
	assert.Equal(t, fault.Policy, fault.KindOf(err), "tampered body")

	err = keys.Verify("flock", body, sig)
	assert.Equal(t, fault.Policy, fault.KindOf(err), "signature from another vendor's key")
}

func TestNewKeyringRequiresSeed(t *testing.T) {
	_, err := NewKeyring("")
	assert.Error(t, err)

	keys, err := NewKeyring("seed")
	require.NoError(t, err)
	_, err = keys.Key("")
	assert.Error(t, err)
}

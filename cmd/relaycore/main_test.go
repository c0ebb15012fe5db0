package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nostr-relaycore/internal/nips"
	"nostr-relaycore/internal/nostr"
)

const testKey = "edc90d06fee17615229c8526dc005d959e4af3bdc0b48c5776c951bcafedec85"

func TestParsePubkeys(t *testing.T) {
	hex := strings.Repeat("ab", 32)
	npub, err := nips.EncodePubkey(hex)
	require.NoError(t, err)

	pks, err := parsePubkeys([]string{hex, npub})
	require.NoError(t, err)
	assert.Equal(t, []string{hex, hex}, pks)

	_, err = parsePubkeys([]string{"not-a-key"})
	assert.Error(t, err)
}

func TestResolveAccount(t *testing.T) {
	signer, err := nostr.NewKeySigner(testKey)
	require.NoError(t, err)

	t.Run("pubkey only", func(t *testing.T) {
		t.Setenv("RELAYCORE_SECRET_KEY", "")
		t.Setenv("RELAYCORE_PUBKEY", signer.PublicKey())
		pubkeyFlag = ""
		pk, s, err := resolveAccount()
		require.NoError(t, err)
		assert.Equal(t, signer.PublicKey(), pk)
		assert.Nil(t, s)
	})

	t.Run("secret key only", func(t *testing.T) {
		t.Setenv("RELAYCORE_SECRET_KEY", testKey)
		t.Setenv("RELAYCORE_PUBKEY", "")
		pubkeyFlag = ""
		pk, s, err := resolveAccount()
		require.NoError(t, err)
		assert.Equal(t, signer.PublicKey(), pk)
		assert.NotNil(t, s)
	})

	t.Run("mismatch", func(t *testing.T) {
		t.Setenv("RELAYCORE_SECRET_KEY", testKey)
		pubkeyFlag = strings.Repeat("cd", 32)
		defer func() { pubkeyFlag = "" }()
		_, _, err := resolveAccount()
		assert.Error(t, err)
	})

	t.Run("nothing", func(t *testing.T) {
		t.Setenv("RELAYCORE_SECRET_KEY", "")
		t.Setenv("RELAYCORE_PUBKEY", "")
		pubkeyFlag = ""
		_, _, err := resolveAccount()
		assert.Error(t, err)
	})
}

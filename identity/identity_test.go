package identity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	priv, err := GeneratePrivateKey()
	require.NoError(t, err)
	id := New(3, priv)

	payload := []byte("tx-alpha|node=3|value=42")
	sig, err := id.Sign(payload)
	require.NoError(t, err)
	require.True(t, Verify(id.PublicKey(), payload, sig))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	priv, err := GeneratePrivateKey()
	require.NoError(t, err)
	id := New(1, priv)

	sig, err := id.Sign([]byte("original"))
	require.NoError(t, err)
	require.False(t, Verify(id.PublicKey(), []byte("tampered"), sig))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	privA, err := GeneratePrivateKey()
	require.NoError(t, err)
	privB, err := GeneratePrivateKey()
	require.NoError(t, err)

	sig, err := New(0, privA).Sign([]byte("payload"))
	require.NoError(t, err)
	require.False(t, Verify(privB.PubKey(), []byte("payload"), sig))
}

func TestVerifyMalformedSignature(t *testing.T) {
	priv, err := GeneratePrivateKey()
	require.NoError(t, err)
	require.False(t, Verify(priv.PubKey(), []byte("payload"), []byte{0x01, 0x02}))
}

func TestFingerprintStableAcrossEncodings(t *testing.T) {
	priv, err := GeneratePrivateKey()
	require.NoError(t, err)
	pub := priv.PubKey()

	decoded, err := PublicKeyFromBytes(pub.Bytes())
	require.NoError(t, err)
	require.Equal(t, Fingerprint(pub), Fingerprint(decoded))
}

func TestBech32AddressRoundTrip(t *testing.T) {
	priv, err := GeneratePrivateKey()
	require.NoError(t, err)
	addr, err := Bech32Address(priv.PubKey())
	require.NoError(t, err)
	require.Contains(t, addr, AddressPrefix)
}

func TestKeystoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.key")

	priv, err := GeneratePrivateKey()
	require.NoError(t, err)
	require.NoError(t, SaveToKeystore(path, priv, "passphrase"))

	loaded, err := LoadFromKeystore(path, "passphrase")
	require.NoError(t, err)
	require.Equal(t, priv.Bytes(), loaded.Bytes())
}

func TestLoadFromKeystoreMissingFileIsFatal(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadFromKeystore(filepath.Join(dir, "absent.key"), "whatever")
	require.ErrorIs(t, err, ErrKeyFileMissing)
}

func TestLoadOrGenerateRefusesWithoutFlag(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadOrGenerate(filepath.Join(dir, "absent.key"), "pw", false)
	require.ErrorIs(t, err, ErrKeyFileMissing)
}

func TestLoadOrGenerateCreatesWhenAllowed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.key")
	priv, err := LoadOrGenerate(path, "pw", true)
	require.NoError(t, err)
	require.NotNil(t, priv)

	again, err := LoadOrGenerate(path, "pw", true)
	require.NoError(t, err)
	require.Equal(t, priv.Bytes(), again.Bytes())
}

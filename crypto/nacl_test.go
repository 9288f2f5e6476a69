package crypto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pairedEngines returns two engines that have exchanged public keys.
func pairedEngines(t *testing.T, alicePass, bobPass string) (*NaClEngine, Identity, *NaClEngine, Identity) {
	t.Helper()

	alice := NewNaClEngine()
	aliceID, err := alice.GenerateIdentity(alicePass)
	require.NoError(t, err)

	bob := NewNaClEngine()
	bobID, err := bob.GenerateIdentity(bobPass)
	require.NoError(t, err)

	aliceMaterial, err := alice.ExportPublicKey(aliceID)
	require.NoError(t, err)
	bobMaterial, err := bob.ExportPublicKey(bobID)
	require.NoError(t, err)

	gotBob, err := alice.ImportKey(bobMaterial)
	require.NoError(t, err)
	require.Equal(t, bobID, gotBob)

	gotAlice, err := bob.ImportKey(aliceMaterial)
	require.NoError(t, err)
	require.Equal(t, aliceID, gotAlice)

	return alice, aliceID, bob, bobID
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice, _, bob, bobID := pairedEngines(t, "", "")

	plaintext := []byte("the eagle lands at dawn")
	ciphertext, err := alice.Encrypt(plaintext, bobID)
	require.NoError(t, err)
	assert.True(t, IsEnvelope(ciphertext))
	assert.NotContains(t, string(ciphertext), string(plaintext))

	got, verified, err := bob.Decrypt(ciphertext, "")
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
	assert.True(t, verified, "signature from a known identity must verify")
}

func TestDecryptUnsignedNotVerified(t *testing.T) {
	_, _, bob, bobID := pairedEngines(t, "", "")

	// A sender with no local identity cannot sign.
	stranger := NewNaClEngine()
	bobMaterial, err := bob.ExportPublicKey(bobID)
	require.NoError(t, err)
	_, err = stranger.ImportKey(bobMaterial)
	require.NoError(t, err)

	ciphertext, err := stranger.Encrypt([]byte("anonymous note"), bobID)
	require.NoError(t, err)

	got, verified, err := bob.Decrypt(ciphertext, "")
	require.NoError(t, err)
	assert.Equal(t, []byte("anonymous note"), got)
	assert.False(t, verified)
}

func TestDecryptUnknownSignerNotVerified(t *testing.T) {
	// Bob never imported Alice's key, so her signature cannot verify.
	alice := NewNaClEngine()
	_, err := alice.GenerateIdentity("")
	require.NoError(t, err)

	bob := NewNaClEngine()
	bobID, err := bob.GenerateIdentity("")
	require.NoError(t, err)

	bobMaterial, err := bob.ExportPublicKey(bobID)
	require.NoError(t, err)
	_, err = alice.ImportKey(bobMaterial)
	require.NoError(t, err)

	ciphertext, err := alice.Encrypt([]byte("hi"), bobID)
	require.NoError(t, err)

	got, verified, err := bob.Decrypt(ciphertext, "")
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), got)
	assert.False(t, verified)
}

func TestDecryptMissingPassphrase(t *testing.T) {
	alice, _, bob, bobID := pairedEngines(t, "", "bob-secret")

	ciphertext, err := alice.Encrypt([]byte("classified"), bobID)
	require.NoError(t, err)

	_, _, err = bob.Decrypt(ciphertext, "")
	reason, ok := ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, ReasonMissingPassphrase, reason)

	_, _, err = bob.Decrypt(ciphertext, "wrong-guess")
	reason, ok = ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, ReasonMissingPassphrase, reason)

	got, _, err := bob.Decrypt(ciphertext, "bob-secret")
	require.NoError(t, err)
	assert.Equal(t, []byte("classified"), got)
}

func TestDecryptIdentityMismatch(t *testing.T) {
	alice, _, _, _ := pairedEngines(t, "", "")

	carol := NewNaClEngine()
	carolID, err := carol.GenerateIdentity("")
	require.NoError(t, err)
	carolMaterial, err := carol.ExportPublicKey(carolID)
	require.NoError(t, err)
	_, err = alice.ImportKey(carolMaterial)
	require.NoError(t, err)

	// Encrypted for Carol; a different engine cannot open it.
	ciphertext, err := alice.Encrypt([]byte("for carol only"), carolID)
	require.NoError(t, err)

	eve := NewNaClEngine()
	_, err = eve.GenerateIdentity("")
	require.NoError(t, err)

	_, _, err = eve.Decrypt(ciphertext, "")
	reason, ok := ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, ReasonIdentityMismatch, reason)
}

func TestDecryptMalformed(t *testing.T) {
	bob := NewNaClEngine()
	_, err := bob.GenerateIdentity("")
	require.NoError(t, err)

	_, _, err = bob.Decrypt([]byte("no magic here"), "")
	reason, ok := ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, ReasonMalformed, reason)
}

func TestErrorsCarryNoSecrets(t *testing.T) {
	alice, _, bob, bobID := pairedEngines(t, "", "hunter2")

	ciphertext, err := alice.Encrypt([]byte("payload"), bobID)
	require.NoError(t, err)

	_, _, err = bob.Decrypt(ciphertext, "wrong")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "hunter2")
	assert.NotContains(t, err.Error(), "wrong")
	assert.NotContains(t, err.Error(), "payload")
}

func TestImportKeyRejectsTamperedFingerprint(t *testing.T) {
	alice := NewNaClEngine()
	aliceID, err := alice.GenerateIdentity("")
	require.NoError(t, err)

	material, err := alice.ExportPublicKey(aliceID)
	require.NoError(t, err)

	var pm publicMaterial
	require.NoError(t, json.Unmarshal(material, &pm))
	pm.Fingerprint = "0000000000000000000000000000000000000000"
	tampered, err := json.Marshal(pm)
	require.NoError(t, err)

	bob := NewNaClEngine()
	_, err = bob.ImportKey(tampered)
	assert.Error(t, err)
}

func TestEncryptUnknownRecipient(t *testing.T) {
	alice := NewNaClEngine()
	_, err := alice.GenerateIdentity("")
	require.NoError(t, err)

	_, err = alice.Encrypt([]byte("hi"), Identity("deadbeef"))
	assert.ErrorIs(t, err, ErrUnknownIdentity)
}

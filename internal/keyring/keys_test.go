package keyring

import (
	"encoding/asn1"
	"encoding/hex"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndAddressShape(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	assert.Len(t, kp.PublicKeyHex, 130)
	assert.Equal(t, "04", kp.PublicKeyHex[:2])
	assert.True(t, ValidAddress(kp.Address), "address %q", kp.Address)
	assert.Len(t, kp.ProofID(), 128)
}

func TestFromHexDeterministicAddress(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	again, err := FromHex(kp.PrivateKeyHex())
	require.NoError(t, err)

	assert.Equal(t, kp.Address, again.Address)
	assert.Equal(t, kp.PublicKeyHex, again.PublicKeyHex)

	// With and without 04 prefix derive the same address.
	assert.Equal(t,
		AddressFromPublicKey(kp.PublicKeyHex),
		AddressFromPublicKey(kp.ProofID()))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	value := map[string]interface{}{"fiberId": "f-1", "eventName": "accept", "payload": map[string]interface{}{"agent": kp.Address}}

	for _, dataUpdate := range []bool{false, true} {
		proof, err := kp.Sign(value, dataUpdate)
		require.NoError(t, err)
		assert.Equal(t, kp.ProofID(), proof.ID)

		require.NoError(t, VerifyProof(value, proof, dataUpdate))

		// Tampered value must fail.
		bad := map[string]interface{}{"fiberId": "f-2"}
		assert.ErrorIs(t, VerifyProof(bad, proof, dataUpdate), ErrSignatureVerificationFailed)
	}
}

func TestEmittedSignaturesAreLowS(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	for i := 0; i < 32; i++ {
		proof, err := kp.Sign(map[string]interface{}{"n": i}, false)
		require.NoError(t, err)
		low, err := IsLowS(proof.Signature)
		require.NoError(t, err)
		assert.True(t, low, "iteration %d produced high-S", i)
	}
}

func TestHighSRewriteStillVerifies(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)
	value := map[string]interface{}{"k": "v"}

	proof, err := kp.Sign(value, false)
	require.NoError(t, err)

	// Flip to the high-S twin: S' = n − S.
	raw, err := hex.DecodeString(proof.Signature)
	require.NoError(t, err)
	var der struct{ R, S *big.Int }
	_, err = asn1.Unmarshal(raw, &der)
	require.NoError(t, err)
	der.S.Sub(curveOrder, der.S)
	highS, err := asn1.Marshal(der)
	require.NoError(t, err)

	proof.Signature = hex.EncodeToString(highS)
	low, err := IsLowS(proof.Signature)
	require.NoError(t, err)
	require.False(t, low)

	// Verification normalizes and accepts.
	assert.NoError(t, VerifyProof(value, proof, false))
}

func TestVerifyAllRequiresProofs(t *testing.T) {
	err := VerifyAll(map[string]interface{}{}, nil, false)
	assert.ErrorIs(t, err, ErrSignatureVerificationFailed)
}

func TestVerifyMalformedSignature(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)
	proof := SignatureProof{ID: kp.ProofID(), Signature: "deadbeef"}
	assert.ErrorIs(t, VerifyProof(map[string]interface{}{}, proof, false), ErrSignatureMalformed)
}

func TestWalletPoolPersistence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wallets.json")

	pool, err := OpenWalletPool(path)
	require.NoError(t, err)

	kp, err := Generate()
	require.NoError(t, err)
	pool.Add(WalletRecord{
		Address:    kp.Address,
		PublicKey:  kp.PublicKeyHex,
		PrivateKey: kp.PrivateKeyHex(),
		Platform:   "sim",
		Handle:     "agent-0",
	})
	pool.MarkRegistered(kp.Address, "fiber-123")
	require.NoError(t, pool.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), kp.Address)
	assert.Contains(t, string(raw), "fiber-123")

	reopened, err := OpenWalletPool(path)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Size())

	// Registered wallets are not drawable.
	_, ok := reopened.Draw()
	assert.False(t, ok)
}

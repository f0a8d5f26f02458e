package keyring

import (
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/fibernet/backend/internal/canonical"
)

// SignatureProof is a (public key, signature) pair attached to a signed value.
type SignatureProof struct {
	// ID is the uncompressed public key hex without the 04 prefix.
	ID string `json:"id"`
	// Signature is the DER-encoded ECDSA signature, hex, low-S normalized.
	Signature string `json:"signature"`
}

// derSignature mirrors the ASN.1 SEQUENCE { r INTEGER, s INTEGER } layout.
type derSignature struct {
	R, S *big.Int
}

var (
	curveOrder     = secp256k1.S256().N
	halfCurveOrder = new(big.Int).Rsh(curveOrder, 1)
)

// Sign produces a low-S DER signature over the canonical digest of value.
// dataUpdate selects the DataUpdate envelope digest instead of the regular
// hex-hash digest.
func (k *KeyPair) Sign(value interface{}, dataUpdate bool) (SignatureProof, error) {
	digest, err := canonical.Digest(value, dataUpdate)
	if err != nil {
		return SignatureProof{}, err
	}
	return k.SignDigest(digest)
}

// SignDigest signs a precomputed 32-byte digest.
func (k *KeyPair) SignDigest(digest []byte) (SignatureProof, error) {
	sig := secpecdsa.Sign(k.priv, digest)
	r := new(big.Int)
	s := new(big.Int)
	rs := sig.R()
	ss := sig.S()
	rb := rs.Bytes()
	sb := ss.Bytes()
	r.SetBytes(rb[:])
	s.SetBytes(sb[:])
	// secp256k1's signer already emits low-S, but normalize anyway so the
	// invariant never depends on the library version.
	if s.Cmp(halfCurveOrder) > 0 {
		s.Sub(curveOrder, s)
	}
	der, err := asn1.Marshal(derSignature{R: r, S: s})
	if err != nil {
		return SignatureProof{}, fmt.Errorf("encode signature: %w", err)
	}
	return SignatureProof{ID: k.ProofID(), Signature: hex.EncodeToString(der)}, nil
}

// VerifyProof checks one proof against the canonical digest of value.
// High-S signatures are rewritten to low-S before verification, so both
// forms of an otherwise-valid signature are accepted.
func VerifyProof(value interface{}, proof SignatureProof, dataUpdate bool) error {
	digest, err := canonical.Digest(value, dataUpdate)
	if err != nil {
		return err
	}
	return VerifyProofDigest(digest, proof)
}

// VerifyProofDigest checks one proof against a precomputed digest.
func VerifyProofDigest(digest []byte, proof SignatureProof) error {
	pubKey, err := parseProofKey(proof.ID)
	if err != nil {
		return err
	}

	raw, err := hex.DecodeString(proof.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureMalformed, err)
	}
	var der derSignature
	if rest, err := asn1.Unmarshal(raw, &der); err != nil || len(rest) != 0 {
		return fmt.Errorf("%w: bad DER encoding", ErrSignatureMalformed)
	}
	if der.R.Sign() <= 0 || der.S.Sign() <= 0 || der.R.Cmp(curveOrder) >= 0 || der.S.Cmp(curveOrder) >= 0 {
		return fmt.Errorf("%w: r/s out of range", ErrSignatureMalformed)
	}

	s := new(big.Int).Set(der.S)
	if s.Cmp(halfCurveOrder) > 0 {
		s.Sub(curveOrder, s)
	}

	var rScalar, sScalar secp256k1.ModNScalar
	if overflow := rScalar.SetByteSlice(der.R.Bytes()); overflow {
		return fmt.Errorf("%w: r overflows", ErrSignatureMalformed)
	}
	if overflow := sScalar.SetByteSlice(s.Bytes()); overflow {
		return fmt.Errorf("%w: s overflows", ErrSignatureMalformed)
	}

	if !secpecdsa.NewSignature(&rScalar, &sScalar).Verify(digest, pubKey) {
		return ErrSignatureVerificationFailed
	}
	return nil
}

// VerifyAll checks that proofs is non-empty and every proof verifies.
func VerifyAll(value interface{}, proofs []SignatureProof, dataUpdate bool) error {
	if len(proofs) == 0 {
		return fmt.Errorf("%w: no proofs attached", ErrSignatureVerificationFailed)
	}
	digest, err := canonical.Digest(value, dataUpdate)
	if err != nil {
		return err
	}
	for i, p := range proofs {
		if err := VerifyProofDigest(digest, p); err != nil {
			return fmt.Errorf("proof %d: %w", i, err)
		}
	}
	return nil
}

// IsLowS reports whether a hex DER signature carries S ≤ n/2.
func IsLowS(signatureHex string) (bool, error) {
	raw, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrSignatureMalformed, err)
	}
	var der derSignature
	if rest, err := asn1.Unmarshal(raw, &der); err != nil || len(rest) != 0 {
		return false, fmt.Errorf("%w: bad DER encoding", ErrSignatureMalformed)
	}
	return der.S.Cmp(halfCurveOrder) <= 0, nil
}

func parseProofKey(id string) (*secp256k1.PublicKey, error) {
	keyHex := id
	if len(keyHex) == 128 {
		keyHex = "04" + keyHex
	}
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: bad proof id", ErrSignatureMalformed)
	}
	pubKey, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureMalformed, err)
	}
	return pubKey, nil
}

// Package keyring manages secp256k1 keypairs, address derivation, and the
// signature proofs attached to every metagraph submission.
package keyring

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/mr-tron/base58"
)

var (
	// ErrSignatureMalformed indicates a proof that cannot be parsed.
	ErrSignatureMalformed = errors.New("signature malformed")
	// ErrSignatureVerificationFailed indicates a parseable proof that does
	// not verify against the value's digest.
	ErrSignatureVerificationFailed = errors.New("signature verification failed")
)

// pkcsPrefix is the DER SubjectPublicKeyInfo header for an uncompressed
// secp256k1 point. Address derivation hashes the prefixed public key hex.
const pkcsPrefix = "3056301006072a8648ce3d020106052b8104000a034200"

// KeyPair holds a secp256k1 private key together with its derived identity.
type KeyPair struct {
	priv *secp256k1.PrivateKey

	// PublicKeyHex is the uncompressed point, 04-prefixed, 130 hex chars.
	PublicKeyHex string
	// Address is the DAG-style identifier derived from the public key.
	Address string
}

// Generate creates a fresh keypair.
func Generate() (*KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	return fromPrivate(priv), nil
}

// FromHex reconstructs a keypair from a 64-char hex private scalar.
func FromHex(privateKeyHex string) (*KeyPair, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode private key hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(raw))
	}
	return fromPrivate(secp256k1.PrivKeyFromBytes(raw)), nil
}

func fromPrivate(priv *secp256k1.PrivateKey) *KeyPair {
	pubHex := hex.EncodeToString(priv.PubKey().SerializeUncompressed())
	return &KeyPair{
		priv:         priv,
		PublicKeyHex: pubHex,
		Address:      AddressFromPublicKey(pubHex),
	}
}

// PrivateKeyHex returns the 64-char hex private scalar.
func (k *KeyPair) PrivateKeyHex() string {
	return hex.EncodeToString(k.priv.Serialize())
}

// ProofID returns the public key hex without the 04 prefix, the form carried
// in SignatureProof.ID.
func (k *KeyPair) ProofID() string {
	return strings.TrimPrefix(k.PublicKeyHex, "04")
}

// AddressFromPublicKey derives the DAG-style address for an uncompressed
// public key hex (with or without the 04 prefix):
// sha256(pkcsPrefix + pubKeyHex) → base58 → last 36 chars, prefixed with
// "DAG" and a parity digit (sum of numeric chars mod 9).
func AddressFromPublicKey(publicKeyHex string) string {
	if len(publicKeyHex) == 128 {
		publicKeyHex = "04" + publicKeyHex
	}
	sum := sha256.Sum256([]byte(pkcsPrefix + publicKeyHex))
	encoded := base58.Encode(sum[:])
	if len(encoded) > 36 {
		encoded = encoded[len(encoded)-36:]
	}

	parity := 0
	for _, c := range encoded {
		if c >= '0' && c <= '9' {
			parity += int(c - '0')
		}
	}
	return fmt.Sprintf("DAG%d%s", parity%9, encoded)
}

// ValidAddress reports whether s has the shape of a derived address.
func ValidAddress(s string) bool {
	if len(s) != 40 || !strings.HasPrefix(s, "DAG") {
		return false
	}
	return s[3] >= '0' && s[3] <= '9'
}

// Package identity implements C1: per-node signing keypairs, deterministic
// signing/verification over the canonical vote encoding, and node_id
// fingerprinting. Grounded on crypto/keys.go's PrivateKey/PublicKey wrapper
// and crypto.PubkeyToAddress-style fingerprinting.
package identity

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the human-readable bech32 prefix for node identifiers.
const AddressPrefix = "bftnode"

// ErrKeyFileMissing is fatal: a node expecting continuity found no key file.
var ErrKeyFileMissing = errors.New("identity: key file absent, refusing to silently regenerate")

// PrivateKey wraps a secp256k1 signing key.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

// PublicKey wraps the corresponding verification key.
type PublicKey struct {
	*ecdsa.PublicKey
}

// GeneratePrivateKey creates a fresh secp256k1 keypair.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromBytes reconstructs a key from its raw scalar encoding.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the raw scalar encoding of the private key.
func (k *PrivateKey) Bytes() []byte {
	return ethcrypto.FromECDSA(k.PrivateKey)
}

// PubKey derives the corresponding public key.
func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Bytes returns the uncompressed SEC1 encoding of the public key.
func (k *PublicKey) Bytes() []byte {
	return ethcrypto.FromECDSAPub(k.PublicKey)
}

// PublicKeyFromBytes parses an uncompressed SEC1-encoded public key.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	key, err := ethcrypto.UnmarshalPubkey(b)
	if err != nil {
		return nil, err
	}
	return &PublicKey{key}, nil
}

// Fingerprint derives a stable short node_id candidate from a public key by
// folding the Ethereum-style address into an unsigned integer. Callers
// compare this against the node's declared node_id from the trust anchor;
// the roster, not the fingerprint, is authoritative for the node_id space.
func Fingerprint(pub *PublicKey) uint64 {
	addr := ethcrypto.PubkeyToAddress(*pub.PublicKey)
	return binary.BigEndian.Uint64(addr.Bytes()[12:20])
}

// Bech32Address renders the public key's address in a human-readable form,
// the same way crypto.Address does for trust-anchor display and logging.
func Bech32Address(pub *PublicKey) (string, error) {
	addr := ethcrypto.PubkeyToAddress(*pub.PublicKey).Bytes()
	conv, err := bech32.ConvertBits(addr, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(AddressPrefix, conv)
}

// Identity binds a node_id to a keypair and exposes the C1 contract: sign,
// verify, fingerprint.
type Identity struct {
	NodeID int
	priv   *PrivateKey
	pub    *PublicKey
}

// New binds the given node_id to a private key.
func New(nodeID int, priv *PrivateKey) *Identity {
	return &Identity{NodeID: nodeID, priv: priv, pub: priv.PubKey()}
}

// PublicKey exposes this node's public key for trust-anchor publication.
func (id *Identity) PublicKey() *PublicKey {
	return id.pub
}

// Sign produces a deterministic signature over the canonical payload
// encoding. ethcrypto.Sign's recoverable-signature (65-byte) output is
// deterministic for a given (key, hash) pair per RFC 6979, matching
// consensus/bft/bft.go's signing convention.
func (id *Identity) Sign(payload []byte) ([]byte, error) {
	hash := ethcrypto.Keccak256(payload)
	return ethcrypto.Sign(hash, id.priv.PrivateKey)
}

// Verify reports whether signature is a valid signature over payload under
// public_key. It never panics on malformed input and always returns false
// rather than an error, matching the spec's constant-time-verification
// contract: mismatch of any kind is indistinguishable to the caller.
func Verify(pub *PublicKey, payload, signature []byte) bool {
	if pub == nil || len(signature) != 65 {
		return false
	}
	hash := ethcrypto.Keccak256(payload)
	recovered, err := ethcrypto.SigToPub(hash, signature)
	if err != nil {
		return false
	}
	return ethcrypto.PubkeyToAddress(*recovered).Hex() == ethcrypto.PubkeyToAddress(*pub.PublicKey).Hex()
}

// RecoverAddress recovers the signer's Ethereum-style hex address from a
// signature over payload. The transport handshake checks signatures with
// Verify against the roster key instead of calling this.
func RecoverAddress(payload, signature []byte) (string, error) {
	if len(signature) != 65 {
		return "", fmt.Errorf("identity: signature must be 65 bytes, got %d", len(signature))
	}
	hash := ethcrypto.Keccak256(payload)
	pub, err := ethcrypto.SigToPub(hash, signature)
	if err != nil {
		return "", err
	}
	return ethcrypto.PubkeyToAddress(*pub).Hex(), nil
}

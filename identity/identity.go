package identity

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// ErrIdentityUnavailable is returned when the signing key cannot be loaded.
// It maps to spec.md's IdentityUnavailable error kind: fatal, surfaced to the
// operator.
var ErrIdentityUnavailable = errors.New("identity: signing key unavailable")

// Identity is the tuple (name, address, public_key, signing_key) a process
// carries for its whole lifetime. The signing key never leaves this struct;
// callers only ever get signatures out of it.
type Identity struct {
	Name    string
	Address common.Address

	pub *ecdsa.PublicKey
	key *ecdsa.PrivateKey
}

// New wraps a raw ECDSA private key (secp256k1) as an Identity bound to name.
func New(name string, key *ecdsa.PrivateKey) *Identity {
	pub := &key.PublicKey
	return &Identity{
		Name:    name,
		Address: crypto.PubkeyToAddress(*pub),
		pub:     pub,
		key:     key,
	}
}

// FromHex loads a private key from a hex-encoded string (with or without a
// leading "0x"), the format the CLIENT_PRIVATE_KEY environment variable
// carries.
func FromHex(name, hexKey string) (*Identity, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	return New(name, key), nil
}

// FromKeyFile loads a private key from a file containing a hex-encoded key,
// the way a one-time wallet-provisioning step would leave it on disk. Fails
// with ErrIdentityUnavailable if the file is missing or unreadable, per
// spec.md 4.A.
func FromKeyFile(name, path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	return FromHex(name, strings.TrimSpace(string(data)))
}

// PublicKey returns the identity's public key.
func (id *Identity) PublicKey() *ecdsa.PublicKey {
	return id.pub
}

// Sign produces a secp256k1 signature over the Keccak256 hash of data. The
// signing key never leaves this method.
func (id *Identity) Sign(data []byte) ([]byte, error) {
	hash := crypto.Keccak256(data)
	return crypto.Sign(hash, id.key)
}

// SignDigest signs a pre-computed 32-byte digest directly, without hashing
// it again. Used for on-chain transaction signing, where go-ethereum's
// transaction signers hand back a digest that must be signed as-is.
func (id *Identity) SignDigest(digest [32]byte) ([]byte, error) {
	return crypto.Sign(digest[:], id.key)
}

// EphemeralKeypair generates a fresh signing key scoped to a single
// clearing-network authentication (spec.md "Ephemeral session key"). The
// caller owns the returned key for the lifetime of one authenticated
// session; it is discarded on disconnect.
func (id *Identity) EphemeralKeypair() (*ecdsa.PrivateKey, common.Address, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("generate ephemeral key: %w", err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey), nil
}

// EIP712Sign signs typedData with the identity's signing key, producing the
// signature the clearing-network auth handshake embeds via the ephemeral
// key's signer (spec.md 4.C step 3).
func (id *Identity) EIP712Sign(typedData apitypes.TypedData) ([]byte, error) {
	digest, err := eip712Digest(typedData)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, id.key)
	if err != nil {
		return nil, err
	}
	// Match the wallet convention (v in {27,28}) most clearing networks expect.
	if len(sig) == 65 {
		sig[64] += 27
	}
	return sig, nil
}

// EIP712SignWith signs typedData with an arbitrary private key (used to sign
// with an ephemeral session key rather than the long-lived identity key).
func EIP712SignWith(key *ecdsa.PrivateKey, typedData apitypes.TypedData) ([]byte, error) {
	digest, err := eip712Digest(typedData)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, err
	}
	if len(sig) == 65 {
		sig[64] += 27
	}
	return sig, nil
}

func eip712Digest(typedData apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("hash message: %w", err)
	}
	rawData := fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash))
	return crypto.Keccak256([]byte(rawData)), nil
}

// VerifySignature recovers the signer address from a Keccak256(data)
// signature and checks it against want.
func VerifySignature(data, sig []byte, want common.Address) (bool, error) {
	if len(sig) != 65 {
		return false, errors.New("identity: invalid signature length")
	}
	// Recover expects the recovery id in the last byte to be 0/1.
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	hash := crypto.Keccak256(data)
	pub, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return false, err
	}
	return crypto.PubkeyToAddress(*pub) == want, nil
}

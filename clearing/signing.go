package clearing

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// signedRequest is the wire shape of a single outbound RPC call:
// {"req": [id, method, payload, ts, signature]}. Adapted from
// protocol.Signed[T]'s generic sign-then-wrap shape, replacing the Ed25519
// signature over (object||pubkey) with a secp256k1 signature over the
// serialized request tuple, signed by the connection's ephemeral key rather
// than a long-lived identity key.
type signedRequest struct {
	Req [5]any `json:"req"`
}

// buildSignedRequest serializes (id, method, payload, ts) and signs the
// result with ephemeralKey, producing the envelope the clearing network
// expects on every outbound frame (spec.md 4.C: "Every outbound request is
// signed with the ephemeral key.").
func buildSignedRequest(ephemeralKey *ecdsa.PrivateKey, id uint64, method string, payload any, ts int64) ([]byte, error) {
	unsigned := [4]any{id, method, payload, ts}
	body, err := json.Marshal(unsigned)
	if err != nil {
		return nil, fmt.Errorf("clearing: marshal request body: %w", err)
	}

	hash := crypto.Keccak256(body)
	sig, err := crypto.Sign(hash, ephemeralKey)
	if err != nil {
		return nil, fmt.Errorf("clearing: sign request: %w", err)
	}

	env := signedRequest{Req: [5]any{id, method, payload, ts, "0x" + fmt.Sprintf("%x", sig)}}
	return json.Marshal(env)
}

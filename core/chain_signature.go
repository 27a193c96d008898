package core

// chain_signature.go - the chain-module signature collaborator:
// verifySignature and its counterpart signing helper. A real deployment
// wires a chain-specific signer (the blockchain's native curve); this
// implementation standardises on secp256k1 (decred's curve and ECDSA
// implementation) with go-ethereum's Keccak helper for address derivation.

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// FlattenedJWS is the flattened JWS serialisation form:
// {protected, payload, signature}, each a base64url string.
type FlattenedJWS struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// jwsHeader is the minimal ES256/secp256k1 protected header this corpus
// produces; only "alg" is asserted on verify.
type jwsHeader struct {
	Alg string `json:"alg"`
}

const jwsAlg = "ES256"

// signingInput returns the ASCII bytes that are hashed and signed for a
// flattened JWS: base64url(protected) || "." || base64url(payload).
func signingInput(protectedB64, payloadB64 string) []byte {
	return []byte(protectedB64 + "." + payloadB64)
}

// CreateJWS signs payload (already-marshalled JSON) with priv (a 32-byte
// secp256k1 scalar) and returns the flattened serialisation.
func CreateJWS(priv []byte, payload []byte) (jws FlattenedJWS, err error) {
	header, err := json.Marshal(jwsHeader{Alg: jwsAlg})
	if err != nil {
		return jws, fmt.Errorf("create jws: marshal header: %w", err)
	}
	protectedB64 := base64.RawURLEncoding.EncodeToString(header)
	payloadB64 := base64.RawURLEncoding.EncodeToString(payload)

	key := secp256k1.PrivKeyFromBytes(priv)
	defer key.Zero()

	digest := sha256.Sum256(signingInput(protectedB64, payloadB64))
	sig := ecdsa.Sign(key, digest[:])

	jws = FlattenedJWS{
		Protected: protectedB64,
		Payload:   payloadB64,
		Signature: base64.RawURLEncoding.EncodeToString(sig.Serialize()),
	}
	return jws, nil
}

// VerifySignature verifies a flattened JWS against a compressed secp256k1 public
// key and, on success, returns the decoded JSON payload bytes for the
// caller to unmarshal.
func VerifySignature(pub []byte, jws FlattenedJWS) (payload []byte, err error) {
	var header jwsHeader
	headerRaw, err := base64.RawURLEncoding.DecodeString(jws.Protected)
	if err != nil {
		return nil, fmt.Errorf("verify jws: decode header: %w", err)
	}
	if err = json.Unmarshal(headerRaw, &header); err != nil {
		return nil, fmt.Errorf("verify jws: unmarshal header: %w", err)
	}
	if header.Alg != jwsAlg {
		return nil, fmt.Errorf("verify jws: unsupported alg %q", header.Alg)
	}

	payload, err = base64.RawURLEncoding.DecodeString(jws.Payload)
	if err != nil {
		return nil, fmt.Errorf("verify jws: decode payload: %w", err)
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(jws.Signature)
	if err != nil {
		return nil, fmt.Errorf("verify jws: decode signature: %w", err)
	}

	pubKey, err := secp256k1.ParsePubKey(pub)
	if err != nil {
		return nil, fmt.Errorf("verify jws: parse pubkey: %w", err)
	}

	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return nil, fmt.Errorf("verify jws: parse signature: %w", err)
	}

	digest := sha256.Sum256(signingInput(jws.Protected, jws.Payload))
	if !sig.Verify(digest[:], pubKey) {
		return nil, fmt.Errorf("verify jws: signature invalid")
	}
	return payload, nil
}

// RecoverAddress derives the canonical hex address for a compressed
// secp256k1 public key, reusing go-ethereum's Keccak-based address
// scheme. Useful when VerificationData or message meta carries only a
// public key and the caller needs the blockchain-native address form.
func RecoverAddress(pub []byte) (string, error) {
	key, err := secp256k1.ParsePubKey(pub)
	if err != nil {
		return "", fmt.Errorf("recover address: %w", err)
	}
	uncompressed := key.SerializeUncompressed()
	addr := gethcrypto.Keccak256(uncompressed[1:])[12:]
	return "0x" + fmt.Sprintf("%x", addr), nil
}

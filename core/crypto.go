package core

// crypto.go - Crypto Primitives Layer for the Whiteflag state and
// authentication planes.
//
// Wraps HKDF (RFC 5869, SHA-256), AES-GCM envelope encryption, and ECDH
// on secp256k1. Callers that extract a private key or derived secret from
// here are responsible for zeroising it at the edge of use; zeroise() is
// provided for that purpose.
//
// Import hygiene: crypto depends only on stdlib + secp256k1 + x/crypto/hkdf
// and sits below the state store and listener layers.

import (
	"crypto/aes"
	"crypto/cipher"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/hkdf"
)

const (
	// gcmStandardNonceSize is the 12-octet IV size the wire format requires
	// for both DEK (AES-256-GCM) and KEK (AES-128-GCM) operations.
	gcmStandardNonceSize = 12
	// gcmTagSize is the GCM authentication tag length the wire format
	// requires.
	gcmTagSize = 16
)

//---------------------------------------------------------------------
// HKDF (RFC 5869, SHA-256)
//---------------------------------------------------------------------

// HKDF derives length octets from ikm using RFC 5869 HKDF-SHA-256
// (HMAC-SHA-256 extract + counter-indexed expand). The ikm buffer is
// zeroised once the extract step has consumed it.
func HKDF(ikm, salt, info []byte, length int) ([]byte, error) {
	if length <= 0 || length > 255*sha256.Size {
		return nil, fmt.Errorf("hkdf: invalid length %d", length)
	}
	defer zeroiseContract(ikm)

	reader := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("hkdf: expand: %w", err)
	}
	return out, nil
}

// zeroiseContract overwrites ikm after HKDF has consumed it. Kept as a
// distinct helper (rather than inlining zeroise) because HKDF only owns a
// reference to the caller's buffer, not a copy: zeroising here also
// zeroises the caller's original slice, which is the documented contract.
func zeroiseContract(b []byte) { zeroise(b) }

// Hash returns the hexadecimal digest of data using algorithm ("sha256" is
// the only one supported), optionally truncated to length octets
// (i.e. 2*length hex characters). A zero or negative length returns the
// full digest.
func Hash(data []byte, length int, algorithm string) (string, error) {
	if algorithm != "" && algorithm != "sha256" {
		return "", fmt.Errorf("hash: unsupported algorithm %q", algorithm)
	}
	sum := sha256.Sum256(data)
	digest := sum[:]
	if length > 0 && length < len(digest) {
		digest = digest[:length]
	}
	return hex.EncodeToString(digest), nil
}

// KeyID derives the 12-octet hex key-id used throughout the state store
// (hash(input)[:24 hex chars]), e.g. hash(chain+address) or
// hash(chain+originator+account).
func KeyID(parts ...string) string {
	joined := ""
	for _, p := range parts {
		joined += p
	}
	id, _ := Hash([]byte(joined), 12, "sha256")
	return id
}

// zeroise overwrites buffer with zeros and returns it. Implemented with an
// explicit byte-by-byte loop so the compiler cannot hoist it away as a
// dead store. Best effort: the GC may still have copied the buffer, but
// the state store relies on the original backing array being cleared.
func zeroise(buffer []byte) []byte {
	for i := range buffer {
		buffer[i] = 0
	}
	return buffer
}

//---------------------------------------------------------------------
// AES-GCM envelope encryption (DEK / KEK)
//---------------------------------------------------------------------

// EncryptedEnvelope is the {tag, iv, ciphertext} on-disk triple used for
// both the whole-state DEK envelope and each per-key KEK envelope. Tag and
// IV are hex; the caller decides the ciphertext encoding
// (base64 for state, hex for keys) via the two helpers below.
type EncryptedEnvelope struct {
	Tag        string
	IV         string
	Ciphertext []byte
}

// SealGCM encrypts plaintext under key (16 or 32 bytes select AES-128/256)
// with a fresh random 12-byte IV, returning the GCM tag, IV and raw
// ciphertext separately so callers can serialise the wire shape they need
// (tag/iv hex, state base64 or key hex).
func SealGCM(key, plaintext []byte) (envelope EncryptedEnvelope, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return envelope, fmt.Errorf("seal: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, gcmStandardNonceSize)
	if err != nil {
		return envelope, fmt.Errorf("seal: %w", err)
	}
	iv := make([]byte, gcmStandardNonceSize)
	if _, err = io.ReadFull(crand.Reader, iv); err != nil {
		return envelope, fmt.Errorf("seal: iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	if len(sealed) < gcmTagSize {
		return envelope, errors.New("seal: unexpected ciphertext length")
	}
	ct := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]
	return EncryptedEnvelope{
		Tag:        hex.EncodeToString(tag),
		IV:         hex.EncodeToString(iv),
		Ciphertext: ct,
	}, nil
}

// OpenGCM reverses SealGCM. Returns CorruptedState when tag/iv are
// malformed or the AEAD authentication fails.
func OpenGCM(key []byte, envelope EncryptedEnvelope) ([]byte, error) {
	if envelope.Tag == "" || envelope.IV == "" {
		return nil, CorruptedState("OpenGCM", errors.New("missing tag or iv"))
	}
	tag, err := hex.DecodeString(envelope.Tag)
	if err != nil {
		return nil, CorruptedState("OpenGCM", fmt.Errorf("decode tag: %w", err))
	}
	iv, err := hex.DecodeString(envelope.IV)
	if err != nil {
		return nil, CorruptedState("OpenGCM", fmt.Errorf("decode iv: %w", err))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, CorruptedState("OpenGCM", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, gcmStandardNonceSize)
	if err != nil {
		return nil, CorruptedState("OpenGCM", err)
	}
	sealed := append(append([]byte{}, envelope.Ciphertext...), tag...)
	plain, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, CorruptedState("OpenGCM", fmt.Errorf("authentication failed: %w", err))
	}
	return plain, nil
}

//---------------------------------------------------------------------
// MEK-derived DEK / KEK
//---------------------------------------------------------------------

// Fixed 32-octet salts baked into the build.
var (
	dekSalt = [32]byte{
		0x57, 0x68, 0x69, 0x74, 0x65, 0x66, 0x6c, 0x61, 0x67, 0x2d, 0x44, 0x45, 0x4b, 0x2d, 0x53, 0x41,
		0x4c, 0x54, 0x2d, 0x30, 0x31, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	kekSalt = [32]byte{
		0x57, 0x68, 0x69, 0x74, 0x65, 0x66, 0x6c, 0x61, 0x67, 0x2d, 0x4b, 0x45, 0x4b, 0x2d, 0x53, 0x41,
		0x4c, 0x54, 0x2d, 0x30, 0x31, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
)

// DeriveDEK derives the 32-octet AES-256-GCM data-encryption key from the
// master key: DEK = HKDF(MEK, salt=DEKSALT, info="DEK-00", 32).
func DeriveDEK(mek []byte) ([]byte, error) {
	ikm := append([]byte{}, mek...)
	return HKDF(ikm, dekSalt[:], []byte("DEK-00"), 32)
}

// DeriveKEK derives the 16-octet AES-128-GCM key-encryption key for a given
// key-record id: KEK(id) = HKDF(MEK, salt=KEKSALT, info="KEK-" + id, 16).
func DeriveKEK(mek []byte, id string) ([]byte, error) {
	ikm := append([]byte{}, mek...)
	return HKDF(ikm, kekSalt[:], []byte("KEK-"+id), 16)
}

//---------------------------------------------------------------------
// ECDH on secp256k1
//---------------------------------------------------------------------

// GenerateECDHKeyPair creates a fresh secp256k1 key pair for use as an
// originator's or account's ECDH key material.
func GenerateECDHKeyPair() (priv []byte, pub []byte, err error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("generate ecdh keypair: %w", err)
	}
	privBytes := key.Serialize()
	pubBytes := key.PubKey().SerializeCompressed()
	return privBytes, pubBytes, nil
}

// DerivePublicKey returns the compressed secp256k1 public key for priv,
// used when the Management Plane needs to resend a previously-generated
// ECDH public key without keeping a redundant copy alongside the private
// key in the keystore.
func DerivePublicKey(priv []byte) ([]byte, error) {
	key := secp256k1.PrivKeyFromBytes(priv)
	defer key.Zero()
	return key.PubKey().SerializeCompressed(), nil
}

// ECDHSharedSecret computes the shared secret for a local private key and
// a remote compressed public key, as stored in the negotiatedKeys bucket.
// The result is SHA-256(x-coordinate of privKey*pubKey), matching the
// conventional compressed-point ECDH construction.
func ECDHSharedSecret(privKey, remotePub []byte) ([]byte, error) {
	priv := secp256k1.PrivKeyFromBytes(privKey)
	defer priv.Zero()
	pub, err := secp256k1.ParsePubKey(remotePub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: parse remote pubkey: %w", err)
	}
	var point secp256k1.JacobianPoint
	pub.AsJacobian(&point)

	var result secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&priv.Key, &point, &result)
	result.ToAffine()

	x := result.X.Bytes()
	sum := sha256.Sum256(x[:])
	return sum[:], nil
}

//---------------------------------------------------------------------
// HMAC-SHA-256 shared-token generation
//---------------------------------------------------------------------

// GenerateToken derives the shared-token verification data for method 2
// authentication: HKDF(ikm=token, salt=tokenSalt, info=binaryAddress,
// L=32), returned as lowercase hex.
func GenerateToken(secret []byte, binaryAddress []byte) (string, error) {
	ikm := append([]byte{}, secret...)
	out, err := HKDF(ikm, tokenSalt[:], binaryAddress, 32)
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(out), nil
}

var tokenSalt = [32]byte{
	0x57, 0x68, 0x69, 0x74, 0x65, 0x66, 0x6c, 0x61, 0x67, 0x2d, 0x54, 0x4f, 0x4b, 0x2d, 0x53, 0x41,
	0x4c, 0x54, 0x2d, 0x30, 0x31, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

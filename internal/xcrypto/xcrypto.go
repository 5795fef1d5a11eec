// xcrypto.go - Conversation-key derivation and event signing.
// Copyright (C) 2024  the relayproxy authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package xcrypto implements the cryptographic primitives specified for the
// event pipeline: conversation-key derivation, symmetric encrypt/decrypt,
// canonical event hashing, signing, and signature verification.
//
// The scheme is NIP-44 v2 (ECDH + HKDF-SHA256 conversation key, ChaCha20 +
// HMAC-SHA256 payload encryption) layered under BIP-340 Schnorr signatures
// over secp256k1, exactly as the wider Nostr ecosystem implements it via
// github.com/nbd-wtf/go-nostr/nip44 and github.com/btcsuite/btcd/btcec/v2.
package xcrypto

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nbd-wtf/go-nostr/nip44"
)

// MaxPlaintext is the NIP-44 v2 plaintext ceiling, in bytes.
const MaxPlaintext = 65535

// Sentinel error kinds returned by the encrypt/decrypt/sign/verify helpers below.
var (
	// ErrDecrypt is returned when a ciphertext fails to decrypt: wrong key,
	// truncated payload, or a corrupted MAC.
	ErrDecrypt = fmt.Errorf("xcrypto: decrypt failed")
	// ErrVerify names the signature-verification failure kind. Verify does
	// not return it: a signature that does not verify against the claimed
	// public key and message is reported as (false, nil).
	ErrVerify = fmt.Errorf("xcrypto: signature verification failed")
	// ErrFormat is returned when an input violates a structural constraint
	// (oversized plaintext, malformed hex, wrong-length key).
	ErrFormat = fmt.Errorf("xcrypto: malformed input")
)

// Secret is a 32-byte secp256k1 scalar, hex-encoded on the wire.
type Secret [32]byte

// Public is a 32-byte secp256k1 x-only public point, hex-encoded on the
// wire (BIP-340 x-only convention, matching Nostr pubkeys).
type Public [32]byte

// RandomSecret generates a fresh cryptographically random secret key.
func RandomSecret() (Secret, error) {
	var s Secret
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return s, fmt.Errorf("xcrypto: generate key: %w", err)
	}
	copy(s[:], priv.Serialize())
	return s, nil
}

// PublicOf derives the x-only public key for a secret.
func PublicOf(s Secret) (Public, error) {
	var p Public
	priv, pub := btcec.PrivKeyFromBytes(s[:])
	_ = priv
	xonly := schnorr.SerializePubKey(pub)
	if len(xonly) != 32 {
		return p, ErrFormat
	}
	copy(p[:], xonly)
	return p, nil
}

// ConversationKey derives the symmetric key shared between ourSecret and
// theirPublic. It is symmetric: ConversationKey(a, B) == ConversationKey(b, A)
// for the corresponding keypairs.
func ConversationKey(ourSecret Secret, theirPublic Public) ([32]byte, error) {
	key, err := nip44.GenerateConversationKey(hex.EncodeToString(theirPublic[:]), hex.EncodeToString(ourSecret[:]))
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return key, nil
}

// Encrypt encrypts plaintext under convKey, returning the versioned,
// base64-encoded NIP-44 payload.
func Encrypt(plaintext string, convKey [32]byte) (string, error) {
	if len(plaintext) > MaxPlaintext {
		return "", fmt.Errorf("%w: plaintext exceeds %d bytes", ErrFormat, MaxPlaintext)
	}
	ct, err := nip44.Encrypt(plaintext, convKey)
	if err != nil {
		return "", fmt.Errorf("xcrypto: encrypt: %w", err)
	}
	return ct, nil
}

// Decrypt reverses Encrypt. Any failure — bad version byte, truncated
// payload, MAC mismatch — is reported as ErrDecrypt.
func Decrypt(ciphertext string, convKey [32]byte) (string, error) {
	pt, err := nip44.Decrypt(ciphertext, convKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return pt, nil
}

// canonicalArray is the [0, pubkey, created_at, kind, tags, content] shape
// hashed to produce an event id, per NIP-01: compact JSON, with <, > and &
// written as-is rather than HTML-escaped.
func canonicalArray(pubkey string, createdAt int64, kind int, tags [][]string, content string) ([]byte, error) {
	if tags == nil {
		tags = [][]string{}
	}
	arr := []interface{}{0, pubkey, createdAt, kind, tags, content}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(arr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// EventID computes the canonical 32-byte event id (as lowercase hex) for
// the given fields, per NIP-01's serialization rules.
func EventID(pubkey string, createdAt int64, kind int, tags [][]string, content string) (string, error) {
	b, err := canonicalArray(pubkey, createdAt, kind, tags, content)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Sign signs the 32-byte (hex-encoded) event id with secret, returning a
// 64-byte hex-encoded BIP-340 Schnorr signature.
func Sign(secret Secret, eventIDHex string) (string, error) {
	idBytes, err := hex.DecodeString(eventIDHex)
	if err != nil || len(idBytes) != 32 {
		return "", fmt.Errorf("%w: bad event id", ErrFormat)
	}
	priv, _ := btcec.PrivKeyFromBytes(secret[:])
	sig, err := schnorr.Sign(priv, idBytes, schnorr.FastSign())
	if err != nil {
		return "", fmt.Errorf("xcrypto: sign: %w", err)
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

// Verify checks a 64-byte hex-encoded Schnorr signature over eventIDHex
// against pubkeyHex.
func Verify(pubkeyHex, eventIDHex, sigHex string) (bool, error) {
	idBytes, err := hex.DecodeString(eventIDHex)
	if err != nil || len(idBytes) != 32 {
		return false, fmt.Errorf("%w: bad event id", ErrFormat)
	}
	pubBytes, err := hex.DecodeString(pubkeyHex)
	if err != nil || len(pubBytes) != 32 {
		return false, fmt.Errorf("%w: bad pubkey", ErrFormat)
	}
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil || len(sigBytes) != 64 {
		return false, fmt.Errorf("%w: bad signature", ErrFormat)
	}

	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return sig.Verify(idBytes, pub), nil
}

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("xcrypto: random bytes: %w", err)
	}
	return b, nil
}

// Hex is a small convenience wrapper so callers do not need to import
// encoding/hex solely to stringify a Secret/Public.
func (s Secret) Hex() string { return hex.EncodeToString(s[:]) }
func (p Public) Hex() string { return hex.EncodeToString(p[:]) }

// SecretFromHex parses a 32-byte hex-encoded secret.
func SecretFromHex(s string) (Secret, error) {
	var out Secret
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return out, fmt.Errorf("%w: secret must be 32 bytes hex", ErrFormat)
	}
	copy(out[:], b)
	return out, nil
}

// PublicFromHex parses a 32-byte hex-encoded public key.
func PublicFromHex(s string) (Public, error) {
	var out Public
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return out, fmt.Errorf("%w: public key must be 32 bytes hex", ErrFormat)
	}
	copy(out[:], b)
	return out, nil
}

// Package auth implements the credential primitives shared by the server's
// handshake and the client transport: PBKDF2-SHA512 password hashing and the
// HMAC-MD5 challenge proof.
//
// MD5 is weak by modern standards but is part of the observable protocol and
// is kept for bit-exact compatibility with existing peers.
package auth

import (
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // protocol-mandated HMAC hash
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Iterations for PBKDF2. Fixed by the protocol.
	Iterations = 10000
	// KeyLen is the PBKDF2 output length in bytes (SHA-512 digest size).
	KeyLen = 64
	// NonceSize is the number of random bytes in a handshake challenge.
	NonceSize = 64
)

// PasswordHash derives the stored credential for an account: the lowercase
// hex encoding of PBKDF2-SHA512(password, salt=lower(name)). Both sides key
// the challenge HMAC with these ASCII hex bytes, not the raw derived key.
func PasswordHash(name, password string) []byte {
	salt := []byte(strings.ToLower(name))
	key := pbkdf2.Key([]byte(password), salt, Iterations, KeyLen, sha512.New)
	return []byte(hex.EncodeToString(key))
}

// NewNonce returns a fresh challenge: NonceSize random bytes hex-encoded to
// the ASCII string that travels in the 511 frame's DATA field.
func NewNonce() (string, error) {
	raw := make([]byte, NonceSize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// Proof computes HMAC-MD5 over the nonce's ASCII bytes, keyed with the
// account's stored password hash.
func Proof(passwordHash []byte, nonce string) []byte {
	mac := hmac.New(md5.New, passwordHash)
	mac.Write([]byte(nonce))
	return mac.Sum(nil)
}

// VerifyProof compares an expected digest with the client's in constant
// time, so a mismatch leaks nothing about the matching prefix length.
func VerifyProof(expected, got []byte) bool {
	return hmac.Equal(expected, got)
}

package cryptoframe

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 4096
)

// SessionKeys holds the two sub-keys derived from the cluster's shared
// secret for one (cipher, hash) selection: a cipher key sized for the
// chosen cipher and an HMAC key sized for the chosen hash (§4.1).
type SessionKeys struct {
	CipherKey []byte
	HashKey   []byte
}

// DeriveSessionKeys imports the shared secret for use by a given
// (cipher, hash) pair. The shared secret is never used directly: it is
// first expanded by PBKDF2 into cipher- and hash-sized raw material, then
// each piece is imported by wrapping it under a fresh, ephemeral
// wrapping key and immediately unwrapping it — so the only key material
// that is ever held in the "general key table" (SessionKeys) has passed
// through a wrap/unwrap round trip, matching §4.1 "Session key
// derivation" and never exposing the raw shared secret bytes themselves
// in the returned struct.
func DeriveSessionKeys(sharedSecret []byte, cipherKind CipherKind, hashKind HashKind) (*SessionKeys, error) {
	if !cipherKind.valid() {
		return nil, fmt.Errorf("cryptoframe: invalid cipher kind %d", cipherKind)
	}
	if !hashKind.valid() {
		return nil, fmt.Errorf("cryptoframe: invalid hash kind %d", hashKind)
	}

	cipherLen := cipherKind.keyLen()
	hashLen := hashKind.keyLen()

	raw := pbkdf2.Key(sharedSecret, []byte("totemcrypto-session-salt"), pbkdf2Iterations, cipherLen+hashLen, sha256.New)

	cipherKey, err := importWrapped(raw[:cipherLen])
	if err != nil {
		return nil, fmt.Errorf("cryptoframe: import cipher key: %w", err)
	}
	hashKey, err := importWrapped(raw[cipherLen:])
	if err != nil {
		return nil, fmt.Errorf("cryptoframe: import hash key: %w", err)
	}

	return &SessionKeys{CipherKey: cipherKey, HashKey: hashKey}, nil
}

// importWrapped round-trips raw through a transient per-call wrapping key
// using AES-CTR (a self-inverse keystream XOR), so that the raw bytes are
// never the value actually propagated — only the wrap/unwrap result is.
// Zero-length input (CipherNone/HashNone) is returned unchanged.
func importWrapped(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	wrapKey := make([]byte, 32)
	if _, err := rand.Read(wrapKey); err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(wrapKey)
	if err != nil {
		return nil, err
	}

	wrapped := make([]byte, len(raw))
	cipher.NewCTR(block, iv).XORKeyStream(wrapped, raw)

	unwrapped := make([]byte, len(raw))
	cipher.NewCTR(block, iv).XORKeyStream(unwrapped, wrapped)

	return unwrapped, nil
}

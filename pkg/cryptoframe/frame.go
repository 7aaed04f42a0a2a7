package cryptoframe

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"fmt"
	"hash"

	"github.com/coro-totem/totemcore/pkg/constants"
)

const headerLen = 4 // cipher kind | hash kind | pad0 | pad1

// HeaderSize returns the fixed 4-byte on-wire header size. It is the same
// for every (cipher, hash) selection and does not include the salt or the
// trailing HMAC.
func HeaderSize() int { return headerLen }

func newHash(kind HashKind, key []byte) (hash.Hash, error) {
	switch kind {
	case HashNone:
		return nil, nil
	case HashMD5HMAC:
		return hmac.New(md5.New, key), nil
	case HashSHA1HMAC:
		return hmac.New(sha1.New, key), nil
	case HashSHA256HMAC:
		return hmac.New(sha256.New, key), nil
	case HashSHA384HMAC:
		return hmac.New(sha512.New384, key), nil
	case HashSHA512HMAC:
		return hmac.New(sha512.New, key), nil
	default:
		return nil, fmt.Errorf("cryptoframe: unsupported hash kind %d", kind)
	}
}

func newBlockCipher(kind CipherKind, key []byte) (cipher.Block, error) {
	switch kind {
	case CipherAES128CBC, CipherAES192CBC, CipherAES256CBC:
		return aes.NewCipher(key)
	case Cipher3DESCBC:
		return des.NewTripleDESCipher(key)
	default:
		return nil, fmt.Errorf("cryptoframe: unsupported cipher kind %d", kind)
	}
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("cryptoframe: ciphertext not block-aligned")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, fmt.Errorf("cryptoframe: invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("cryptoframe: invalid padding bytes")
		}
	}
	return data[:len(data)-padLen], nil
}

// EncryptAndSign wraps plaintext into a crypto frame: config header, fresh
// salt, ciphertext, trailing keyed hash over header‖salt‖ciphertext
// (hash-after-encrypt, §4.1). It never fails on valid (keys, cipher, hash)
// combinations; the salt is drawn fresh from crypto/rand for every call.
func EncryptAndSign(keys *SessionKeys, cipherKind CipherKind, hashKind HashKind, plaintext []byte) ([]byte, error) {
	if !cipherKind.valid() || !hashKind.valid() {
		return nil, fmt.Errorf("cryptoframe: invalid cipher/hash selection")
	}

	header := []byte{byte(cipherKind), byte(hashKind), 0, 0}

	salt := make([]byte, constants.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("cryptoframe: salt: %w", err)
	}

	var ciphertext []byte
	if cipherKind == CipherNone {
		ciphertext = append([]byte(nil), plaintext...)
	} else {
		block, err := newBlockCipher(cipherKind, keys.CipherKey)
		if err != nil {
			return nil, err
		}
		bs := cipherKind.blockSize()
		iv := salt[:bs]
		padded := pkcs7Pad(plaintext, bs)
		ciphertext = make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	}

	frame := make([]byte, 0, headerLen+len(salt)+len(ciphertext)+64)
	frame = append(frame, header...)
	frame = append(frame, salt...)
	frame = append(frame, ciphertext...)

	if hashKind != HashNone {
		h, err := newHash(hashKind, keys.HashKey)
		if err != nil {
			return nil, err
		}
		h.Write(frame)
		frame = h.Sum(frame)
	}

	return frame, nil
}

// RejectedError marks a frame that failed authentication or violated the
// header's wire-format constraints; no plaintext is ever attached to it
// (§4.1 contract: "any mismatch yields reject with no plaintext
// observable").
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "cryptoframe: rejected: " + e.Reason }

func reject(reason string) error { return &RejectedError{Reason: reason} }

// AuthenticateAndDecrypt verifies a crypto frame's tag (constant-time
// compare) before decrypting, so no ciphertext is ever processed under an
// unauthenticated key (§4.1 contract: "verifies tag first ... then
// decrypts").
func AuthenticateAndDecrypt(keys *SessionKeys, cipherKind CipherKind, hashKind HashKind, frame []byte) ([]byte, error) {
	if cipherKind == cipherLegacySentinel || hashKind == hashLegacySentinel {
		return nil, reject("legacy wire format sentinel")
	}
	if !cipherKind.valid() || !hashKind.valid() {
		return nil, reject("unrecognized cipher/hash kind")
	}
	if len(frame) < headerLen {
		return nil, reject("short frame")
	}

	header := frame[:headerLen]
	if CipherKind(header[0]) != cipherKind || HashKind(header[1]) != hashKind {
		return nil, reject("header does not match negotiated cipher/hash")
	}
	if header[2] != 0 || header[3] != 0 {
		return nil, reject("non-zero padding bytes")
	}

	body := frame[headerLen:]
	var tagLen int
	if hashKind != HashNone {
		h, err := newHash(hashKind, keys.HashKey)
		if err != nil {
			return nil, reject(err.Error())
		}
		tagLen = h.Size()
		if len(body) < tagLen {
			return nil, reject("frame shorter than hash tag")
		}
		covered := frame[:len(frame)-tagLen]
		gotTag := frame[len(frame)-tagLen:]

		h.Write(covered)
		wantTag := h.Sum(nil)
		if subtle.ConstantTimeCompare(gotTag, wantTag) != 1 {
			return nil, reject("authentication tag mismatch")
		}
		body = body[:len(body)-tagLen]
	}

	if len(body) < constants.SaltSize {
		return nil, reject("frame shorter than salt")
	}
	salt, ciphertext := body[:constants.SaltSize], body[constants.SaltSize:]

	if cipherKind == CipherNone {
		return append([]byte(nil), ciphertext...), nil
	}

	bs := cipherKind.blockSize()
	iv := salt[:bs]

	if len(ciphertext) == 0 || len(ciphertext)%bs != 0 {
		return nil, reject("ciphertext not block-aligned")
	}

	block, err := newBlockCipher(cipherKind, keys.CipherKey)
	if err != nil {
		return nil, reject(err.Error())
	}
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, err := pkcs7Unpad(padded, bs)
	if err != nil {
		return nil, reject(err.Error())
	}
	return plaintext, nil
}

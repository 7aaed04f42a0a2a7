// Package cryptoframe implements the per-datagram AEAD framing of §4.1
// "Crypto frame": derive session keys from a shared secret, prepend
// cipher/hash tags, salt-and-encrypt the payload, authenticate the whole
// frame (hash-after-encrypt), reject on any mismatch.
package cryptoframe

import "fmt"

// CipherKind enumerates the supported symmetric ciphers (§4.1).
type CipherKind uint8

const (
	CipherNone CipherKind = iota
	CipherAES128CBC
	CipherAES192CBC
	CipherAES256CBC
	Cipher3DESCBC

	// cipherLegacySentinel distinguishes the current wire format from a
	// legacy one; receiving it is a hard reject (§4.1, §7).
	cipherLegacySentinel CipherKind = 0xFE
)

// HashKind enumerates the supported keyed-hash (HMAC) algorithms (§4.1).
type HashKind uint8

const (
	HashNone HashKind = iota
	HashMD5HMAC
	HashSHA1HMAC
	HashSHA256HMAC
	HashSHA384HMAC
	HashSHA512HMAC

	hashLegacySentinel HashKind = 0xFE
)

// keyLen returns the symmetric key length in bytes for a cipher kind.
func (c CipherKind) keyLen() int {
	switch c {
	case CipherNone:
		return 0
	case CipherAES128CBC:
		return 16
	case CipherAES192CBC:
		return 24
	case CipherAES256CBC:
		return 32
	case Cipher3DESCBC:
		return 24
	default:
		return 0
	}
}

// blockSize returns the cipher's block size in bytes (also the IV/salt
// length actually consumed for that cipher; the on-wire salt is always
// constants.SaltSize bytes, and unused trailing bytes are ignored).
func (c CipherKind) blockSize() int {
	switch c {
	case CipherAES128CBC, CipherAES192CBC, CipherAES256CBC:
		return 16
	case Cipher3DESCBC:
		return 8
	default:
		return 0
	}
}

func (c CipherKind) valid() bool {
	switch c {
	case CipherNone, CipherAES128CBC, CipherAES192CBC, CipherAES256CBC, Cipher3DESCBC:
		return true
	default:
		return false
	}
}

func (h HashKind) valid() bool {
	switch h {
	case HashNone, HashMD5HMAC, HashSHA1HMAC, HashSHA256HMAC, HashSHA384HMAC, HashSHA512HMAC:
		return true
	default:
		return false
	}
}

func (h HashKind) keyLen() int {
	switch h {
	case HashNone:
		return 0
	case HashMD5HMAC:
		return 16
	case HashSHA1HMAC:
		return 20
	case HashSHA256HMAC:
		return 32
	case HashSHA384HMAC:
		return 48
	case HashSHA512HMAC:
		return 64
	default:
		return 0
	}
}

func (c CipherKind) String() string {
	switch c {
	case CipherNone:
		return "NONE"
	case CipherAES128CBC:
		return "AES-128-CBC"
	case CipherAES192CBC:
		return "AES-192-CBC"
	case CipherAES256CBC:
		return "AES-256-CBC"
	case Cipher3DESCBC:
		return "3DES-CBC"
	default:
		return fmt.Sprintf("UNKNOWN_CIPHER_%d", uint8(c))
	}
}

func (h HashKind) String() string {
	switch h {
	case HashNone:
		return "NONE"
	case HashMD5HMAC:
		return "MD5-HMAC"
	case HashSHA1HMAC:
		return "SHA1-HMAC"
	case HashSHA256HMAC:
		return "SHA256-HMAC"
	case HashSHA384HMAC:
		return "SHA384-HMAC"
	case HashSHA512HMAC:
		return "SHA512-HMAC"
	default:
		return fmt.Sprintf("UNKNOWN_HASH_%d", uint8(h))
	}
}

// ParseCipherKind maps a cluster config's cipher name to a CipherKind,
// the inverse of CipherKind.String, used by pkg/config to turn the YAML
// crypto selection into the enum §4.1 defines.
func ParseCipherKind(name string) (CipherKind, error) {
	switch name {
	case "NONE", "":
		return CipherNone, nil
	case "AES-128-CBC":
		return CipherAES128CBC, nil
	case "AES-192-CBC":
		return CipherAES192CBC, nil
	case "AES-256-CBC":
		return CipherAES256CBC, nil
	case "3DES-CBC":
		return Cipher3DESCBC, nil
	default:
		return 0, fmt.Errorf("cryptoframe: unknown cipher kind %q", name)
	}
}

// ParseHashKind maps a cluster config's hash name to a HashKind.
func ParseHashKind(name string) (HashKind, error) {
	switch name {
	case "NONE", "":
		return HashNone, nil
	case "MD5-HMAC":
		return HashMD5HMAC, nil
	case "SHA1-HMAC":
		return HashSHA1HMAC, nil
	case "SHA256-HMAC":
		return HashSHA256HMAC, nil
	case "SHA384-HMAC":
		return HashSHA384HMAC, nil
	case "SHA512-HMAC":
		return HashSHA512HMAC, nil
	default:
		return 0, fmt.Errorf("cryptoframe: unknown hash kind %q", name)
	}
}

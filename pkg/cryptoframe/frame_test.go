package cryptoframe

import (
	"bytes"
	"testing"
)

func mustKeys(t *testing.T, secret []byte, c CipherKind, h HashKind) *SessionKeys {
	t.Helper()
	keys, err := DeriveSessionKeys(secret, c, h)
	if err != nil {
		t.Fatalf("DeriveSessionKeys: %v", err)
	}
	return keys
}

func TestEncryptAndSign_RoundTrip(t *testing.T) {
	secret := []byte("cluster-shared-secret-value")

	cases := []struct {
		name   string
		cipher CipherKind
		hash   HashKind
	}{
		{"none-none", CipherNone, HashNone},
		{"aes128-sha256", CipherAES128CBC, HashSHA256HMAC},
		{"aes192-sha1", CipherAES192CBC, HashSHA1HMAC},
		{"aes256-sha512", CipherAES256CBC, HashSHA512HMAC},
		{"3des-md5", Cipher3DESCBC, HashMD5HMAC},
		{"aes256-sha384", CipherAES256CBC, HashSHA384HMAC},
		{"none-sha256", CipherNone, HashSHA256HMAC},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			keys := mustKeys(t, secret, tc.cipher, tc.hash)
			plaintext := []byte("the quick brown fox jumps over the lazy dog")

			frame, err := EncryptAndSign(keys, tc.cipher, tc.hash, plaintext)
			if err != nil {
				t.Fatalf("EncryptAndSign: %v", err)
			}

			got, err := AuthenticateAndDecrypt(keys, tc.cipher, tc.hash, frame)
			if err != nil {
				t.Fatalf("AuthenticateAndDecrypt: %v", err)
			}
			if !bytes.Equal(got, plaintext) {
				t.Fatalf("roundtrip mismatch: got %q want %q", got, plaintext)
			}
		})
	}
}

func TestEncryptAndSign_FreshSaltPerFrame(t *testing.T) {
	keys := mustKeys(t, []byte("secret"), CipherAES128CBC, HashSHA256HMAC)
	plaintext := []byte("same payload, twice")

	f1, err := EncryptAndSign(keys, CipherAES128CBC, HashSHA256HMAC, plaintext)
	if err != nil {
		t.Fatalf("EncryptAndSign: %v", err)
	}
	f2, err := EncryptAndSign(keys, CipherAES128CBC, HashSHA256HMAC, plaintext)
	if err != nil {
		t.Fatalf("EncryptAndSign: %v", err)
	}
	if bytes.Equal(f1, f2) {
		t.Fatal("expected distinct frames from distinct salts for identical plaintext")
	}
}

func TestAuthenticateAndDecrypt_RejectsFlippedBit(t *testing.T) {
	keys := mustKeys(t, []byte("secret"), CipherAES256CBC, HashSHA256HMAC)
	frame, err := EncryptAndSign(keys, CipherAES256CBC, HashSHA256HMAC, []byte("payload"))
	if err != nil {
		t.Fatalf("EncryptAndSign: %v", err)
	}

	for i := range frame {
		tampered := append([]byte(nil), frame...)
		tampered[i] ^= 0x01
		if _, err := AuthenticateAndDecrypt(keys, CipherAES256CBC, HashSHA256HMAC, tampered); err == nil {
			t.Fatalf("expected rejection after flipping bit %d", i)
		}
	}
}

func TestAuthenticateAndDecrypt_RejectsNonZeroPadding(t *testing.T) {
	keys := mustKeys(t, []byte("secret"), CipherAES128CBC, HashSHA256HMAC)
	frame, err := EncryptAndSign(keys, CipherAES128CBC, HashSHA256HMAC, []byte("x"))
	if err != nil {
		t.Fatalf("EncryptAndSign: %v", err)
	}
	frame[2] = 1 // pad0 must be zero

	if _, err := AuthenticateAndDecrypt(keys, CipherAES128CBC, HashSHA256HMAC, frame); err == nil {
		t.Fatal("expected rejection of non-zero padding byte")
	}
}

func TestAuthenticateAndDecrypt_RejectsLegacySentinel(t *testing.T) {
	keys := mustKeys(t, []byte("secret"), CipherNone, HashNone)
	frame, err := EncryptAndSign(keys, CipherNone, HashNone, []byte("x"))
	if err != nil {
		t.Fatalf("EncryptAndSign: %v", err)
	}
	frame[0] = byte(cipherLegacySentinel)

	if _, err := AuthenticateAndDecrypt(keys, cipherLegacySentinel, HashNone, frame); err == nil {
		t.Fatal("expected hard reject of legacy sentinel")
	}
}

func TestAuthenticateAndDecrypt_NoPlaintextOnReject(t *testing.T) {
	keys := mustKeys(t, []byte("secret"), CipherAES128CBC, HashSHA256HMAC)
	frame, err := EncryptAndSign(keys, CipherAES128CBC, HashSHA256HMAC, []byte("secret-payload"))
	if err != nil {
		t.Fatalf("EncryptAndSign: %v", err)
	}
	frame[len(frame)-1] ^= 0x01

	got, err := AuthenticateAndDecrypt(keys, CipherAES128CBC, HashSHA256HMAC, frame)
	if err == nil {
		t.Fatal("expected rejection")
	}
	if got != nil {
		t.Fatalf("expected no plaintext on reject, got %q", got)
	}
}

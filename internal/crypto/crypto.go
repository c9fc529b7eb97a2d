// Package crypto implements the symmetric message cipher: AES-256-GCM
// with scrypt password derivation. The salt and nonce travel with the
// ciphertext, so any holder of the password can decrypt without
// out-of-band parameters.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	// Prefix marks a string as petrel ciphertext.
	Prefix = "PETREL1:"

	saltSize  = 16
	nonceSize = 12
	keySize   = 32

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// IsEncrypted reports whether text carries the ciphertext format
// signature: the version prefix followed by well-formed base64.
func IsEncrypted(text string) bool {
	if !strings.HasPrefix(text, Prefix) {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(text[len(Prefix):])
	if err != nil {
		return false
	}
	return len(raw) > saltSize+nonceSize
}

// Encrypt returns the self-describing ciphertext for text under the
// given password. Empty text or empty password returns text unchanged.
func Encrypt(text, password string) string {
	if text == "" || password == "" {
		return text
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return text
	}
	gcm, err := deriveGCM(password, salt)
	if err != nil {
		return text
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return text
	}

	sealed := gcm.Seal(nil, nonce, []byte(text), nil)

	buf := make([]byte, 0, saltSize+nonceSize+len(sealed))
	buf = append(buf, salt...)
	buf = append(buf, nonce...)
	buf = append(buf, sealed...)
	return Prefix + base64.StdEncoding.EncodeToString(buf)
}

// Decrypt attempts to decrypt ciphertext with the password. On any
// failure (not ciphertext, wrong key, truncated payload) the input is
// returned unchanged. A wrong key is not an error condition; the caller
// detects success by comparing output to input.
func Decrypt(ciphertext, password string) string {
	if password == "" || !strings.HasPrefix(ciphertext, Prefix) {
		return ciphertext
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext[len(Prefix):])
	if err != nil || len(raw) <= saltSize+nonceSize {
		return ciphertext
	}

	salt := raw[:saltSize]
	nonce := raw[saltSize : saltSize+nonceSize]
	sealed := raw[saltSize+nonceSize:]

	gcm, err := deriveGCM(password, salt)
	if err != nil {
		return ciphertext
	}
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil || len(plain) == 0 {
		return ciphertext
	}
	return string(plain)
}

func deriveGCM(password string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

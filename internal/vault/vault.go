// Package vault encrypts bot tokens at rest.
//
// Tokens are sealed with AES-256-GCM under a key derived from the operator's
// master key via PBKDF2. The sealed blob is base64(salt || nonce || ciphertext)
// with a fresh salt and nonce per sealing, so the same token never produces
// the same blob twice. Duplicate detection instead uses a SHA-256 fingerprint
// of the plaintext token.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltLen    = 16
	nonceLen   = 12
	keyLen     = 32
	iterations = 100_000
)

var (
	ErrNoMasterKey   = errors.New("vault: master key not configured")
	ErrBadCiphertext = errors.New("vault: malformed ciphertext")
)

// Vault seals and opens token blobs under one master key.
type Vault struct {
	masterKey []byte
}

// New builds a Vault from the configured master key. The key may be raw or
// base64; base64 is tried first so generated keys round-trip.
func New(masterKey string) (*Vault, error) {
	masterKey = strings.TrimSpace(masterKey)
	if masterKey == "" {
		return nil, ErrNoMasterKey
	}
	if raw, err := base64.StdEncoding.DecodeString(masterKey); err == nil && len(raw) >= 16 {
		return &Vault{masterKey: raw}, nil
	}
	return &Vault{masterKey: []byte(masterKey)}, nil
}

// GenerateMasterKey returns a fresh random 256-bit key, base64 encoded.
func GenerateMasterKey() (string, error) {
	key := make([]byte, keyLen)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func (v *Vault) deriveKey(salt []byte) []byte {
	return pbkdf2.Key(v.masterKey, salt, iterations, keyLen, sha256.New)
}

// Seal encrypts token and returns the sealed blob plus the token fingerprint.
func (v *Vault) Seal(token string) (blob, fingerprint string, err error) {
	salt := make([]byte, saltLen)
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(salt); err != nil {
		return "", "", err
	}
	if _, err := rand.Read(nonce); err != nil {
		return "", "", err
	}

	block, err := aes.NewCipher(v.deriveKey(salt))
	if err != nil {
		return "", "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", "", err
	}
	ct := gcm.Seal(nil, nonce, []byte(token), nil)

	buf := make([]byte, 0, saltLen+nonceLen+len(ct))
	buf = append(buf, salt...)
	buf = append(buf, nonce...)
	buf = append(buf, ct...)
	return base64.StdEncoding.EncodeToString(buf), Fingerprint(token), nil
}

// Open decrypts a blob produced by Seal.
func (v *Vault) Open(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadCiphertext, err)
	}
	if len(raw) < saltLen+nonceLen+1 {
		return "", ErrBadCiphertext
	}
	salt := raw[:saltLen]
	nonce := raw[saltLen : saltLen+nonceLen]
	ct := raw[saltLen+nonceLen:]

	block, err := aes.NewCipher(v.deriveKey(salt))
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	pt, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadCiphertext, err)
	}
	return string(pt), nil
}

// Fingerprint returns the hex SHA-256 of a plaintext token. It is stable
// across seals and safe to index for duplicate detection.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifyFingerprint reports whether token hashes to fingerprint.
func VerifyFingerprint(token, fingerprint string) bool {
	return Fingerprint(token) == fingerprint
}

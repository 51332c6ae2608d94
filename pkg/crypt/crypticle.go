package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// KeySize is the symmetric key length used throughout the channel (AES-256).
const KeySize = 32

// Crypticle provides authenticated symmetric encryption for channel
// payloads. Ciphertext is self-contained: the GCM nonce is prepended.
type Crypticle struct {
	key []byte
}

// NewCrypticle wraps a raw symmetric key.
func NewCrypticle(key []byte) (*Crypticle, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypticle key must be %d bytes, got %d", KeySize, len(key))
	}
	return &Crypticle{key: key}, nil
}

// Key returns the raw key, used to detect secret rotation.
func (c *Crypticle) Key() []byte {
	return c.key
}

// Encrypt seals plaintext with AES-GCM, embedding the nonce in the output.
func (c *Crypticle) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt. Any tag mismatch or
// malformed input surfaces as an AuthenticationError.
func (c *Crypticle) Decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, authErr("ciphertext shorter than nonce", nil)
	}

	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, authErr("failed to authenticate ciphertext", err)
	}
	return plaintext, nil
}

// Dumps serializes v and encrypts it. A non-empty nonce is prepended to the
// serialized bytes so the receiver can bind the reply to its request.
func (c *Crypticle) Dumps(v any, nonce string) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}
	if nonce != "" {
		data = append([]byte(nonce), data...)
	}
	return c.Encrypt(data)
}

// Loads decrypts ciphertext and deserializes it into v.
func (c *Crypticle) Loads(ciphertext []byte, v any) error {
	data, err := c.Decrypt(ciphertext)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return authErr("decrypted payload is not valid", err)
	}
	return nil
}

// GenerateKey returns a fresh random symmetric key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// GenerateKeyString returns a fresh key in its base64 wire form.
func GenerateKeyString() (string, error) {
	key, err := GenerateKey()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// EncodeKeyString renders a raw key in its base64 wire form.
func EncodeKeyString(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DecodeKeyString reverses GenerateKeyString.
func DecodeKeyString(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid key string: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key string: %d bytes", len(key))
	}
	return key, nil
}

// WriteKeyFile generates a fresh key and writes it atomically so parallel
// workers sharing the cache directory never observe a torn file.
func WriteKeyFile(path string) error {
	key, err := GenerateKeyString()
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(key), 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize key file: %w", err)
	}
	return nil
}

// ReadKeyFile loads a key previously written by WriteKeyFile.
func ReadKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return DecodeKeyString(string(data))
}

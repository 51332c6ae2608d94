package crypt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
)

// PublicKey wraps a minion's (or peer master's) RSA public key with the
// algorithm-negotiating operations the channel needs.
type PublicKey struct {
	key *rsa.PublicKey
}

// ParsePublicKey parses a PEM encoded RSA public key, tolerating both PKIX
// and PKCS#1 encodings.
func ParsePublicKey(pemStr string) (*PublicKey, error) {
	block, _ := pem.Decode([]byte(CleanKey(pemStr)))
	if block == nil {
		return nil, fmt.Errorf("%w: not PEM encoded", ErrInvalidKey)
	}

	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return &PublicKey{key: key}, nil
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	rsaKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidKey)
	}
	return &PublicKey{key: rsaKey}, nil
}

// ReadPublicKeyFile parses a PEM public key from disk.
func ReadPublicKeyFile(path string) (*PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key %s: %w", path, err)
	}
	return ParsePublicKey(string(data))
}

// Encrypt wraps plaintext with RSA-OAEP using the negotiated algorithm.
func (p *PublicKey) Encrypt(plaintext []byte, algorithm string) ([]byte, error) {
	h, err := oaepHash(algorithm)
	if err != nil {
		return nil, err
	}
	out, err := rsa.EncryptOAEP(h, rand.Reader, p.key, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa encrypt failed: %w", err)
	}
	return out, nil
}

// Verify checks a signature produced by PrivateKey.Sign.
func (p *PublicKey) Verify(data, sig []byte, algorithm string) error {
	h, err := signatureHash(algorithm)
	if err != nil {
		return err
	}
	hasher := h.New()
	hasher.Write(data)
	if err := rsa.VerifyPKCS1v15(p.key, h, hasher.Sum(nil), sig); err != nil {
		return authErr("signature verification failed", err)
	}
	return nil
}

// VerifyDigest checks a raw digest signature produced by
// PrivateKey.SignDigest. Used by peers to confirm a key exchange payload
// decrypted to the secret the sender actually wrapped.
func (p *PublicKey) VerifyDigest(digest, sig []byte) error {
	if err := rsa.VerifyPKCS1v15(p.key, 0, digest, sig); err != nil {
		return authErr("digest signature verification failed", err)
	}
	return nil
}

// PEM renders the key in PKIX PEM form.
func (p *PublicKey) PEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(p.key)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// CleanKey normalizes key material before comparison. Stored keys written by
// older releases may carry trailing whitespace or CRLF line endings.
func CleanKey(key string) string {
	return strings.TrimSpace(strings.ReplaceAll(key, "\r\n", "\n"))
}

// CompareKeys reports whether two PEM keys match after normalization.
func CompareKeys(key1, key2 string) bool {
	return CleanKey(key1) == CleanKey(key2)
}

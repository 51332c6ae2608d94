package crypt

import (
	"crypto"
	"errors"
	"fmt"
	"hash"

	_ "crypto/sha1"
	_ "crypto/sha256"
)

// RSA encryption and signing algorithm identifiers, negotiated per request
// via the envelope's enc_algo/sig_algo fields.
const (
	OAEPSHA1   = "OAEP-SHA1"
	OAEPSHA224 = "OAEP-SHA224"
	OAEPSHA256 = "OAEP-SHA256"

	PKCS1v15SHA1   = "PKCS1v15-SHA1"
	PKCS1v15SHA224 = "PKCS1v15-SHA224"
	PKCS1v15SHA256 = "PKCS1v15-SHA256"
)

// Defaults assumed when a legacy minion does not negotiate algorithms.
const (
	DefaultEncryptionAlgorithm = OAEPSHA1
	DefaultSigningAlgorithm    = PKCS1v15SHA1
)

var ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

// ValidEncryptionAlgorithm reports whether algorithm names a supported OAEP
// variant. Unknown names on the wire degrade the request, never error it.
func ValidEncryptionAlgorithm(algorithm string) bool {
	_, err := oaepHash(algorithm)
	return err == nil
}

// ValidSigningAlgorithm reports whether algorithm names a supported
// PKCS1v15 variant.
func ValidSigningAlgorithm(algorithm string) bool {
	_, err := signatureHash(algorithm)
	return err == nil
}

func oaepHash(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case OAEPSHA1:
		return crypto.SHA1.New(), nil
	case OAEPSHA224:
		return crypto.SHA224.New(), nil
	case OAEPSHA256:
		return crypto.SHA256.New(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
}

func signatureHash(algorithm string) (crypto.Hash, error) {
	switch algorithm {
	case PKCS1v15SHA1:
		return crypto.SHA1, nil
	case PKCS1v15SHA224:
		return crypto.SHA224, nil
	case PKCS1v15SHA256:
		return crypto.SHA256, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
}

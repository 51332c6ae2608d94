package masterkeys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/fleetwork/drover/pkg/crypt"
	"github.com/fleetwork/drover/pkg/filesystem"
	"github.com/fleetwork/drover/pkg/logger"
)

const (
	masterKeyFile  = "master.pem"
	masterPubFile  = "master.pub"
	signKeyFile    = "master_sign.pem"
	pubSigFile     = "master_pubkey_signature"
	defaultKeyBits = 2048
)

// Keys holds the master's RSA keypair, the optional dedicated signing
// keypair and the optional precomputed signature over the master public key.
type Keys struct {
	pkiDir string

	master  *rsa.PrivateKey
	signKey *rsa.PrivateKey

	pubPEM          string
	pubkeySignature []byte
}

// Options controls private key loading.
type Options struct {
	// Decrypt indicates the private key on disk is age-encrypted.
	Decrypt bool
	// PasswordFile holds the passphrase for the age identity; empty means
	// prompt on the terminal.
	PasswordFile string
}

// Load reads the master keypair from pkiDir, generating a fresh one on first
// start. A master_sign.pem file, when present, becomes the dedicated signing
// keypair; otherwise the master key signs. A precomputed public key
// signature file is picked up as-is.
func Load(pkiDir string, opts Options) (*Keys, error) {
	if err := filesystem.EnsureDir(pkiDir); err != nil {
		return nil, err
	}

	master, err := loadOrCreateKey(pkiDir, opts)
	if err != nil {
		return nil, err
	}

	k := &Keys{pkiDir: pkiDir, master: master, signKey: master}

	signPath, err := filesystem.SafePath(pkiDir, signKeyFile)
	if err != nil {
		return nil, err
	}
	if data, err := os.ReadFile(signPath); err == nil {
		signKey, err := parsePrivateKeyPEM(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse signing key: %w", err)
		}
		k.signKey = signKey
		logger.Info("Loaded dedicated master signing keypair", "path", signPath)
	}

	sigPath, err := filesystem.SafePath(pkiDir, pubSigFile)
	if err != nil {
		return nil, err
	}
	if sig, err := os.ReadFile(sigPath); err == nil {
		k.pubkeySignature = sig
		logger.Info("Loaded precomputed master pubkey signature", "path", sigPath)
	}

	pubPEM, err := encodePublicKeyPEM(&master.PublicKey)
	if err != nil {
		return nil, err
	}
	k.pubPEM = pubPEM
	return k, nil
}

// PubStr returns the master public key in PEM form for auth replies.
func (k *Keys) PubStr() string {
	return k.pubPEM
}

// PubkeySignature returns the precomputed signature over the master public
// key, or nil when none was installed.
func (k *Keys) PubkeySignature() []byte {
	return k.pubkeySignature
}

// Sign signs data with the master key using the negotiated algorithm.
func (k *Keys) Sign(data []byte, algorithm string) ([]byte, error) {
	return signPKCS1v15(k.master, data, algorithm)
}

// SignPubKey signs the master public key with the signing keypair. Used when
// no precomputed signature is available.
func (k *Keys) SignPubKey(algorithm string) ([]byte, error) {
	return signPKCS1v15(k.signKey, []byte(k.pubPEM), algorithm)
}

// SignDigest produces a raw digest signature that remote peers verify with
// the master public key to confirm an encrypted secret round-tripped intact.
func (k *Keys) SignDigest(digest []byte) ([]byte, error) {
	sig, err := rsa.SignPKCS1v15(rand.Reader, k.master, 0, digest)
	if err != nil {
		return nil, fmt.Errorf("failed to sign digest: %w", err)
	}
	return sig, nil
}

// Decrypt unwraps RSA-OAEP ciphertext encrypted to the master public key,
// such as minion tokens.
func (k *Keys) Decrypt(ciphertext []byte, algorithm string) ([]byte, error) {
	h, err := oaepHashFor(algorithm)
	if err != nil {
		return nil, err
	}
	out, err := rsa.DecryptOAEP(h.New(), rand.Reader, k.master, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa decrypt failed: %w", err)
	}
	return out, nil
}

// FetchPeerKey loads a cluster peer's public key from the pki dir
// (peers/<id>.pub). A missing key returns nil without error, matching the
// "peer not provisioned yet" case.
func (k *Keys) FetchPeerKey(peerID string) (*crypt.PublicKey, error) {
	peersDir, err := filesystem.SafePath(k.pkiDir, "peers")
	if err != nil {
		return nil, err
	}
	path, err := filesystem.SafePath(peersDir, peerID+".pub")
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	return crypt.ReadPublicKeyFile(path)
}

func signPKCS1v15(key *rsa.PrivateKey, data []byte, algorithm string) ([]byte, error) {
	h, err := signatureHashFor(algorithm)
	if err != nil {
		return nil, err
	}
	hasher := h.New()
	hasher.Write(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, h, hasher.Sum(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig, nil
}

func oaepHashFor(algorithm string) (crypto.Hash, error) {
	switch algorithm {
	case crypt.OAEPSHA1:
		return crypto.SHA1, nil
	case crypt.OAEPSHA224:
		return crypto.SHA224, nil
	case crypt.OAEPSHA256:
		return crypto.SHA256, nil
	}
	return 0, fmt.Errorf("%w: %s", crypt.ErrUnsupportedAlgorithm, algorithm)
}

func signatureHashFor(algorithm string) (crypto.Hash, error) {
	switch algorithm {
	case crypt.PKCS1v15SHA1:
		return crypto.SHA1, nil
	case crypt.PKCS1v15SHA224:
		return crypto.SHA224, nil
	case crypt.PKCS1v15SHA256:
		return crypto.SHA256, nil
	}
	return 0, fmt.Errorf("%w: %s", crypt.ErrUnsupportedAlgorithm, algorithm)
}

func encodePublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func parsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("not PEM encoded")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA key")
	}
	return key, nil
}

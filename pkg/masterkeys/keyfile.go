package masterkeys

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"filippo.io/age"
	"golang.org/x/term"

	"github.com/fleetwork/drover/pkg/filesystem"
	"github.com/fleetwork/drover/pkg/logger"
)

func loadOrCreateKey(pkiDir string, opts Options) (*rsa.PrivateKey, error) {
	encryptedPath, err := filesystem.SafePath(pkiDir, masterKeyFile+".age")
	if err != nil {
		return nil, err
	}
	plainPath, err := filesystem.SafePath(pkiDir, masterKeyFile)
	if err != nil {
		return nil, err
	}

	if opts.Decrypt {
		if _, err := os.Stat(encryptedPath); err != nil {
			return nil, fmt.Errorf("failed to check encrypted master key at %s: %w", encryptedPath, err)
		}
		return loadEncryptedKey(encryptedPath, opts.PasswordFile)
	}

	if data, err := os.ReadFile(plainPath); err == nil {
		return parsePrivateKeyPEM(data)
	}

	logger.Info("No master keypair found, generating", "pki_dir", pkiDir)
	return generateKey(pkiDir, plainPath)
}

func loadEncryptedKey(path, passwordFile string) (*rsa.PrivateKey, error) {
	logger.Infof("Using age-encrypted master key at %s", path)

	encryptedFile, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted key file: %w", err)
	}
	defer encryptedFile.Close()

	var passphrase string
	if passwordFile != "" {
		data, err := os.ReadFile(passwordFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read password file %s: %w", passwordFile, err)
		}
		passphrase = strings.TrimSpace(string(data))
		zeroBytes(data)
	} else {
		fmt.Print("Enter passphrase to decrypt master key: ")
		bytePassword, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return nil, fmt.Errorf("failed to read passphrase: %w", err)
		}
		passphrase = string(bytePassword)
		zeroBytes(bytePassword)
	}

	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity for decryption: %w", err)
	}

	decrypter, err := age.Decrypt(encryptedFile, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt master key: %w", err)
	}

	decrypted, err := io.ReadAll(decrypter)
	if err != nil {
		return nil, fmt.Errorf("failed to read decrypted key: %w", err)
	}
	defer zeroBytes(decrypted)

	return parsePrivateKeyPEM(decrypted)
}

func generateKey(pkiDir, keyPath string) (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, defaultKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}

	var buf bytes.Buffer
	if err := pem.Encode(&buf, &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}); err != nil {
		return nil, fmt.Errorf("failed to encode master key: %w", err)
	}
	if err := os.WriteFile(keyPath, buf.Bytes(), 0600); err != nil {
		return nil, fmt.Errorf("failed to write master key: %w", err)
	}

	pubPEM, err := encodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	pubPath, err := filesystem.SafePath(pkiDir, masterPubFile)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(pubPath, []byte(pubPEM), 0644); err != nil {
		return nil, fmt.Errorf("failed to write master public key: %w", err)
	}

	return key, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fleetwork/drover/pkg/config"
	"github.com/fleetwork/drover/pkg/logger"
)

const (
	defaultCertsDir   = "certs"
	defaultClientCert = "client-cert.pem"
	defaultClientKey  = "client-key.pem"
	defaultCACert     = "rootCA.pem"
)

// GetNATSConnection creates the shared NATS connection, with mutual TLS in
// production.
func GetNATSConnection() (*nats.Conn, error) {
	cfg := config.GetConfig()
	environment := cfg.Environment

	url := cfg.NATs.URL
	opts := []nats.Option{
		nats.MaxReconnects(-1), // retry forever
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectHandler(func(nc *nats.Conn) {
			logger.Warn("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed!")
		}),
	}

	if environment == config.Production {
		tlsOpts, err := buildTLSOptions(cfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, tlsOpts...)
	}

	return nats.Connect(url, opts...)
}

func buildTLSOptions(cfg *config.Config) ([]nats.Option, error) {
	certPaths := getCertificatePaths(cfg)
	if err := validateCertificateFiles(certPaths); err != nil {
		return nil, err
	}

	return []nats.Option{
		nats.ClientCert(certPaths.ClientCert, certPaths.ClientKey),
		nats.RootCAs(certPaths.CACert),
		nats.UserInfo(cfg.NATs.Username, cfg.NATs.Password),
	}, nil
}

type certificatePaths struct {
	ClientCert string
	ClientKey  string
	CACert     string
}

func getCertificatePaths(cfg *config.Config) certificatePaths {
	paths := certificatePaths{}
	if cfg.NATs.TLS != nil {
		paths.ClientCert = cfg.NATs.TLS.ClientCert
		paths.ClientKey = cfg.NATs.TLS.ClientKey
		paths.CACert = cfg.NATs.TLS.CACert
	}

	if paths.ClientCert == "" {
		paths.ClientCert = filepath.Join(".", defaultCertsDir, defaultClientCert)
	}
	if paths.ClientKey == "" {
		paths.ClientKey = filepath.Join(".", defaultCertsDir, defaultClientKey)
	}
	if paths.CACert == "" {
		paths.CACert = filepath.Join(".", defaultCertsDir, defaultCACert)
	}
	return paths
}

func validateCertificateFiles(paths certificatePaths) error {
	requiredFiles := map[string]string{
		"client certificate": paths.ClientCert,
		"client key":         paths.ClientKey,
		"CA certificate":     paths.CACert,
	}
	for name, path := range requiredFiles {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return fmt.Errorf("%s not found at %s", name, path)
		}
	}
	return nil
}

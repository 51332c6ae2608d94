package keystore

import (
	"fmt"
	"path/filepath"

	"github.com/hashicorp/consul/api"

	"github.com/fleetwork/drover/pkg/config"
	"github.com/fleetwork/drover/pkg/logger"
)

// NewStore builds the configured keystore backend.
func NewStore(cfg *config.Config, consulClient *api.Client) (Store, error) {
	switch cfg.KeystoreType {
	case config.KeystoreTypeConsul:
		if consulClient == nil {
			return nil, fmt.Errorf("consul keystore requires a consul client")
		}
		logger.Info("Using consul keystore")
		return NewConsulStore(consulClient.KV()), nil

	case config.KeystoreTypeBadger:
		basePath := cfg.DBPath
		if basePath == "" {
			basePath = filepath.Join(".", "db")
		}
		dbPath := filepath.Join(basePath, "keystore")

		store, err := NewBadgerStore(BadgerConfig{
			DBPath:        dbPath,
			EncryptionKey: []byte(cfg.BadgerPassword),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open badger keystore: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("keystore type %q is not supported", cfg.KeystoreType)
	}
}

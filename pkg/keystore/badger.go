package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/fleetwork/drover/pkg/logger"
)

var ErrEncryptionKeyNotProvided = errors.New("encryption key not provided")

// BadgerConfig configures the embedded keystore backend.
type BadgerConfig struct {
	DBPath        string
	EncryptionKey []byte
}

type badgerStore struct {
	db *badger.DB
}

var _ Store = &badgerStore{}

// NewBadgerStore opens an embedded encrypted keystore for single-node
// masters that do not run Consul.
func NewBadgerStore(config BadgerConfig) (Store, error) {
	// must ensure encryption key is provided
	if len(config.EncryptionKey) == 0 {
		return nil, ErrEncryptionKeyNotProvided
	}

	opts := badger.DefaultOptions(config.DBPath).
		WithCompression(options.ZSTD).
		WithEncryptionKey(config.EncryptionKey).
		WithIndexCacheSize(16 << 20).
		WithSyncWrites(true).
		WithVerifyValueChecksum(true).
		WithCompactL0OnClose(true).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	logger.Info("Opened badger keystore", "path", config.DBPath)
	return &badgerStore{db: db}, nil
}

func (b *badgerStore) FetchKey(minionID string) (*KeyRecord, error) {
	val, err := b.get(keysPrefix + minionID)
	if err != nil {
		return nil, err
	}
	if val == nil {
		return nil, nil
	}

	rec := &KeyRecord{}
	if err := json.Unmarshal(val, rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal key record: %w", err)
	}
	return rec, nil
}

func (b *badgerStore) StoreKey(minionID string, rec *KeyRecord) error {
	bytes, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal key record: %w", err)
	}
	return b.put(keysPrefix+minionID, bytes)
}

func (b *badgerStore) FetchDenied(minionID string) ([]string, error) {
	val, err := b.get(deniedPrefix + minionID)
	if err != nil {
		return nil, err
	}
	if val == nil {
		return nil, nil
	}

	var denied []string
	if err := json.Unmarshal(val, &denied); err != nil {
		return nil, fmt.Errorf("failed to unmarshal denied keys: %w", err)
	}
	return denied, nil
}

func (b *badgerStore) StoreDenied(minionID string, pubs []string) error {
	bytes, err := json.Marshal(pubs)
	if err != nil {
		return fmt.Errorf("failed to marshal denied keys: %w", err)
	}
	return b.put(deniedPrefix+minionID, bytes)
}

func (b *badgerStore) AcceptedIDs() ([]string, error) {
	var ids []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keysPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var rec KeyRecord
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				continue
			}
			if rec.State == StateAccepted {
				ids = append(ids, strings.TrimPrefix(string(item.Key()), keysPrefix))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (b *badgerStore) Close() error {
	return b.db.Close()
}

func (b *badgerStore) put(key string, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (b *badgerStore) get(key string) ([]byte, error) {
	var result []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == nil {
			return item.Value(func(val []byte) error {
				result = append([]byte{}, val...)
				return nil
			})
		}
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	return result, err
}

package keystore

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hashicorp/consul/api"
)

const (
	keysPrefix   = "drover/keys/"
	deniedPrefix = "drover/denied_keys/"
)

// ConsulKV is the slice of the Consul KV API the store consumes; narrowed so
// tests can substitute a fake.
type ConsulKV interface {
	Put(kv *api.KVPair, options *api.WriteOptions) (*api.WriteMeta, error)
	Get(key string, options *api.QueryOptions) (*api.KVPair, *api.QueryMeta, error)
	List(prefix string, options *api.QueryOptions) (api.KVPairs, *api.QueryMeta, error)
}

type consulStore struct {
	consulKV ConsulKV
}

var _ Store = &consulStore{}

// NewConsulStore persists key records in Consul KV, letting every master
// worker (and every cluster member) share one trust database.
func NewConsulStore(consulKV ConsulKV) Store {
	return &consulStore{consulKV: consulKV}
}

func (s *consulStore) FetchKey(minionID string) (*KeyRecord, error) {
	pair, _, err := s.consulKV.Get(keysPrefix+minionID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch key record: %w", err)
	}
	if pair == nil {
		return nil, nil
	}

	rec := &KeyRecord{}
	if err := json.Unmarshal(pair.Value, rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal key record: %w", err)
	}
	return rec, nil
}

func (s *consulStore) StoreKey(minionID string, rec *KeyRecord) error {
	bytes, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal key record: %w", err)
	}

	pair := &api.KVPair{Key: keysPrefix + minionID, Value: bytes}
	if _, err := s.consulKV.Put(pair, nil); err != nil {
		return fmt.Errorf("failed to store key record: %w", err)
	}
	return nil
}

func (s *consulStore) FetchDenied(minionID string) ([]string, error) {
	pair, _, err := s.consulKV.Get(deniedPrefix+minionID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch denied keys: %w", err)
	}
	if pair == nil {
		return nil, nil
	}

	var denied []string
	if err := json.Unmarshal(pair.Value, &denied); err != nil {
		return nil, fmt.Errorf("failed to unmarshal denied keys: %w", err)
	}
	return denied, nil
}

func (s *consulStore) StoreDenied(minionID string, pubs []string) error {
	bytes, err := json.Marshal(pubs)
	if err != nil {
		return fmt.Errorf("failed to marshal denied keys: %w", err)
	}

	pair := &api.KVPair{Key: deniedPrefix + minionID, Value: bytes}
	if _, err := s.consulKV.Put(pair, nil); err != nil {
		return fmt.Errorf("failed to store denied keys: %w", err)
	}
	return nil
}

func (s *consulStore) AcceptedIDs() ([]string, error) {
	pairs, _, err := s.consulKV.List(keysPrefix, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list key records: %w", err)
	}

	var ids []string
	for _, pair := range pairs {
		rec := &KeyRecord{}
		if err := json.Unmarshal(pair.Value, rec); err != nil {
			continue
		}
		if rec.State == StateAccepted {
			ids = append(ids, strings.TrimPrefix(pair.Key, keysPrefix))
		}
	}
	return ids, nil
}

func (s *consulStore) Close() error {
	return nil
}

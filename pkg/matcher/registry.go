package matcher

import (
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/consul/api"
)

const connectedPrefix = "drover/connected/"

// ConsulKV is the narrow slice of the Consul KV API the registry needs.
type ConsulKV interface {
	Put(p *api.KVPair, q *api.WriteOptions) (*api.WriteMeta, error)
	Delete(key string, w *api.WriteOptions) (*api.WriteMeta, error)
	Keys(prefix, separator string, q *api.QueryOptions) ([]string, *api.QueryMeta, error)
}

// ConsulRegistry records live connections in Consul KV so every master in a
// cluster sees the same connected set.
type ConsulRegistry struct {
	kv ConsulKV
}

func NewConsulRegistry(kv ConsulKV) *ConsulRegistry {
	return &ConsulRegistry{kv: kv}
}

func (r *ConsulRegistry) MarkConnected(minionID string) error {
	_, err := r.kv.Put(&api.KVPair{Key: connectedPrefix + minionID, Value: []byte("1")}, nil)
	if err != nil {
		return fmt.Errorf("failed to record connected minion %s: %w", minionID, err)
	}
	return nil
}

func (r *ConsulRegistry) MarkDisconnected(minionID string) error {
	_, err := r.kv.Delete(connectedPrefix+minionID, nil)
	if err != nil {
		return fmt.Errorf("failed to remove connected minion %s: %w", minionID, err)
	}
	return nil
}

func (r *ConsulRegistry) ConnectedIDs() ([]string, error) {
	keys, _, err := r.kv.Keys(connectedPrefix, "", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list connected minions: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, strings.TrimPrefix(key, connectedPrefix))
	}
	return ids, nil
}

// MemoryRegistry is a process-local registry for single-master deployments
// and tests.
type MemoryRegistry struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{ids: make(map[string]struct{})}
}

func (r *MemoryRegistry) MarkConnected(minionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids[minionID] = struct{}{}
	return nil
}

func (r *MemoryRegistry) MarkDisconnected(minionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ids, minionID)
	return nil
}

func (r *MemoryRegistry) ConnectedIDs() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.ids))
	for id := range r.ids {
		ids = append(ids, id)
	}
	return ids, nil
}

package keystore

import "sync"

// memoryStore is an in-memory Store used by tests and ephemeral setups.
type memoryStore struct {
	mu     sync.RWMutex
	keys   map[string]KeyRecord
	denied map[string][]string
}

var _ Store = &memoryStore{}

// NewMemoryStore creates an empty in-memory keystore.
func NewMemoryStore() Store {
	return &memoryStore{
		keys:   make(map[string]KeyRecord),
		denied: make(map[string][]string),
	}
}

func (m *memoryStore) FetchKey(minionID string) (*KeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.keys[minionID]
	if !ok {
		return nil, nil
	}
	copied := rec
	return &copied, nil
}

func (m *memoryStore) StoreKey(minionID string, rec *KeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[minionID] = *rec
	return nil
}

func (m *memoryStore) FetchDenied(minionID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.denied[minionID]...), nil
}

func (m *memoryStore) StoreDenied(minionID string, pubs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denied[minionID] = append([]string(nil), pubs...)
	return nil
}

func (m *memoryStore) AcceptedIDs() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, rec := range m.keys {
		if rec.State == StateAccepted {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memoryStore) Close() error {
	return nil
}

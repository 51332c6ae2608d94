package secrets

import (
	"fmt"
	"sync"

	"github.com/fleetwork/drover/pkg/crypt"
	"github.com/fleetwork/drover/pkg/logger"
)

// Well-known cell names. A clustered master encrypts publish traffic with
// the cluster-wide secret, a standalone master with its own.
const (
	CellAES        = "aes"
	CellClusterAES = "cluster_aes"
)

// Cell is a read-mostly versioned secret shared by all channel components.
// Readers compare the version on each use instead of caching the key
// indefinitely; a decrypt failure is the signal to refetch and retry once.
type Cell struct {
	mu      sync.RWMutex
	version uint64
	key     []byte
}

// NewCell seeds a cell with an initial key.
func NewCell(key []byte) *Cell {
	return &Cell{version: 1, key: key}
}

// Current returns the secret and its rotation counter.
func (c *Cell) Current() (uint64, []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version, c.key
}

// Rotate installs a fresh random key and bumps the version.
func (c *Cell) Rotate() error {
	key, err := crypt.GenerateKey()
	if err != nil {
		return fmt.Errorf("failed to rotate secret: %w", err)
	}
	c.Set(key)
	return nil
}

// Set installs the given key, bumping the version only on change.
func (c *Cell) Set(key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if string(c.key) == string(key) {
		return
	}
	c.version++
	c.key = key
	logger.Debug("Secret cell rotated", "version", c.version)
}

// Store holds the named secret cells of one master process.
type Store struct {
	mu    sync.RWMutex
	cells map[string]*Cell
}

// NewStore creates a store with freshly generated aes and cluster_aes cells.
func NewStore() (*Store, error) {
	s := &Store{cells: make(map[string]*Cell)}
	for _, name := range []string{CellAES, CellClusterAES} {
		key, err := crypt.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to seed secret cell %s: %w", name, err)
		}
		s.cells[name] = NewCell(key)
	}
	return s, nil
}

// Cell returns the named cell, creating an empty one if needed.
func (s *Store) Cell(name string) *Cell {
	s.mu.Lock()
	defer s.mu.Unlock()
	cell, ok := s.cells[name]
	if !ok {
		cell = &Cell{}
		s.cells[name] = cell
	}
	return cell
}

// CellFor selects the publish secret for a node: the cluster cell when the
// node is a cluster member, the local cell otherwise.
func (s *Store) CellFor(clusterID string) *Cell {
	if clusterID != "" {
		return s.Cell(CellClusterAES)
	}
	return s.Cell(CellAES)
}

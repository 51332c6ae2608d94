package sessionkey

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fleetwork/drover/pkg/crypt"
	"github.com/fleetwork/drover/pkg/filesystem"
	"github.com/fleetwork/drover/pkg/logger"
)

// Manager issues and caches short-lived per-minion symmetric session keys.
//
// The on-disk key file's mtime is the source of truth for freshness: worker
// processes share one cache directory without a lock, so a process restart
// re-derives validity from the file rather than trusting memory. A duplicate
// generation race between workers is tolerated; the disagreeing worker
// self-heals on its next read.
type Manager struct {
	dir string
	ttl time.Duration

	mu       sync.Mutex
	sessions map[string]entry
}

type entry struct {
	issuedAt time.Time
	key      []byte
}

// NewManager creates a session key manager persisting under dir.
func NewManager(dir string, ttl time.Duration) (*Manager, error) {
	if err := filesystem.EnsureDir(dir); err != nil {
		return nil, err
	}
	return &Manager{
		dir:      dir,
		ttl:      ttl,
		sessions: make(map[string]entry),
	}, nil
}

// Get returns the current session key for a minion, generating and persisting
// a fresh one when the cached and on-disk copies are stale or absent. The
// whole lookup runs under one lock so concurrent callers never observe a
// torn generation.
func (m *Manager) Get(minionID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if cached, ok := m.sessions[minionID]; ok {
		if now.Sub(cached.issuedAt) < m.ttl {
			return cached.key, nil
		}
	}

	path, err := filesystem.SafePath(m.dir, minionID)
	if err != nil {
		return nil, fmt.Errorf("invalid session key path for %s: %w", minionID, err)
	}

	info, err := os.Stat(path)
	switch {
	case err == nil:
		if now.Sub(info.ModTime()) > m.ttl {
			if err := crypt.WriteKeyFile(path); err != nil {
				return nil, err
			}
			logger.Debug("Regenerated stale session key", "minion", minionID)
		}
	case os.IsNotExist(err):
		if err := crypt.WriteKeyFile(path); err != nil {
			return nil, err
		}
		logger.Debug("Issued new session key", "minion", minionID)
	default:
		return nil, fmt.Errorf("failed to stat session key for %s: %w", minionID, err)
	}

	info, err = os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat session key for %s: %w", minionID, err)
	}
	key, err := crypt.ReadKeyFile(path)
	if err != nil {
		return nil, err
	}

	m.sessions[minionID] = entry{issuedAt: info.ModTime(), key: key}
	return key, nil
}

// Drop forgets the in-memory cache entry for a minion. The on-disk file is
// left alone; key lifecycle on disk is TTL-driven only.
func (m *Manager) Drop(minionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, minionID)
}

// CachedCount returns the number of in-memory session entries.
func (m *Manager) CachedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

package keystore

// KeyState is the trust state of a minion's public key.
type KeyState string

const (
	StatePending  KeyState = "pending"
	StateAccepted KeyState = "accepted"
	StateRejected KeyState = "rejected"
)

// KeyRecord is the stored trust decision for one minion identity. At most
// one record exists per identity; records are never deleted automatically.
type KeyRecord struct {
	Pub   string   `json:"pub"`
	State KeyState `json:"state"`
}

// Store persists key records and the append-only denied key sets. A missing
// record is (nil, nil), not an error.
type Store interface {
	FetchKey(minionID string) (*KeyRecord, error)
	StoreKey(minionID string, rec *KeyRecord) error
	FetchDenied(minionID string) ([]string, error)
	StoreDenied(minionID string, pubs []string) error
	// AcceptedIDs lists every identity with an accepted key, the roster the
	// matcher resolves targets against.
	AcceptedIDs() ([]string, error)
	Close() error
}

package state

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"beetroot/storage"
)

// Manager maps typed records onto the raw key-value backend. Values are
// RLP encoded so persisted layouts stay positional and stable across
// upgrades, which is what lets new code parse old state.
type Manager struct {
	db storage.Database
}

// NewManager binds a manager to the given backend.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// KVPut stores value under key, RLP encoded.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state: manager not initialised")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("state: encode %q: %w", key, err)
	}
	return m.db.Put(key, encoded)
}

// KVGet loads the record stored under key into out. The boolean reports
// whether the key existed.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if m == nil || m.db == nil {
		return false, fmt.Errorf("state: manager not initialised")
	}
	raw, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %q: %w", key, err)
	}
	return true, nil
}

// KVDelete removes the record stored under key.
func (m *Manager) KVDelete(key []byte) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state: manager not initialised")
	}
	return m.db.Delete(key)
}

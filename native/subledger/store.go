package subledger

import (
	"fmt"

	"beetroot/crypto"
	"beetroot/state"
)

var (
	ledgerPrefix  = []byte("subledger/")
	ownerIndexKey = []byte("subledger/index")
)

// Store persists depositor ledgers through the state manager, keyed by
// owner address.
type Store struct {
	mgr *state.Manager
}

// NewStore binds a store to the given state manager.
func NewStore(mgr *state.Manager) *Store {
	return &Store{mgr: mgr}
}

func ledgerKey(owner crypto.Address) []byte {
	return append(append([]byte(nil), ledgerPrefix...), owner[:]...)
}

// LedgerGet loads the ledger for owner.
func (s *Store) LedgerGet(owner crypto.Address) (*Ledger, bool, error) {
	if s == nil || s.mgr == nil {
		return nil, false, fmt.Errorf("subledger store not initialised")
	}
	var ledger Ledger
	ok, err := s.mgr.KVGet(ledgerKey(owner), &ledger)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &ledger, true, nil
}

// LedgerPut stores a sanitized copy of the ledger and registers its owner
// in the index.
func (s *Store) LedgerPut(ledger *Ledger) error {
	if s == nil || s.mgr == nil {
		return fmt.Errorf("subledger store not initialised")
	}
	sanitized, err := Sanitize(ledger)
	if err != nil {
		return err
	}
	owners, err := s.Owners()
	if err != nil {
		return err
	}
	known := false
	for _, owner := range owners {
		if owner == sanitized.Owner {
			known = true
			break
		}
	}
	if !known {
		owners = append(owners, sanitized.Owner)
		if err := s.mgr.KVPut(ownerIndexKey, owners); err != nil {
			return err
		}
	}
	return s.mgr.KVPut(ledgerKey(sanitized.Owner), sanitized)
}

// Owners lists every depositor with a persisted ledger, dormant ones
// included.
func (s *Store) Owners() ([]crypto.Address, error) {
	if s == nil || s.mgr == nil {
		return nil, fmt.Errorf("subledger store not initialised")
	}
	var owners []crypto.Address
	if _, err := s.mgr.KVGet(ownerIndexKey, &owners); err != nil {
		return nil, err
	}
	return owners, nil
}

// Owners lists persisted ledger owners through a throwaway store. Used at
// startup to rebuild per-owner inboxes.
func Owners(mgr *state.Manager) ([]crypto.Address, error) {
	return NewStore(mgr).Owners()
}

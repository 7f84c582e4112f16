package pool

import (
	"fmt"

	"beetroot/state"
)

var (
	poolStateKey    = []byte("pool/state")
	pendingIndexKey = []byte("pool/pending/index")
)

func pendingKey(queryID uint64) []byte {
	return []byte(fmt.Sprintf("pool/pending/%020d", queryID))
}

// Store persists the controller state and pending withdrawals through the
// state manager.
type Store struct {
	mgr *state.Manager
}

// NewStore binds a store to the given state manager.
func NewStore(mgr *state.Manager) *Store {
	return &Store{mgr: mgr}
}

func (s *Store) check() error {
	if s == nil || s.mgr == nil {
		return fmt.Errorf("pool store not initialised")
	}
	return nil
}

// PoolStateGet loads the controller state record.
func (s *Store) PoolStateGet() (*State, bool, error) {
	if err := s.check(); err != nil {
		return nil, false, err
	}
	var st State
	ok, err := s.mgr.KVGet(poolStateKey, &st)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &st, true, nil
}

// PoolStatePut stores a sanitized copy of the controller state.
func (s *Store) PoolStatePut(st *State) error {
	if err := s.check(); err != nil {
		return err
	}
	sanitized, err := Sanitize(st)
	if err != nil {
		return err
	}
	return s.mgr.KVPut(poolStateKey, sanitized)
}

// PendingGet loads the pending withdrawal for queryID.
func (s *Store) PendingGet(queryID uint64) (*PendingWithdrawal, bool, error) {
	if err := s.check(); err != nil {
		return nil, false, err
	}
	var pending PendingWithdrawal
	ok, err := s.mgr.KVGet(pendingKey(queryID), &pending)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &pending, true, nil
}

// PendingPut stores a pending withdrawal and registers it in the index.
func (s *Store) PendingPut(pending *PendingWithdrawal) error {
	if err := s.check(); err != nil {
		return err
	}
	if pending == nil {
		return fmt.Errorf("pool store: nil pending withdrawal")
	}
	var index []uint64
	if _, err := s.mgr.KVGet(pendingIndexKey, &index); err != nil {
		return err
	}
	found := false
	for _, id := range index {
		if id == pending.QueryID {
			found = true
			break
		}
	}
	if !found {
		index = append(index, pending.QueryID)
		if err := s.mgr.KVPut(pendingIndexKey, index); err != nil {
			return err
		}
	}
	return s.mgr.KVPut(pendingKey(pending.QueryID), pending.Clone())
}

// PendingDelete removes a pending withdrawal and its index entry.
func (s *Store) PendingDelete(queryID uint64) error {
	if err := s.check(); err != nil {
		return err
	}
	var index []uint64
	if _, err := s.mgr.KVGet(pendingIndexKey, &index); err != nil {
		return err
	}
	next := index[:0]
	for _, id := range index {
		if id != queryID {
			next = append(next, id)
		}
	}
	if err := s.mgr.KVPut(pendingIndexKey, next); err != nil {
		return err
	}
	return s.mgr.KVDelete(pendingKey(queryID))
}

// PendingList returns all pending withdrawals in index order.
func (s *Store) PendingList() ([]*PendingWithdrawal, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var index []uint64
	if _, err := s.mgr.KVGet(pendingIndexKey, &index); err != nil {
		return nil, err
	}
	list := make([]*PendingWithdrawal, 0, len(index))
	for _, id := range index {
		pending, ok, err := s.PendingGet(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		list = append(list, pending)
	}
	return list, nil
}

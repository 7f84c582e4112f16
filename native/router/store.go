package router

import (
	"fmt"

	"beetroot/state"
)

var (
	routerStateKey = []byte("router/state")
	inFlightPrefix = []byte("router/inflight/")
	inFlightIndex  = []byte("router/inflight/index")
)

// Store persists router state and in-flight fan-out records through the
// state manager. It implements the engine's state interface.
type Store struct {
	mgr *state.Manager
}

// NewStore binds a store to the given state manager.
func NewStore(mgr *state.Manager) *Store {
	return &Store{mgr: mgr}
}

func inFlightKey(queryID uint64) []byte {
	return append(append([]byte(nil), inFlightPrefix...), []byte(fmt.Sprintf("%020d", queryID))...)
}

// RouterStateGet loads the persisted router state.
func (s *Store) RouterStateGet() (*State, bool, error) {
	if s == nil || s.mgr == nil {
		return nil, false, fmt.Errorf("router store not initialised")
	}
	var st State
	ok, err := s.mgr.KVGet(routerStateKey, &st)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &st, true, nil
}

// RouterStatePut stores the router state.
func (s *Store) RouterStatePut(st *State) error {
	if s == nil || s.mgr == nil {
		return fmt.Errorf("router store not initialised")
	}
	if st == nil {
		return fmt.Errorf("router store: nil state")
	}
	return s.mgr.KVPut(routerStateKey, st)
}

// InFlightGet loads one in-flight fan-out record.
func (s *Store) InFlightGet(queryID uint64) (*RoutedDeposit, bool, error) {
	if s == nil || s.mgr == nil {
		return nil, false, fmt.Errorf("router store not initialised")
	}
	var record RoutedDeposit
	ok, err := s.mgr.KVGet(inFlightKey(queryID), &record)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &record, true, nil
}

// InFlightPut stores an in-flight record and indexes its query id.
func (s *Store) InFlightPut(record *RoutedDeposit) error {
	if s == nil || s.mgr == nil {
		return fmt.Errorf("router store not initialised")
	}
	if record == nil {
		return fmt.Errorf("router store: nil record")
	}
	var ids []uint64
	if _, err := s.mgr.KVGet(inFlightIndex, &ids); err != nil {
		return err
	}
	found := false
	for _, id := range ids {
		if id == record.QueryID {
			found = true
			break
		}
	}
	if !found {
		ids = append(ids, record.QueryID)
		if err := s.mgr.KVPut(inFlightIndex, ids); err != nil {
			return err
		}
	}
	return s.mgr.KVPut(inFlightKey(record.QueryID), record)
}

// InFlightDelete removes a settled record from the store and the index.
func (s *Store) InFlightDelete(queryID uint64) error {
	if s == nil || s.mgr == nil {
		return fmt.Errorf("router store not initialised")
	}
	var ids []uint64
	if _, err := s.mgr.KVGet(inFlightIndex, &ids); err != nil {
		return err
	}
	kept := ids[:0]
	for _, id := range ids {
		if id != queryID {
			kept = append(kept, id)
		}
	}
	if err := s.mgr.KVPut(inFlightIndex, kept); err != nil {
		return err
	}
	return s.mgr.KVDelete(inFlightKey(queryID))
}

// InFlightList returns all unsettled records in query-id order.
func (s *Store) InFlightList() ([]*RoutedDeposit, error) {
	if s == nil || s.mgr == nil {
		return nil, fmt.Errorf("router store not initialised")
	}
	var ids []uint64
	if _, err := s.mgr.KVGet(inFlightIndex, &ids); err != nil {
		return nil, err
	}
	records := make([]*RoutedDeposit, 0, len(ids))
	for _, id := range ids {
		record, ok, err := s.InFlightGet(id)
		if err != nil {
			return nil, err
		}
		if ok {
			records = append(records, record)
		}
	}
	return records, nil
}

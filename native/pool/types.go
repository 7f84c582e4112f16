package pool

import (
	"fmt"
	"math/big"

	"beetroot/crypto"
)

const (
	// StateVersion tags the persisted controller layout. Upgrade blobs
	// carrying any other version are rejected before anything is replaced.
	StateVersion uint32 = 1

	// PriceBasis is the precision of the stored share price: the integer
	// price is SharePriceBP / PriceBasis, floored.
	PriceBasis = 100

	// ShareScale converts whole share units to minted token amounts.
	ShareScale = 1000
)

// State is the controller's persisted record. Field order is the wire
// schema: upgrades supply a replacement blob parsed positionally, so the
// order never changes within a version.
type State struct {
	Version           uint32
	StableTokenMaster crypto.Address
	ShareTokenMaster  crypto.Address
	SubLedgerCode     crypto.CodeHash
	Admin             crypto.Address
	WalletCode        crypto.CodeHash
	SharePriceBP      uint64
	Router            crypto.Address
}

// Clone returns a copy of the state record.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}

// Sanitize validates the invariant fields of a controller state record.
func Sanitize(s *State) (*State, error) {
	if s == nil {
		return nil, fmt.Errorf("pool: nil state")
	}
	clone := s.Clone()
	if clone.Version != StateVersion {
		return nil, fmt.Errorf("pool: unsupported state version %d", clone.Version)
	}
	if clone.SharePriceBP < PriceBasis {
		return nil, fmt.Errorf("pool: share price %d below basis %d", clone.SharePriceBP, PriceBasis)
	}
	if clone.Admin.IsZero() {
		return nil, fmt.Errorf("pool: admin must be set")
	}
	if clone.StableTokenMaster.IsZero() || clone.ShareTokenMaster.IsZero() {
		return nil, fmt.Errorf("pool: token masters must be set")
	}
	if clone.Router.IsZero() {
		return nil, fmt.Errorf("pool: router must be set")
	}
	return clone, nil
}

// PendingWithdrawal tracks a settlement whose downstream reclaims are in
// flight. Persisted before the reclaim is requested so arriving returns
// can always be attributed after a restart.
type PendingWithdrawal struct {
	QueryID     uint64
	Owner       crypto.Address
	Expected    *big.Int
	Accumulated *big.Int
	CreatedAt   uint64
}

// Clone returns a deep copy of the pending record.
func (p *PendingWithdrawal) Clone() *PendingWithdrawal {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Expected = big.NewInt(0)
	clone.Accumulated = big.NewInt(0)
	if p.Expected != nil {
		clone.Expected = new(big.Int).Set(p.Expected)
	}
	if p.Accumulated != nil {
		clone.Accumulated = new(big.Int).Set(p.Accumulated)
	}
	return &clone
}

// SharesToMint converts a net deposit into minted shares the way the
// deployed pricing does it: divide by the floored integer price first,
// then scale. Both divisions floor, so rounding always favors the pool.
func SharesToMint(net *big.Int, sharePriceBP uint64) *big.Int {
	if net == nil || net.Sign() <= 0 || sharePriceBP < PriceBasis {
		return big.NewInt(0)
	}
	price := new(big.Int).SetUint64(sharePriceBP / PriceBasis)
	shares := new(big.Int).Div(net, price)
	return shares.Mul(shares, big.NewInt(ShareScale))
}

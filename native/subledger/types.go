package subledger

import (
	"fmt"
	"math/big"

	"beetroot/crypto"
)

// LockDurationSeconds is the fixed delay between a withdrawal request and
// the earliest valid claim. Uniform for every depositor.
const LockDurationSeconds uint64 = 7 * 24 * 60 * 60

// Ledger is the per-depositor accounting record. Principal is cumulative
// net-of-fee deposited capital; RootAmount mirrors the shares minted
// against it; SlpAmount/TlpAmount mirror the per-protocol LP attribution
// reported by the router at deposit time.
type Ledger struct {
	Owner            crypto.Address
	Controller       crypto.Address
	Principal        *big.Int
	RootAmount       *big.Int
	SlpAmount        *big.Int
	TlpAmount        *big.Int
	DepositTimestamp uint64
	UnlockTimestamp  uint64
}

// NewLedger creates an empty dormant ledger for owner under controller.
func NewLedger(owner, controller crypto.Address) *Ledger {
	return &Ledger{
		Owner:      owner,
		Controller: controller,
		Principal:  big.NewInt(0),
		RootAmount: big.NewInt(0),
		SlpAmount:  big.NewInt(0),
		TlpAmount:  big.NewInt(0),
	}
}

// Clone returns a deep copy so callers can mutate safely.
func (l *Ledger) Clone() *Ledger {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Principal = cloneAmount(l.Principal)
	clone.RootAmount = cloneAmount(l.RootAmount)
	clone.SlpAmount = cloneAmount(l.SlpAmount)
	clone.TlpAmount = cloneAmount(l.TlpAmount)
	return &clone
}

// Sanitize validates and normalises the ledger, returning a clone with
// non-nil amounts.
func Sanitize(l *Ledger) (*Ledger, error) {
	if l == nil {
		return nil, fmt.Errorf("subledger: nil ledger")
	}
	clone := l.Clone()
	if clone.Owner.IsZero() {
		return nil, fmt.Errorf("subledger: owner must be set")
	}
	if clone.Controller.IsZero() {
		return nil, fmt.Errorf("subledger: controller must be set")
	}
	if clone.Principal.Sign() < 0 || clone.RootAmount.Sign() < 0 ||
		clone.SlpAmount.Sign() < 0 || clone.TlpAmount.Sign() < 0 {
		return nil, fmt.Errorf("subledger: negative balance")
	}
	return clone, nil
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

package events

import (
	"math/big"

	"beetroot/crypto"
)

const (
	TypeDepositProcessed  = "pool.deposit.processed"
	TypeSharesMinted      = "pool.shares.minted"
	TypeDepositRecorded   = "subledger.deposit.recorded"
	TypeWithdrawRequested = "subledger.withdraw.requested"
	TypeWithdrawClaimed   = "subledger.withdraw.claimed"
	TypeWithdrawSettled   = "pool.withdraw.settled"
	TypeLegRouted         = "router.leg.routed"
	TypeLegAcked          = "router.leg.acked"
	TypeLegFailed         = "router.leg.failed"
	TypePriceUpdated      = "pool.price.updated"
	TypeAdminChanged      = "pool.admin.changed"
	TypeUpgraded          = "pool.upgraded"
)

// DepositProcessed is emitted once the controller has debited fees,
// computed shares and dispatched the outbound fan for a deposit.
type DepositProcessed struct {
	QueryID   uint64
	Depositor crypto.Address
	Amount    *big.Int
	Fee       *big.Int
	Net       *big.Int
	Shares    *big.Int
}

func (DepositProcessed) EventType() string { return TypeDepositProcessed }

// SharesMinted records the mint instruction issued to the share master.
type SharesMinted struct {
	Recipient crypto.Address
	Amount    *big.Int
}

func (SharesMinted) EventType() string { return TypeSharesMinted }

// DepositRecorded is emitted by a sub-ledger after principal accrual.
type DepositRecorded struct {
	Owner     crypto.Address
	Amount    *big.Int
	Principal *big.Int
}

func (DepositRecorded) EventType() string { return TypeDepositRecorded }

// WithdrawRequested is emitted when the time-lock is armed.
type WithdrawRequested struct {
	Owner           crypto.Address
	UnlockTimestamp uint64
}

func (WithdrawRequested) EventType() string { return TypeWithdrawRequested }

// WithdrawClaimed is emitted after a successful claim on a sub-ledger.
type WithdrawClaimed struct {
	Owner        crypto.Address
	BurnedShares *big.Int
	Principal    *big.Int
	Remaining    *big.Int
}

func (WithdrawClaimed) EventType() string { return TypeWithdrawClaimed }

// WithdrawSettled is emitted when the controller accepts a sub-ledger
// settlement and begins reclaiming downstream capital.
type WithdrawSettled struct {
	QueryID   uint64
	Depositor crypto.Address
	Principal *big.Int
}

func (WithdrawSettled) EventType() string { return TypeWithdrawSettled }

// LegRouted is emitted per outbound fan-out leg.
type LegRouted struct {
	QueryID uint64
	Target  crypto.Address
	Amount  *big.Int
}

func (LegRouted) EventType() string { return TypeLegRouted }

// LegAcked is emitted when a downstream target acknowledges a leg.
type LegAcked struct {
	QueryID uint64
	Target  crypto.Address
	Amount  *big.Int
}

func (LegAcked) EventType() string { return TypeLegAcked }

// LegFailed is emitted when a leg reports failure. The amount is not
// retried; remediation is an administrative action.
type LegFailed struct {
	QueryID uint64
	Target  crypto.Address
	Amount  *big.Int
}

func (LegFailed) EventType() string { return TypeLegFailed }

// PriceUpdated records an accepted admin price change.
type PriceUpdated struct {
	OldPriceBP uint64
	NewPriceBP uint64
}

func (PriceUpdated) EventType() string { return TypePriceUpdated }

// AdminChanged records an accepted admin rotation.
type AdminChanged struct {
	OldAdmin crypto.Address
	NewAdmin crypto.Address
}

func (AdminChanged) EventType() string { return TypeAdminChanged }

// Upgraded records an accepted code-and-state replacement.
type Upgraded struct {
	QueryID      uint64
	CodeHash     crypto.CodeHash
	StateVersion uint32
}

func (Upgraded) EventType() string { return TypeUpgraded }

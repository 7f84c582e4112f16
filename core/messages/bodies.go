package messages

import (
	"math/big"

	"beetroot/crypto"
)

// Transfer instructs a token wallet to move Amount to Destination. Excess
// attached value is returned to ResponseDestination per the token standard.
type Transfer struct {
	Amount              *big.Int
	Destination         crypto.Address
	ResponseDestination crypto.Address
	ForwardPayload      []byte
}

// TransferNotification is emitted by a token wallet to its owner after an
// inbound transfer has settled. It is the deposit trigger for the pool
// controller and the fan-in trigger on the withdrawal path.
type TransferNotification struct {
	Amount         *big.Int
	Sender         crypto.Address
	ForwardPayload []byte
}

// InternalTransfer moves settled capital between actors of the pool
// hierarchy, e.g. controller to router on the deposit path.
type InternalTransfer struct {
	Amount              *big.Int
	From                crypto.Address
	ResponseDestination crypto.Address
}

// WithdrawNotification tags capital returned by a downstream protocol on
// the withdrawal path. It rides in the forward payload of the stable-token
// transfer. Op must equal OpWithdrawNotification; the controller takes the
// fan-in path only on an exact tag match, so a deposit memo that happens
// to share the shape stays a deposit.
type WithdrawNotification struct {
	Op    uint32
	Owner crypto.Address
}

// NewWithdrawNotification builds a correctly tagged reclaim-return payload.
func NewWithdrawNotification(owner crypto.Address) WithdrawNotification {
	return WithdrawNotification{Op: uint32(OpWithdrawNotification), Owner: owner}
}

// Mint instructs the share-token master to issue Amount to Recipient.
type Mint struct {
	Recipient crypto.Address
	Amount    *big.Int
}

// Burn instructs a share-token wallet to destroy Amount.
type Burn struct {
	Amount *big.Int
}

// BurnNotification reports a completed share burn. Sender is the identity
// that held the burned shares; it is the claim trigger on a sub-ledger.
type BurnNotification struct {
	Amount *big.Int
	Sender crypto.Address
}

// Deposit carries a settled deposit from the controller to a sub-ledger.
// Per-protocol LP mirrors accompany the principal so the sub-ledger view
// matches the router's received counters.
type Deposit struct {
	Owner              crypto.Address
	TotalDepositAmount *big.Int
	SlpAmount          *big.Int
	TlpAmount          *big.Int
	RootAmount         *big.Int
}

// RequestWithdraw arms the withdrawal time-lock on a sub-ledger. Only the
// ledger owner may send it.
type RequestWithdraw struct{}

// WithdrawInternal is the settlement a sub-ledger sends to its controller
// after burning the owner's shares. The controller re-derives the sender
// address before trusting Owner.
type WithdrawInternal struct {
	Owner             crypto.Address
	RedeemedPrincipal *big.Int
	BurnedShares      *big.Int
}

// SuccessfulWithdraw confirms to a sub-ledger that its settlement was paid
// out by the controller.
type SuccessfulWithdraw struct {
	Amount *big.Int
}

// LegAck reports the outcome of a single routed leg back to the router.
type LegAck struct {
	Target  crypto.Address
	Amount  *big.Int
	Success bool
}

// Reclaim asks a downstream target to return Amount of routed capital.
type Reclaim struct {
	Amount *big.Int
}

// ChangeAdmin rotates the controller's admin identity. Admin only.
type ChangeAdmin struct {
	NewAdmin crypto.Address
}

// UpdateRootPrice overwrites the controller's share price. Admin only.
type UpdateRootPrice struct {
	NewPriceBP uint64
}

// UpgradeContract replaces the controller's code and state wholesale.
// NewData must be a versioned state blob serialized to the persisted
// schema; the controller parses it positionally and rejects unknown
// versions, nothing else is migrated automatically.
type UpgradeContract struct {
	NewCode []byte
	NewData []byte
}

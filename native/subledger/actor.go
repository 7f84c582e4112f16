package subledger

import (
	"beetroot/core/messages"
	"beetroot/crypto"
	"beetroot/native/common"
)

// Actor binds the shared sub-ledger engine to one depositor's inbox. Each
// owner gets its own actor, so ledgers never contend with each other.
type Actor struct {
	engine *Engine
	owner  crypto.Address
}

// NewActor wraps the engine for the ledger owned by owner.
func NewActor(engine *Engine, owner crypto.Address) *Actor {
	return &Actor{engine: engine, owner: owner}
}

// Owner returns the depositor this actor serves.
func (a *Actor) Owner() crypto.Address { return a.owner }

// Handle implements the bus handler contract.
func (a *Actor) Handle(env *messages.Envelope) ([]messages.Outbound, error) {
	switch env.Op {
	case messages.OpDeposit:
		return nil, a.engine.HandleDeposit(a.owner, env)
	case messages.OpRequestWithdraw:
		return nil, a.engine.HandleRequestWithdraw(a.owner, env)
	case messages.OpBurnNotification:
		return a.engine.HandleBurnNotification(a.owner, env)
	case messages.OpSuccessfulWithdraw:
		return nil, a.engine.HandleSuccessfulWithdraw(a.owner, env)
	default:
		return nil, common.ErrUnknownOpCode
	}
}

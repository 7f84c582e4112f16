package pool

import (
	"beetroot/core/messages"
	"beetroot/native/common"
)

// Actor dispatches inbound envelopes to the controller engine. Every op
// the controller does not speak bounces with UnknownOpCode so the sender
// gets its value back instead of silently losing it.
type Actor struct {
	engine *Engine
}

// NewActor wraps a controller engine for the message bus.
func NewActor(engine *Engine) *Actor {
	return &Actor{engine: engine}
}

// Handle implements the bus handler contract.
func (a *Actor) Handle(env *messages.Envelope) ([]messages.Outbound, error) {
	switch env.Op {
	case messages.OpTransferNotification:
		return a.engine.HandleTransferNotification(env)
	case messages.OpWithdrawInternal:
		return a.engine.HandleWithdrawInternal(env)
	case messages.OpUpdateRootPrice:
		return nil, a.engine.HandleUpdateRootPrice(env)
	case messages.OpChangeAdmin:
		return nil, a.engine.HandleChangeAdmin(env)
	case messages.OpUpgradeContract:
		return nil, a.engine.HandleUpgrade(env)
	default:
		return nil, common.ErrUnknownOpCode
	}
}

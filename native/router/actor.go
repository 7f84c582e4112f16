package router

import (
	"beetroot/core/messages"
	"beetroot/native/common"
)

// Actor dispatches inbound envelopes to the router engine. Capital moves
// (route, reclaim) are accepted from the controller only; leg acks carry
// their own target identity and are matched against the in-flight record.
type Actor struct {
	engine *Engine
}

// NewActor wraps a router engine for the message bus.
func NewActor(engine *Engine) *Actor {
	return &Actor{engine: engine}
}

// Handle implements the bus handler contract.
func (a *Actor) Handle(env *messages.Envelope) ([]messages.Outbound, error) {
	switch env.Op {
	case messages.OpInternalTransfer:
		st, err := a.engine.Data()
		if err != nil {
			return nil, err
		}
		if env.Sender != st.Controller {
			return nil, common.ErrNotParent
		}
		var body messages.InternalTransfer
		if err := env.DecodeBody(&body); err != nil {
			return nil, err
		}
		return a.engine.Route(env.QueryID, body.Amount, env.AttachedValue())
	case messages.OpLegAck:
		return nil, a.engine.HandleLegAck(env)
	case messages.OpReclaim:
		st, err := a.engine.Data()
		if err != nil {
			return nil, err
		}
		if env.Sender != st.Controller {
			return nil, common.ErrNotParent
		}
		var body messages.Reclaim
		if err := env.DecodeBody(&body); err != nil {
			return nil, err
		}
		return a.engine.Reclaim(env.QueryID, body.Amount, env.AttachedValue())
	default:
		return nil, common.ErrUnknownOpCode
	}
}

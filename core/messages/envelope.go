package messages

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"beetroot/crypto"
)

// Envelope is the transport frame for every inter-actor message. Sender is
// stamped by the transport, never by the payload, so authorization checks
// compare against an identity the sending actor cannot forge. Value is the
// attached gas budget for forwarding.
type Envelope struct {
	Op      OpCode
	QueryID uint64
	Sender  crypto.Address
	Value   *big.Int
	Body    []byte
}

// AttachedValue returns the attached gas value, never nil.
func (e *Envelope) AttachedValue() *big.Int {
	if e == nil || e.Value == nil {
		return big.NewInt(0)
	}
	return e.Value
}

// NewEnvelope assembles a frame with an RLP-encoded body.
func NewEnvelope(op OpCode, queryID uint64, sender crypto.Address, value *big.Int, body interface{}) (*Envelope, error) {
	encoded, err := rlp.EncodeToBytes(body)
	if err != nil {
		return nil, fmt.Errorf("messages: encode %s body: %w", op, err)
	}
	if value == nil {
		value = big.NewInt(0)
	}
	return &Envelope{Op: op, QueryID: queryID, Sender: sender, Value: new(big.Int).Set(value), Body: encoded}, nil
}

// Outbound pairs a frame with its destination. Handlers return outbound
// messages instead of sending them so durable state is always written
// before anything leaves the actor.
type Outbound struct {
	To  crypto.Address
	Env *Envelope
}

// DecodeBody parses the envelope body into out.
func (e *Envelope) DecodeBody(out interface{}) error {
	if e == nil {
		return fmt.Errorf("messages: nil envelope")
	}
	if err := rlp.DecodeBytes(e.Body, out); err != nil {
		return fmt.Errorf("messages: decode %s body: %w", e.Op, err)
	}
	return nil
}

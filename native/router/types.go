package router

import (
	"fmt"
	"math/big"
	"strings"

	"beetroot/crypto"
)

// Target is one downstream yield protocol leg: the protocol actor that
// receives routed capital and the token wallet the transfer lands in.
// Weight is the allocation share in the fixed routing table.
type Target struct {
	Name        string
	Protocol    crypto.Address
	TokenWallet crypto.Address
	Weight      uint64
}

// State is the router's persisted record: the controlling pool address,
// the fixed routing table and the cumulative fan-in counters.
type State struct {
	Controller   crypto.Address
	Targets      []Target
	Received     []*big.Int
	TotalDeposit *big.Int
	RecvCount    uint64
}

// Clone returns a deep copy safe for callers to mutate.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	clone := &State{
		Controller:   s.Controller,
		Targets:      append([]Target(nil), s.Targets...),
		Received:     make([]*big.Int, len(s.Received)),
		TotalDeposit: big.NewInt(0),
		RecvCount:    s.RecvCount,
	}
	for i, r := range s.Received {
		if r != nil {
			clone.Received[i] = new(big.Int).Set(r)
		} else {
			clone.Received[i] = big.NewInt(0)
		}
	}
	if s.TotalDeposit != nil {
		clone.TotalDeposit = new(big.Int).Set(s.TotalDeposit)
	}
	return clone
}

// SanitizeState validates the routing table and normalises nil counters.
func SanitizeState(s *State) (*State, error) {
	if s == nil {
		return nil, fmt.Errorf("router: nil state")
	}
	clone := s.Clone()
	if len(clone.Targets) == 0 {
		return nil, fmt.Errorf("router: routing table must not be empty")
	}
	seen := make(map[crypto.Address]struct{}, len(clone.Targets))
	for i, target := range clone.Targets {
		if strings.TrimSpace(target.Name) == "" {
			return nil, fmt.Errorf("router: target %d missing name", i)
		}
		if target.Protocol.IsZero() || target.TokenWallet.IsZero() {
			return nil, fmt.Errorf("router: target %s has zero address", target.Name)
		}
		if target.Weight == 0 {
			return nil, fmt.Errorf("router: target %s has zero weight", target.Name)
		}
		if _, dup := seen[target.Protocol]; dup {
			return nil, fmt.Errorf("router: duplicate target %s", target.Name)
		}
		seen[target.Protocol] = struct{}{}
	}
	if len(clone.Received) != len(clone.Targets) {
		received := make([]*big.Int, len(clone.Targets))
		for i := range received {
			received[i] = big.NewInt(0)
		}
		copy(received, clone.Received)
		for i, r := range received {
			if r == nil {
				received[i] = big.NewInt(0)
			}
		}
		clone.Received = received
	}
	return clone, nil
}

// Leg is one outbound transfer of a fan-out operation.
type Leg struct {
	Target crypto.Address
	Amount *big.Int
	Acked  bool
	OK     bool
}

// RoutedDeposit tracks one in-flight fan-out until every leg has reported
// back. It is persisted before the first outbound transfer is sent so the
// reconciliation is resumable from whatever was durably recorded.
type RoutedDeposit struct {
	QueryID   uint64
	Total     *big.Int
	Legs      []Leg
	CreatedAt uint64
}

// Settled reports whether every leg has been acknowledged, successfully
// or not.
func (r *RoutedDeposit) Settled() bool {
	if r == nil {
		return false
	}
	for _, leg := range r.Legs {
		if !leg.Acked {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the in-flight record.
func (r *RoutedDeposit) Clone() *RoutedDeposit {
	if r == nil {
		return nil
	}
	clone := &RoutedDeposit{
		QueryID:   r.QueryID,
		Total:     big.NewInt(0),
		Legs:      make([]Leg, len(r.Legs)),
		CreatedAt: r.CreatedAt,
	}
	if r.Total != nil {
		clone.Total = new(big.Int).Set(r.Total)
	}
	for i, leg := range r.Legs {
		clone.Legs[i] = Leg{Target: leg.Target, Acked: leg.Acked, OK: leg.OK, Amount: big.NewInt(0)}
		if leg.Amount != nil {
			clone.Legs[i].Amount = new(big.Int).Set(leg.Amount)
		}
	}
	return clone
}

// Partition splits total across the weight table exactly. Every slot gets
// floor(total*weight/weightSum); the last slot absorbs the remainder so the
// amounts always sum to total.
func Partition(total *big.Int, weights []uint64) ([]*big.Int, error) {
	if total == nil || total.Sign() < 0 {
		return nil, fmt.Errorf("router: partition amount must be non-negative")
	}
	if len(weights) == 0 {
		return nil, fmt.Errorf("router: partition requires at least one weight")
	}
	weightSum := new(big.Int)
	for _, w := range weights {
		if w == 0 {
			return nil, fmt.Errorf("router: zero weight in partition")
		}
		weightSum.Add(weightSum, new(big.Int).SetUint64(w))
	}
	amounts := make([]*big.Int, len(weights))
	assigned := new(big.Int)
	for i, w := range weights[:len(weights)-1] {
		share := new(big.Int).Mul(total, new(big.Int).SetUint64(w))
		share.Div(share, weightSum)
		amounts[i] = share
		assigned.Add(assigned, share)
	}
	amounts[len(weights)-1] = new(big.Int).Sub(total, assigned)
	return amounts, nil
}

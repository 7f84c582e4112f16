package router

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"beetroot/core/events"
	"beetroot/core/messages"
	"beetroot/crypto"
	"beetroot/native/common"
)

var (
	errNilState   = errors.New("router engine: state not configured")
	errNoState    = errors.New("router engine: router state not initialised")
	errNilAmount  = errors.New("router engine: amount must not be nil")
	errNotTracked = errors.New("router engine: no in-flight fan-out for query")
)

type engineState interface {
	RouterStateGet() (*State, bool, error)
	RouterStatePut(*State) error
	InFlightGet(queryID uint64) (*RoutedDeposit, bool, error)
	InFlightPut(*RoutedDeposit) error
	InFlightDelete(queryID uint64) error
	InFlightList() ([]*RoutedDeposit, error)
}

// Engine implements the fan-out/fan-in reconciliation protocol: split one
// inbound amount across the fixed routing table, then accumulate the
// asynchronous per-leg acknowledgements.
type Engine struct {
	state      engineState
	emitter    events.Emitter
	forwardFee *big.Int
	nowFn      func() uint64
}

// NewEngine creates a router engine with a no-op emitter and the supplied
// per-leg forwarding fee.
func NewEngine(forwardFee *big.Int) *Engine {
	fee := big.NewInt(0)
	if forwardFee != nil {
		fee = new(big.Int).Set(forwardFee)
	}
	return &Engine{
		emitter:    events.NoopEmitter{},
		forwardFee: fee,
		nowFn:      func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter. Passing nil resets to no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, for deterministic tests.
func (e *Engine) SetNowFunc(now func() uint64) {
	if now == nil {
		e.nowFn = func() uint64 { return uint64(time.Now().Unix()) }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) loadState() (*State, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	st, ok, err := e.state.RouterStateGet()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errNoState
	}
	return st, nil
}

// Init persists the initial router state. Called once at deploy.
func (e *Engine) Init(st *State) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	sanitized, err := SanitizeState(st)
	if err != nil {
		return err
	}
	return e.state.RouterStatePut(sanitized)
}

// Route partitions total across the routing table and returns one outbound
// transfer per target. The in-flight record and updated counters are
// persisted before the outbound messages are handed back, so a crash after
// return loses no accounting.
func (e *Engine) Route(queryID uint64, total, attachedValue *big.Int) ([]messages.Outbound, error) {
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	if total == nil {
		return nil, errNilAmount
	}
	if total.Sign() <= 0 {
		return nil, fmt.Errorf("router engine: route amount must be positive")
	}
	required := new(big.Int).Mul(e.forwardFee, big.NewInt(int64(len(st.Targets))))
	if attachedValue == nil || attachedValue.Cmp(required) < 0 {
		return nil, common.ErrNotEnoughGas
	}

	weights := make([]uint64, len(st.Targets))
	for i, target := range st.Targets {
		weights[i] = target.Weight
	}
	amounts, err := Partition(total, weights)
	if err != nil {
		return nil, err
	}

	record := &RoutedDeposit{QueryID: queryID, Total: new(big.Int).Set(total), CreatedAt: e.nowFn()}
	for i, target := range st.Targets {
		record.Legs = append(record.Legs, Leg{Target: target.Protocol, Amount: amounts[i]})
	}
	if err := e.state.InFlightPut(record); err != nil {
		return nil, err
	}
	st.TotalDeposit = new(big.Int).Add(st.TotalDeposit, total)
	if err := e.state.RouterStatePut(st); err != nil {
		return nil, err
	}

	outbound := make([]messages.Outbound, 0, len(st.Targets))
	for i, target := range st.Targets {
		if amounts[i].Sign() == 0 {
			// A zero leg still needs an ack to settle, mark it done up front.
			record.Legs[i].Acked = true
			record.Legs[i].OK = true
			continue
		}
		env, err := messages.NewEnvelope(messages.OpTransfer, queryID, crypto.Address{}, e.forwardFee, messages.Transfer{
			Amount:              amounts[i],
			Destination:         target.Protocol,
			ResponseDestination: st.Controller,
		})
		if err != nil {
			return nil, err
		}
		outbound = append(outbound, messages.Outbound{To: target.TokenWallet, Env: env})
		e.emit(events.LegRouted{QueryID: queryID, Target: target.Protocol, Amount: new(big.Int).Set(amounts[i])})
	}
	if record.Settled() {
		if err := e.state.InFlightDelete(queryID); err != nil {
			return nil, err
		}
	} else if err := e.state.InFlightPut(record); err != nil {
		return nil, err
	}
	return outbound, nil
}

// HandleLegAck folds one downstream acknowledgement into the in-flight
// record. Success accrues the per-target received counter; failure is
// surfaced through the event stream for manual remediation and is never
// retried here, because a false-negative ack would double-spend.
func (e *Engine) HandleLegAck(env *messages.Envelope) error {
	st, err := e.loadState()
	if err != nil {
		return err
	}
	var ack messages.LegAck
	if err := env.DecodeBody(&ack); err != nil {
		return err
	}
	record, ok, err := e.state.InFlightGet(env.QueryID)
	if err != nil {
		return err
	}
	if !ok {
		// Redelivered ack for an already settled fan-out.
		return nil
	}
	idx := -1
	for i, leg := range record.Legs {
		if leg.Target == ack.Target {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: query %d target %s", errNotTracked, env.QueryID, ack.Target)
	}
	if record.Legs[idx].Acked {
		return nil
	}
	record.Legs[idx].Acked = true
	record.Legs[idx].OK = ack.Success

	amount := big.NewInt(0)
	if ack.Amount != nil {
		amount = new(big.Int).Set(ack.Amount)
	}
	if ack.Success {
		targetIdx := e.targetIndex(st, ack.Target)
		if targetIdx < 0 {
			return fmt.Errorf("router engine: ack from unknown target %s", ack.Target)
		}
		st.Received[targetIdx] = new(big.Int).Add(st.Received[targetIdx], amount)
		st.RecvCount++
		if err := e.state.RouterStatePut(st); err != nil {
			return err
		}
		e.emit(events.LegAcked{QueryID: env.QueryID, Target: ack.Target, Amount: amount})
	} else {
		e.emit(events.LegFailed{QueryID: env.QueryID, Target: ack.Target, Amount: amount})
	}

	if record.Settled() {
		return e.state.InFlightDelete(env.QueryID)
	}
	return e.state.InFlightPut(record)
}

// Reclaim splits a withdrawal amount across targets proportionally to what
// each has received and returns one reclaim request per non-zero slice.
// Counters are decremented eagerly, clamped at zero; the returned capital
// arrives at the controller as ordinary transfer notifications.
func (e *Engine) Reclaim(queryID uint64, total, attachedValue *big.Int) ([]messages.Outbound, error) {
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	if total == nil {
		return nil, errNilAmount
	}
	if total.Sign() <= 0 {
		return nil, fmt.Errorf("router engine: reclaim amount must be positive")
	}
	receivedSum := new(big.Int)
	for _, r := range st.Received {
		receivedSum.Add(receivedSum, r)
	}
	if receivedSum.Sign() == 0 {
		return nil, fmt.Errorf("router engine: nothing routed, cannot reclaim")
	}
	capped := total
	if capped.Cmp(receivedSum) > 0 {
		capped = receivedSum
	}

	amounts := make([]*big.Int, len(st.Targets))
	assigned := new(big.Int)
	last := -1
	for i := range st.Targets {
		if st.Received[i].Sign() > 0 {
			last = i
		}
	}
	for i := range st.Targets {
		if i == last {
			continue
		}
		share := new(big.Int).Mul(capped, st.Received[i])
		share.Div(share, receivedSum)
		if share.Cmp(st.Received[i]) > 0 {
			share = new(big.Int).Set(st.Received[i])
		}
		amounts[i] = share
		assigned.Add(assigned, share)
	}
	remainder := new(big.Int).Sub(capped, assigned)
	if remainder.Cmp(st.Received[last]) > 0 {
		remainder = new(big.Int).Set(st.Received[last])
	}
	amounts[last] = remainder

	legs := 0
	for _, amt := range amounts {
		if amt.Sign() > 0 {
			legs++
		}
	}
	required := new(big.Int).Mul(e.forwardFee, big.NewInt(int64(legs)))
	if attachedValue == nil || attachedValue.Cmp(required) < 0 {
		return nil, common.ErrNotEnoughGas
	}

	outbound := make([]messages.Outbound, 0, legs)
	for i, target := range st.Targets {
		if amounts[i].Sign() == 0 {
			continue
		}
		st.Received[i] = new(big.Int).Sub(st.Received[i], amounts[i])
		if st.Received[i].Sign() < 0 {
			st.Received[i] = big.NewInt(0)
		}
		env, err := messages.NewEnvelope(messages.OpReclaim, queryID, crypto.Address{}, e.forwardFee, messages.Reclaim{Amount: amounts[i]})
		if err != nil {
			return nil, err
		}
		outbound = append(outbound, messages.Outbound{To: target.Protocol, Env: env})
	}
	if err := e.state.RouterStatePut(st); err != nil {
		return nil, err
	}
	return outbound, nil
}

// InFlight returns the unsettled fan-out records, oldest first.
func (e *Engine) InFlight() ([]*RoutedDeposit, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.InFlightList()
}

// Data returns a snapshot of the router state for read surfaces.
func (e *Engine) Data() (*State, error) {
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

func (e *Engine) targetIndex(st *State, protocol crypto.Address) int {
	for i, target := range st.Targets {
		if target.Protocol == protocol {
			return i
		}
	}
	return -1
}

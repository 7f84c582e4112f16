package subledger

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
	errNilState     = errors.New("subledger engine: state not configured")
	errNoShares     = errors.New("subledger engine: no shares recorded against ledger")
	errZeroBurn     = errors.New("subledger engine: burned share amount must be positive")
	errLedgerAbsent = errors.New("subledger engine: ledger not found")
)

type engineState interface {
	LedgerGet(owner crypto.Address) (*Ledger, bool, error)
	LedgerPut(*Ledger) error
}

// Engine runs the per-depositor state machine: Empty -> Active ->
// Locked-for-Withdrawal -> Active-or-Empty. One engine serves every
// derived sub-ledger address; isolation holds because each handler only
// touches the single record keyed by the owner it was dispatched for.
type Engine struct {
	state       engineState
	emitter     events.Emitter
	controller  crypto.Address
	shareWallet crypto.Address
	nowFn       func() uint64
}

// NewEngine creates a sub-ledger engine bound to its controlling pool
// address and the share-token wallet whose burn notifications it trusts.
func NewEngine(controller, shareWallet crypto.Address) *Engine {
	return &Engine{
		emitter:     events.NoopEmitter{},
		controller:  controller,
		shareWallet: shareWallet,
		nowFn:       func() uint64 { return uint64(time.Now().Unix()) },
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

func (e *Engine) load(owner crypto.Address) (*Ledger, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, errNilState
	}
	return e.state.LedgerGet(owner)
}

// HandleDeposit applies an internal settlement from the controller,
// creating the ledger lazily on first deposit. A new deposit cancels any
// pending withdrawal intent: the share amount the lock was armed for has
// changed.
func (e *Engine) HandleDeposit(owner crypto.Address, env *messages.Envelope) error {
	if env == nil {
		return fmt.Errorf("subledger engine: nil envelope")
	}
	if env.Sender != e.controller {
		return common.ErrNotParent
	}
	var body messages.Deposit
	if err := env.DecodeBody(&body); err != nil {
		return err
	}
	if body.TotalDepositAmount == nil || body.TotalDepositAmount.Sign() <= 0 {
		return fmt.Errorf("subledger engine: deposit amount must be positive")
	}
	ledger, ok, err := e.load(owner)
	if err != nil {
		return err
	}
	if !ok {
		ledger = NewLedger(owner, e.controller)
	}
	ledger.Principal = new(big.Int).Add(ledger.Principal, body.TotalDepositAmount)
	ledger.RootAmount = new(big.Int).Add(ledger.RootAmount, cloneAmount(body.RootAmount))
	ledger.SlpAmount = new(big.Int).Add(ledger.SlpAmount, cloneAmount(body.SlpAmount))
	ledger.TlpAmount = new(big.Int).Add(ledger.TlpAmount, cloneAmount(body.TlpAmount))
	ledger.DepositTimestamp = e.nowFn()
	ledger.UnlockTimestamp = 0
	if err := e.state.LedgerPut(ledger); err != nil {
		return err
	}
	e.emit(events.DepositRecorded{Owner: owner, Amount: new(big.Int).Set(body.TotalDepositAmount), Principal: new(big.Int).Set(ledger.Principal)})
	return nil
}

// HandleRequestWithdraw arms the time-lock. Owner only.
func (e *Engine) HandleRequestWithdraw(owner crypto.Address, env *messages.Envelope) error {
	if env == nil {
		return fmt.Errorf("subledger engine: nil envelope")
	}
	if env.Sender != owner {
		return common.ErrNotParent
	}
	ledger, ok, err := e.load(owner)
	if err != nil {
		return err
	}
	if !ok {
		return errLedgerAbsent
	}
	ledger.UnlockTimestamp = e.nowFn() + LockDurationSeconds
	if err := e.state.LedgerPut(ledger); err != nil {
		return err
	}
	e.emit(events.WithdrawRequested{Owner: owner, UnlockTimestamp: ledger.UnlockTimestamp})
	return nil
}

// HandleBurnNotification executes a claim: shares were burned against the
// ledger's share wallet, so the proportional principal is released and a
// settlement is forwarded to the controller. Partial claims leave the
// remainder consistent; over-burns are clamped to the available principal
// because no lock spans the racing messages.
func (e *Engine) HandleBurnNotification(owner crypto.Address, env *messages.Envelope) ([]messages.Outbound, error) {
	if env == nil {
		return nil, fmt.Errorf("subledger engine: nil envelope")
	}
	if env.Sender != e.shareWallet {
		return nil, common.ErrUnknownToken
	}
	var body messages.BurnNotification
	if err := env.DecodeBody(&body); err != nil {
		return nil, err
	}
	if body.Sender != owner {
		return nil, common.ErrNotParent
	}
	if body.Amount == nil || body.Amount.Sign() <= 0 {
		return nil, errZeroBurn
	}
	ledger, ok, err := e.load(owner)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errLedgerAbsent
	}
	now := e.nowFn()
	if ledger.UnlockTimestamp == 0 || now < ledger.UnlockTimestamp {
		return nil, common.ErrNotUnlocked
	}
	if ledger.RootAmount.Sign() == 0 || ledger.Principal.Sign() == 0 {
		return nil, errNoShares
	}

	burned := new(big.Int).Set(body.Amount)
	if burned.Cmp(ledger.RootAmount) > 0 {
		burned = new(big.Int).Set(ledger.RootAmount)
	}
	principal := new(big.Int).Mul(ledger.Principal, burned)
	principal.Div(principal, ledger.RootAmount)
	if principal.Cmp(ledger.Principal) > 0 {
		principal = new(big.Int).Set(ledger.Principal)
	}

	slp := proportion(ledger.SlpAmount, burned, ledger.RootAmount)
	tlp := proportion(ledger.TlpAmount, burned, ledger.RootAmount)

	ledger.Principal = new(big.Int).Sub(ledger.Principal, principal)
	ledger.RootAmount = new(big.Int).Sub(ledger.RootAmount, burned)
	ledger.SlpAmount = new(big.Int).Sub(ledger.SlpAmount, slp)
	ledger.TlpAmount = new(big.Int).Sub(ledger.TlpAmount, tlp)
	ledger.UnlockTimestamp = 0
	if err := e.state.LedgerPut(ledger); err != nil {
		return nil, err
	}

	settle, err := messages.NewEnvelope(messages.OpWithdrawInternal, env.QueryID, crypto.Address{}, env.AttachedValue(), messages.WithdrawInternal{
		Owner:             owner,
		RedeemedPrincipal: principal,
		BurnedShares:      burned,
	})
	if err != nil {
		return nil, err
	}
	e.emit(events.WithdrawClaimed{
		Owner:        owner,
		BurnedShares: new(big.Int).Set(burned),
		Principal:    new(big.Int).Set(principal),
		Remaining:    new(big.Int).Set(ledger.Principal),
	})
	return []messages.Outbound{{To: e.controller, Env: settle}}, nil
}

// HandleSuccessfulWithdraw acknowledges the controller's payout
// confirmation. Only the controller may send it; the ledger itself does
// not change, the settlement already happened at claim time.
func (e *Engine) HandleSuccessfulWithdraw(owner crypto.Address, env *messages.Envelope) error {
	if env == nil {
		return fmt.Errorf("subledger engine: nil envelope")
	}
	if env.Sender != e.controller {
		return common.ErrNotParent
	}
	var body messages.SuccessfulWithdraw
	return env.DecodeBody(&body)
}

// UserData returns a snapshot of the ledger for read surfaces. A missing
// ledger yields an empty dormant record rather than an error: the address
// is always derivable even before first deposit.
func (e *Engine) UserData(owner crypto.Address) (*Ledger, error) {
	ledger, ok, err := e.load(owner)
	if err != nil {
		return nil, err
	}
	if !ok {
		return NewLedger(owner, e.controller), nil
	}
	return ledger.Clone(), nil
}

// proportion computes floor(amount*part/whole) clamped to amount.
func proportion(amount, part, whole *big.Int) *big.Int {
	if amount == nil || amount.Sign() == 0 || whole == nil || whole.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, part)
	out.Div(out, whole)
	if out.Cmp(amount) > 0 {
		return new(big.Int).Set(amount)
	}
	return out
}

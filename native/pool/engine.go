package pool

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"beetroot/core/events"
	"beetroot/core/messages"
	"beetroot/crypto"
	"beetroot/native/common"
)

var (
	errNilState  = errors.New("pool engine: state not configured")
	errNoState   = errors.New("pool engine: controller state not initialised")
	errNilAmount = errors.New("pool engine: amount must not be nil")
)

// Outbound messages per deposit: mint, sub-ledger deposit, router
// transfer, fee forward.
const depositFanWidth = 4

type engineState interface {
	PoolStateGet() (*State, bool, error)
	PoolStatePut(*State) error
	PendingGet(queryID uint64) (*PendingWithdrawal, bool, error)
	PendingPut(*PendingWithdrawal) error
	PendingDelete(queryID uint64) error
	PendingList() ([]*PendingWithdrawal, error)
}

// Engine is the pool controller: the single source of truth for price
// conversion, the owner of the routing policy, and the gatekeeper for
// administrative mutation. Every handler validates, persists, then
// returns its outbound messages; it never waits for downstream acks.
type Engine struct {
	state      engineState
	emitter    events.Emitter
	self       crypto.Address
	feeAmount  *big.Int
	forwardFee *big.Int
	nowFn      func() uint64
}

// NewEngine creates a controller engine for the actor at self. feeAmount
// is the fixed absolute deposit fee; forwardFee is the per-message gas
// cost used for NotEnoughGas checks.
func NewEngine(self crypto.Address, feeAmount, forwardFee *big.Int) *Engine {
	fee := big.NewInt(0)
	if feeAmount != nil {
		fee = new(big.Int).Set(feeAmount)
	}
	fwd := big.NewInt(0)
	if forwardFee != nil {
		fwd = new(big.Int).Set(forwardFee)
	}
	return &Engine{
		emitter:    events.NoopEmitter{},
		self:       self,
		feeAmount:  fee,
		forwardFee: fwd,
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
	st, ok, err := e.state.PoolStateGet()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errNoState
	}
	return st, nil
}

// Init persists the initial controller state. Called once at deploy.
func (e *Engine) Init(st *State) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	sanitized, err := Sanitize(st)
	if err != nil {
		return err
	}
	return e.state.PoolStatePut(sanitized)
}

// StableWallet computes the controller's own stable-token wallet address.
// Deposit notifications must originate exactly there; the address is
// derived, never read from the message.
func (e *Engine) StableWallet(st *State) crypto.Address {
	return crypto.DeriveSubLedgerAddress(e.self, st.StableTokenMaster, st.WalletCode)
}

// DeriveSubLedger computes the sub-ledger address for a depositor under
// this controller and the current code template.
func (e *Engine) DeriveSubLedger(owner crypto.Address) (crypto.Address, error) {
	st, err := e.loadState()
	if err != nil {
		return crypto.Address{}, err
	}
	return crypto.DeriveSubLedgerAddress(owner, e.self, st.SubLedgerCode), nil
}

// HandleTransferNotification is the deposit trigger and, when the forward
// payload carries a withdrawal tag, the fan-in leg of a withdrawal.
func (e *Engine) HandleTransferNotification(env *messages.Envelope) ([]messages.Outbound, error) {
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, fmt.Errorf("pool engine: nil envelope")
	}
	if env.Sender != e.StableWallet(st) {
		return nil, common.ErrUnknownToken
	}
	var body messages.TransferNotification
	if err := env.DecodeBody(&body); err != nil {
		return nil, err
	}
	if body.Amount == nil {
		return nil, errNilAmount
	}
	if len(body.ForwardPayload) > 0 {
		var tag messages.WithdrawNotification
		if err := rlp.DecodeBytes(body.ForwardPayload, &tag); err == nil && tag.Op == uint32(messages.OpWithdrawNotification) {
			return e.handleReclaimReturn(env, &body, tag.Owner)
		}
	}
	return e.handleDeposit(st, env, &body)
}

func (e *Engine) handleDeposit(st *State, env *messages.Envelope, body *messages.TransferNotification) ([]messages.Outbound, error) {
	required := new(big.Int).Mul(e.forwardFee, big.NewInt(depositFanWidth))
	if env.AttachedValue().Cmp(required) < 0 {
		return nil, common.ErrNotEnoughGas
	}
	if body.Amount.Cmp(e.feeAmount) <= 0 {
		return nil, common.ErrInsufficientAmount
	}
	depositor := body.Sender
	if depositor.IsZero() {
		return nil, fmt.Errorf("pool engine: deposit without depositor identity")
	}
	net := new(big.Int).Sub(body.Amount, e.feeAmount)
	shares := SharesToMint(net, st.SharePriceBP)
	subLedger := crypto.DeriveSubLedgerAddress(depositor, e.self, st.SubLedgerCode)

	mintEnv, err := messages.NewEnvelope(messages.OpMint, env.QueryID, crypto.Address{}, e.forwardFee, messages.Mint{
		Recipient: depositor,
		Amount:    shares,
	})
	if err != nil {
		return nil, err
	}
	depositEnv, err := messages.NewEnvelope(messages.OpDeposit, env.QueryID, crypto.Address{}, e.forwardFee, messages.Deposit{
		Owner:              depositor,
		TotalDepositAmount: net,
		SlpAmount:          big.NewInt(0),
		TlpAmount:          big.NewInt(0),
		RootAmount:         shares,
	})
	if err != nil {
		return nil, err
	}
	routeValue := new(big.Int).Sub(env.AttachedValue(), new(big.Int).Mul(e.forwardFee, big.NewInt(depositFanWidth-1)))
	routeEnv, err := messages.NewEnvelope(messages.OpInternalTransfer, env.QueryID, crypto.Address{}, routeValue, messages.InternalTransfer{
		Amount:              net,
		From:                e.self,
		ResponseDestination: e.self,
	})
	if err != nil {
		return nil, err
	}
	feeEnv, err := messages.NewEnvelope(messages.OpTransfer, env.QueryID, crypto.Address{}, e.forwardFee, messages.Transfer{
		Amount:              e.feeAmount,
		Destination:         st.Admin,
		ResponseDestination: st.Admin,
	})
	if err != nil {
		return nil, err
	}

	e.emit(events.DepositProcessed{
		QueryID:   env.QueryID,
		Depositor: depositor,
		Amount:    new(big.Int).Set(body.Amount),
		Fee:       new(big.Int).Set(e.feeAmount),
		Net:       new(big.Int).Set(net),
		Shares:    new(big.Int).Set(shares),
	})
	e.emit(events.SharesMinted{Recipient: depositor, Amount: new(big.Int).Set(shares)})

	return []messages.Outbound{
		{To: st.ShareTokenMaster, Env: mintEnv},
		{To: subLedger, Env: depositEnv},
		{To: st.Router, Env: routeEnv},
		{To: e.StableWallet(st), Env: feeEnv},
	}, nil
}

func (e *Engine) handleReclaimReturn(env *messages.Envelope, body *messages.TransferNotification, owner crypto.Address) ([]messages.Outbound, error) {
	pending, ok, err := e.state.PendingGet(env.QueryID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Redelivered return for a withdrawal already paid out.
		return nil, nil
	}
	if pending.Owner != owner {
		return nil, fmt.Errorf("pool engine: reclaim return owner mismatch for query %d", env.QueryID)
	}
	pending.Accumulated = new(big.Int).Add(pending.Accumulated, body.Amount)
	if pending.Accumulated.Cmp(pending.Expected) < 0 {
		if err := e.state.PendingPut(pending); err != nil {
			return nil, err
		}
		return nil, nil
	}

	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	payout := new(big.Int).Set(pending.Accumulated)
	if err := e.state.PendingDelete(env.QueryID); err != nil {
		return nil, err
	}
	payoutEnv, err := messages.NewEnvelope(messages.OpTransfer, env.QueryID, crypto.Address{}, e.forwardFee, messages.Transfer{
		Amount:              payout,
		Destination:         pending.Owner,
		ResponseDestination: pending.Owner,
	})
	if err != nil {
		return nil, err
	}
	subLedger := crypto.DeriveSubLedgerAddress(pending.Owner, e.self, st.SubLedgerCode)
	confirmEnv, err := messages.NewEnvelope(messages.OpSuccessfulWithdraw, env.QueryID, crypto.Address{}, e.forwardFee, messages.SuccessfulWithdraw{
		Amount: payout,
	})
	if err != nil {
		return nil, err
	}
	return []messages.Outbound{
		{To: e.StableWallet(st), Env: payoutEnv},
		{To: subLedger, Env: confirmEnv},
	}, nil
}

// HandleWithdrawInternal accepts a settlement from a sub-ledger, records
// the pending payout, and requests the proportional reclaim from the
// router. The origin must re-derive to the sub-ledger address for the
// claimed owner; nothing else is trusted.
func (e *Engine) HandleWithdrawInternal(env *messages.Envelope) ([]messages.Outbound, error) {
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, fmt.Errorf("pool engine: nil envelope")
	}
	var body messages.WithdrawInternal
	if err := env.DecodeBody(&body); err != nil {
		return nil, err
	}
	derived := crypto.DeriveSubLedgerAddress(body.Owner, e.self, st.SubLedgerCode)
	if env.Sender != derived {
		return nil, common.ErrNotChild
	}
	if body.RedeemedPrincipal == nil || body.RedeemedPrincipal.Sign() <= 0 {
		return nil, fmt.Errorf("pool engine: settlement principal must be positive")
	}
	if env.AttachedValue().Cmp(e.forwardFee) < 0 {
		return nil, common.ErrNotEnoughGas
	}

	pending := &PendingWithdrawal{
		QueryID:     env.QueryID,
		Owner:       body.Owner,
		Expected:    new(big.Int).Set(body.RedeemedPrincipal),
		Accumulated: big.NewInt(0),
		CreatedAt:   e.nowFn(),
	}
	if err := e.state.PendingPut(pending); err != nil {
		return nil, err
	}

	reclaimEnv, err := messages.NewEnvelope(messages.OpReclaim, env.QueryID, crypto.Address{}, env.AttachedValue(), messages.Reclaim{
		Amount: body.RedeemedPrincipal,
	})
	if err != nil {
		return nil, err
	}
	e.emit(events.WithdrawSettled{
		QueryID:   env.QueryID,
		Depositor: body.Owner,
		Principal: new(big.Int).Set(body.RedeemedPrincipal),
	})
	return []messages.Outbound{{To: st.Router, Env: reclaimEnv}}, nil
}

// HandleUpdateRootPrice overwrites the share price. Admin only; applies to
// deposits processed strictly after this message.
func (e *Engine) HandleUpdateRootPrice(env *messages.Envelope) error {
	st, err := e.loadState()
	if err != nil {
		return err
	}
	if env == nil {
		return fmt.Errorf("pool engine: nil envelope")
	}
	if env.Sender != st.Admin {
		return common.ErrNotAdmin
	}
	var body messages.UpdateRootPrice
	if err := env.DecodeBody(&body); err != nil {
		return err
	}
	if body.NewPriceBP < PriceBasis {
		return fmt.Errorf("pool engine: price %d below basis %d", body.NewPriceBP, PriceBasis)
	}
	old := st.SharePriceBP
	st.SharePriceBP = body.NewPriceBP
	if err := e.state.PoolStatePut(st); err != nil {
		return err
	}
	e.emit(events.PriceUpdated{OldPriceBP: old, NewPriceBP: body.NewPriceBP})
	return nil
}

// HandleChangeAdmin rotates the admin identity. Admin only; takes effect
// for every later administrative message.
func (e *Engine) HandleChangeAdmin(env *messages.Envelope) error {
	st, err := e.loadState()
	if err != nil {
		return err
	}
	if env == nil {
		return fmt.Errorf("pool engine: nil envelope")
	}
	if env.Sender != st.Admin {
		return common.ErrNotAdmin
	}
	var body messages.ChangeAdmin
	if err := env.DecodeBody(&body); err != nil {
		return err
	}
	if body.NewAdmin.IsZero() {
		return fmt.Errorf("pool engine: new admin must be set")
	}
	old := st.Admin
	st.Admin = body.NewAdmin
	if err := e.state.PoolStatePut(st); err != nil {
		return err
	}
	e.emit(events.AdminChanged{OldAdmin: old, NewAdmin: body.NewAdmin})
	return nil
}

// HandleUpgrade replaces code and state wholesale in one atomic step. The
// blob must carry the full persisted schema and pass the same invariant
// checks as any other state write. An unsupported version or unparsable
// blob changes nothing.
func (e *Engine) HandleUpgrade(env *messages.Envelope) error {
	st, err := e.loadState()
	if err != nil {
		return err
	}
	if env == nil {
		return fmt.Errorf("pool engine: nil envelope")
	}
	if env.Sender != st.Admin {
		return common.ErrNotAdmin
	}
	var body messages.UpgradeContract
	if err := env.DecodeBody(&body); err != nil {
		return err
	}
	if len(body.NewCode) == 0 {
		return fmt.Errorf("pool engine: upgrade without code")
	}
	var next State
	if err := rlp.DecodeBytes(body.NewData, &next); err != nil {
		return fmt.Errorf("pool engine: upgrade data does not parse: %w", err)
	}
	sanitized, err := Sanitize(&next)
	if err != nil {
		return fmt.Errorf("pool engine: upgrade data rejected: %w", err)
	}
	if err := e.state.PoolStatePut(sanitized); err != nil {
		return err
	}
	e.emit(events.Upgraded{
		QueryID:      env.QueryID,
		CodeHash:     crypto.HashCode(body.NewCode),
		StateVersion: sanitized.Version,
	})
	return nil
}

// Data returns a snapshot of the controller state for read surfaces.
func (e *Engine) Data() (*State, error) {
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

// PendingWithdrawals lists the withdrawals whose reclaims are still in
// flight, oldest first.
func (e *Engine) PendingWithdrawals() ([]*PendingWithdrawal, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.PendingList()
}

package pool

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/require"

	"beetroot/core/messages"
	"beetroot/crypto"
	"beetroot/native/common"
	"beetroot/state"
	"beetroot/storage"
)

var (
	selfAddr      = crypto.MustAddress(bytes.Repeat([]byte{0x0C}, crypto.AddressLength))
	adminAddr     = crypto.MustAddress(bytes.Repeat([]byte{0xAD}, crypto.AddressLength))
	stableMaster  = crypto.MustAddress(bytes.Repeat([]byte{0x01}, crypto.AddressLength))
	shareMaster   = crypto.MustAddress(bytes.Repeat([]byte{0x02}, crypto.AddressLength))
	routerAddr    = crypto.MustAddress(bytes.Repeat([]byte{0x03}, crypto.AddressLength))
	depositorAddr = crypto.MustAddress(bytes.Repeat([]byte{0x0A}, crypto.AddressLength))
	strangerAddr  = crypto.MustAddress(bytes.Repeat([]byte{0xEE}, crypto.AddressLength))

	walletCode    = crypto.HashCode([]byte("stable-wallet-template"))
	subLedgerCode = crypto.HashCode([]byte("sub-ledger-template"))

	depositFee = big.NewInt(1_000000)
	gasFee     = big.NewInt(10_000000)
)

func testState() *State {
	return &State{
		Version:           StateVersion,
		StableTokenMaster: stableMaster,
		ShareTokenMaster:  shareMaster,
		SubLedgerCode:     subLedgerCode,
		Admin:             adminAddr,
		WalletCode:        walletCode,
		SharePriceBP:      10_000,
		Router:            routerAddr,
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine := NewEngine(selfAddr, depositFee, gasFee)
	engine.SetState(NewStore(state.NewManager(storage.NewMemDB())))
	engine.SetNowFunc(func() uint64 { return 1_700_000_000 })
	require.NoError(t, engine.Init(testState()))
	return engine
}

func stableWallet() crypto.Address {
	return crypto.DeriveSubLedgerAddress(selfAddr, stableMaster, walletCode)
}

func notification(t *testing.T, queryID uint64, sender crypto.Address, amount, value *big.Int, payload []byte) *messages.Envelope {
	t.Helper()
	env, err := messages.NewEnvelope(messages.OpTransferNotification, queryID, sender, value, messages.TransferNotification{
		Amount:         amount,
		Sender:         depositorAddr,
		ForwardPayload: payload,
	})
	require.NoError(t, err)
	return env
}

func TestDepositComputesSharesAndFansOut(t *testing.T) {
	engine := newTestEngine(t)

	// 201 stable in, 1 fee out, price 100.00: 200 / 100 = 2 whole shares,
	// minted as 2_000_000_000 share units.
	env := notification(t, 7, stableWallet(), big.NewInt(201_000000), big.NewInt(100_000000), nil)
	outbound, err := engine.HandleTransferNotification(env)
	require.NoError(t, err)
	require.Len(t, outbound, 4)

	require.Equal(t, shareMaster, outbound[0].To)
	require.Equal(t, messages.OpMint, outbound[0].Env.Op)
	var mint messages.Mint
	require.NoError(t, outbound[0].Env.DecodeBody(&mint))
	require.Equal(t, depositorAddr, mint.Recipient)
	require.Equal(t, int64(2_000_000_000), mint.Amount.Int64())

	subLedger := crypto.DeriveSubLedgerAddress(depositorAddr, selfAddr, subLedgerCode)
	require.Equal(t, subLedger, outbound[1].To)
	require.Equal(t, messages.OpDeposit, outbound[1].Env.Op)
	var dep messages.Deposit
	require.NoError(t, outbound[1].Env.DecodeBody(&dep))
	require.Equal(t, depositorAddr, dep.Owner)
	require.Equal(t, int64(200_000000), dep.TotalDepositAmount.Int64())
	require.Equal(t, int64(2_000_000_000), dep.RootAmount.Int64())

	require.Equal(t, routerAddr, outbound[2].To)
	require.Equal(t, messages.OpInternalTransfer, outbound[2].Env.Op)
	var fwd messages.InternalTransfer
	require.NoError(t, outbound[2].Env.DecodeBody(&fwd))
	require.Equal(t, int64(200_000000), fwd.Amount.Int64())

	require.Equal(t, stableWallet(), outbound[3].To)
	require.Equal(t, messages.OpTransfer, outbound[3].Env.Op)
	var fee messages.Transfer
	require.NoError(t, outbound[3].Env.DecodeBody(&fee))
	require.Equal(t, depositFee.Int64(), fee.Amount.Int64())
	require.Equal(t, adminAddr, fee.Destination)
}

func TestDepositWithStructuredMemoStaysDeposit(t *testing.T) {
	engine := newTestEngine(t)

	// A forward payload that decodes to the withdrawal shape but carries
	// the wrong tag is an ordinary deposit memo, not a reclaim return.
	memo, err := rlp.EncodeToBytes(messages.WithdrawNotification{Op: 1, Owner: depositorAddr})
	require.NoError(t, err)

	outbound, err := engine.HandleTransferNotification(notification(t, 8, stableWallet(), big.NewInt(201_000000), big.NewInt(100_000000), memo))
	require.NoError(t, err)
	require.Len(t, outbound, 4)

	var mint messages.Mint
	require.NoError(t, outbound[0].Env.DecodeBody(&mint))
	require.Equal(t, int64(2_000_000_000), mint.Amount.Int64())

	pending, err := engine.PendingWithdrawals()
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestDepositRejectsUnknownTokenWallet(t *testing.T) {
	engine := newTestEngine(t)

	env := notification(t, 7, strangerAddr, big.NewInt(201_000000), big.NewInt(100_000000), nil)
	_, err := engine.HandleTransferNotification(env)
	require.ErrorIs(t, err, common.ErrUnknownToken)
}

func TestDepositRejectsInsufficientGas(t *testing.T) {
	engine := newTestEngine(t)

	// Fan-out needs gas for four messages; one short is rejected.
	short := new(big.Int).Sub(new(big.Int).Mul(gasFee, big.NewInt(4)), big.NewInt(1))
	env := notification(t, 7, stableWallet(), big.NewInt(201_000000), short, nil)
	_, err := engine.HandleTransferNotification(env)
	require.ErrorIs(t, err, common.ErrNotEnoughGas)
}

func TestDepositMustExceedFee(t *testing.T) {
	engine := newTestEngine(t)

	env := notification(t, 7, stableWallet(), big.NewInt(1_000000), big.NewInt(100_000000), nil)
	_, err := engine.HandleTransferNotification(env)
	require.ErrorIs(t, err, common.ErrInsufficientAmount)
}

func settlementEnvelope(t *testing.T, queryID uint64, sender crypto.Address, principal int64) *messages.Envelope {
	t.Helper()
	env, err := messages.NewEnvelope(messages.OpWithdrawInternal, queryID, sender, big.NewInt(50_000000), messages.WithdrawInternal{
		Owner:             depositorAddr,
		RedeemedPrincipal: big.NewInt(principal),
		BurnedShares:      big.NewInt(2_000_000_000),
	})
	require.NoError(t, err)
	return env
}

func TestSettlementRejectsNonChild(t *testing.T) {
	engine := newTestEngine(t)

	_, err := engine.HandleWithdrawInternal(settlementEnvelope(t, 9, strangerAddr, 200_000000))
	require.ErrorIs(t, err, common.ErrNotChild)

	pending, err := engine.PendingWithdrawals()
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestSettlementRecordsPendingAndRequestsReclaim(t *testing.T) {
	engine := newTestEngine(t)
	subLedger := crypto.DeriveSubLedgerAddress(depositorAddr, selfAddr, subLedgerCode)

	outbound, err := engine.HandleWithdrawInternal(settlementEnvelope(t, 9, subLedger, 200_000000))
	require.NoError(t, err)
	require.Len(t, outbound, 1)
	require.Equal(t, routerAddr, outbound[0].To)
	require.Equal(t, messages.OpReclaim, outbound[0].Env.Op)

	var reclaim messages.Reclaim
	require.NoError(t, outbound[0].Env.DecodeBody(&reclaim))
	require.Equal(t, int64(200_000000), reclaim.Amount.Int64())

	pending, err := engine.PendingWithdrawals()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, uint64(9), pending[0].QueryID)
	require.Equal(t, depositorAddr, pending[0].Owner)
	require.Equal(t, int64(200_000000), pending[0].Expected.Int64())
}

func withdrawTag(t *testing.T) []byte {
	t.Helper()
	payload, err := rlp.EncodeToBytes(messages.NewWithdrawNotification(depositorAddr))
	require.NoError(t, err)
	return payload
}

func TestReclaimReturnsAccumulateThenPayOut(t *testing.T) {
	engine := newTestEngine(t)
	subLedger := crypto.DeriveSubLedgerAddress(depositorAddr, selfAddr, subLedgerCode)
	_, err := engine.HandleWithdrawInternal(settlementEnvelope(t, 9, subLedger, 200_000000))
	require.NoError(t, err)

	// First leg returns 120: short of the expected 200, no payout yet.
	outbound, err := engine.HandleTransferNotification(notification(t, 9, stableWallet(), big.NewInt(120_000000), big.NewInt(50_000000), withdrawTag(t)))
	require.NoError(t, err)
	require.Empty(t, outbound)

	pending, err := engine.PendingWithdrawals()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, int64(120_000000), pending[0].Accumulated.Int64())

	// Second leg carries yield: 85 in, total 205 >= 200, pay everything out.
	outbound, err = engine.HandleTransferNotification(notification(t, 9, stableWallet(), big.NewInt(85_000000), big.NewInt(50_000000), withdrawTag(t)))
	require.NoError(t, err)
	require.Len(t, outbound, 2)

	require.Equal(t, stableWallet(), outbound[0].To)
	require.Equal(t, messages.OpTransfer, outbound[0].Env.Op)
	var payout messages.Transfer
	require.NoError(t, outbound[0].Env.DecodeBody(&payout))
	require.Equal(t, int64(205_000000), payout.Amount.Int64())
	require.Equal(t, depositorAddr, payout.Destination)

	require.Equal(t, subLedger, outbound[1].To)
	require.Equal(t, messages.OpSuccessfulWithdraw, outbound[1].Env.Op)

	pending, err = engine.PendingWithdrawals()
	require.NoError(t, err)
	require.Empty(t, pending)

	// A redelivered return after payout is ignored.
	outbound, err = engine.HandleTransferNotification(notification(t, 9, stableWallet(), big.NewInt(85_000000), big.NewInt(50_000000), withdrawTag(t)))
	require.NoError(t, err)
	require.Empty(t, outbound)
}

func TestUpdateRootPriceAppliesToLaterDeposits(t *testing.T) {
	engine := newTestEngine(t)

	// Non-admin callers cannot move the price.
	env, err := messages.NewEnvelope(messages.OpUpdateRootPrice, 11, strangerAddr, big.NewInt(0), messages.UpdateRootPrice{NewPriceBP: 20_000})
	require.NoError(t, err)
	require.ErrorIs(t, engine.HandleUpdateRootPrice(env), common.ErrNotAdmin)

	env, err = messages.NewEnvelope(messages.OpUpdateRootPrice, 12, adminAddr, big.NewInt(0), messages.UpdateRootPrice{NewPriceBP: 20_000})
	require.NoError(t, err)
	require.NoError(t, engine.HandleUpdateRootPrice(env))

	st, err := engine.Data()
	require.NoError(t, err)
	require.Equal(t, uint64(20_000), st.SharePriceBP)

	// Same 201 deposit now yields half the shares at price 200.00.
	outbound, err := engine.HandleTransferNotification(notification(t, 13, stableWallet(), big.NewInt(201_000000), big.NewInt(100_000000), nil))
	require.NoError(t, err)
	var mint messages.Mint
	require.NoError(t, outbound[0].Env.DecodeBody(&mint))
	require.Equal(t, int64(1_000_000_000), mint.Amount.Int64())
}

func TestUpdateRootPriceRejectsBelowBasis(t *testing.T) {
	engine := newTestEngine(t)

	env, err := messages.NewEnvelope(messages.OpUpdateRootPrice, 11, adminAddr, big.NewInt(0), messages.UpdateRootPrice{NewPriceBP: PriceBasis - 1})
	require.NoError(t, err)
	require.Error(t, engine.HandleUpdateRootPrice(env))
}

func TestChangeAdminRotatesIdentity(t *testing.T) {
	engine := newTestEngine(t)

	env, err := messages.NewEnvelope(messages.OpChangeAdmin, 15, strangerAddr, big.NewInt(0), messages.ChangeAdmin{NewAdmin: strangerAddr})
	require.NoError(t, err)
	require.ErrorIs(t, engine.HandleChangeAdmin(env), common.ErrNotAdmin)

	env, err = messages.NewEnvelope(messages.OpChangeAdmin, 16, adminAddr, big.NewInt(0), messages.ChangeAdmin{NewAdmin: strangerAddr})
	require.NoError(t, err)
	require.NoError(t, engine.HandleChangeAdmin(env))

	st, err := engine.Data()
	require.NoError(t, err)
	require.Equal(t, strangerAddr, st.Admin)

	// The previous admin loses administrative rights immediately.
	env, err = messages.NewEnvelope(messages.OpUpdateRootPrice, 17, adminAddr, big.NewInt(0), messages.UpdateRootPrice{NewPriceBP: 20_000})
	require.NoError(t, err)
	require.ErrorIs(t, engine.HandleUpdateRootPrice(env), common.ErrNotAdmin)
}

func TestChangeAdminRejectsZeroAddress(t *testing.T) {
	engine := newTestEngine(t)

	env, err := messages.NewEnvelope(messages.OpChangeAdmin, 18, adminAddr, big.NewInt(0), messages.ChangeAdmin{})
	require.NoError(t, err)
	require.Error(t, engine.HandleChangeAdmin(env))
}

func upgradeEnvelope(t *testing.T, sender crypto.Address, next *State) *messages.Envelope {
	t.Helper()
	blob, err := rlp.EncodeToBytes(next)
	require.NoError(t, err)
	env, err := messages.NewEnvelope(messages.OpUpgradeContract, 21, sender, big.NewInt(0), messages.UpgradeContract{
		NewCode: []byte("controller-template-v2"),
		NewData: blob,
	})
	require.NoError(t, err)
	return env
}

func TestUpgradeReplacesStateAtomically(t *testing.T) {
	engine := newTestEngine(t)

	next := testState()
	next.SharePriceBP = 15_000
	next.Admin = strangerAddr
	require.NoError(t, engine.HandleUpgrade(upgradeEnvelope(t, adminAddr, next)))

	st, err := engine.Data()
	require.NoError(t, err)
	require.Equal(t, uint64(15_000), st.SharePriceBP)
	require.Equal(t, strangerAddr, st.Admin)
}

func TestUpgradeClosures(t *testing.T) {
	engine := newTestEngine(t)

	require.ErrorIs(t, engine.HandleUpgrade(upgradeEnvelope(t, strangerAddr, testState())), common.ErrNotAdmin)

	// Unknown state version leaves everything untouched.
	bad := testState()
	bad.Version = StateVersion + 1
	require.Error(t, engine.HandleUpgrade(upgradeEnvelope(t, adminAddr, bad)))

	st, err := engine.Data()
	require.NoError(t, err)
	require.Equal(t, StateVersion, st.Version)
	require.Equal(t, uint64(10_000), st.SharePriceBP)
}

func TestSharesToMintFloorsTwice(t *testing.T) {
	// Price 150.75 floors to 150; 301 / 150 = 2 whole shares.
	require.Equal(t, int64(2_000), SharesToMint(big.NewInt(301), 15_075).Int64())
	require.Equal(t, int64(0), SharesToMint(big.NewInt(149), 15_075).Int64())
	require.Equal(t, int64(0), SharesToMint(nil, 10_000).Int64())
	require.Equal(t, int64(0), SharesToMint(big.NewInt(100), 99).Int64())
}

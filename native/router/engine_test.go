package router

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"beetroot/core/messages"
	"beetroot/crypto"
	"beetroot/native/common"
	"beetroot/state"
	"beetroot/storage"
)

func testAddr(fill byte) crypto.Address {
	return crypto.MustAddress(bytes.Repeat([]byte{fill}, crypto.AddressLength))
}

func testState() *State {
	return &State{
		Controller: testAddr(0x01),
		Targets: []Target{
			{Name: "tradoor", Protocol: testAddr(0x10), TokenWallet: testAddr(0x11), Weight: 3},
			{Name: "storm", Protocol: testAddr(0x20), TokenWallet: testAddr(0x21), Weight: 2},
			{Name: "evaa", Protocol: testAddr(0x30), TokenWallet: testAddr(0x31), Weight: 1},
		},
		TotalDeposit: big.NewInt(0),
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store := NewStore(state.NewManager(storage.NewMemDB()))
	engine := NewEngine(big.NewInt(10))
	engine.SetState(store)
	engine.SetNowFunc(func() uint64 { return 1_700_000_000 })
	require.NoError(t, engine.Init(testState()))
	return engine
}

func ackEnvelope(t *testing.T, queryID uint64, target crypto.Address, amount int64, success bool) *messages.Envelope {
	t.Helper()
	env, err := messages.NewEnvelope(messages.OpLegAck, queryID, target, big.NewInt(10), messages.LegAck{
		Target:  target,
		Amount:  big.NewInt(amount),
		Success: success,
	})
	require.NoError(t, err)
	return env
}

func TestPartitionExact(t *testing.T) {
	cases := []struct {
		total   int64
		weights []uint64
	}{
		{100, []uint64{1, 1}},
		{101, []uint64{1, 1}},
		{7, []uint64{3, 2, 1}},
		{1, []uint64{5, 5, 5}},
		{0, []uint64{2, 7}},
		{1_000_000_000, []uint64{7, 13, 1}},
		{999, []uint64{1}},
	}
	for _, tc := range cases {
		amounts, err := Partition(big.NewInt(tc.total), tc.weights)
		require.NoError(t, err)
		require.Len(t, amounts, len(tc.weights))
		sum := new(big.Int)
		for _, amt := range amounts {
			require.True(t, amt.Sign() >= 0)
			sum.Add(sum, amt)
		}
		require.Zero(t, sum.Cmp(big.NewInt(tc.total)), "partition of %d over %v must be exact", tc.total, tc.weights)
	}
}

func TestPartitionRemainderGoesToLastTarget(t *testing.T) {
	amounts, err := Partition(big.NewInt(10), []uint64{1, 1, 1})
	require.NoError(t, err)
	require.Equal(t, int64(3), amounts[0].Int64())
	require.Equal(t, int64(3), amounts[1].Int64())
	require.Equal(t, int64(4), amounts[2].Int64())
}

func TestRouteEmitsOneLegPerTarget(t *testing.T) {
	engine := newTestEngine(t)

	outbound, err := engine.Route(1, big.NewInt(600), big.NewInt(30))
	require.NoError(t, err)
	require.Len(t, outbound, 3)
	require.Equal(t, testAddr(0x11), outbound[0].To)
	require.Equal(t, messages.OpTransfer, outbound[0].Env.Op)

	var transfer messages.Transfer
	require.NoError(t, outbound[0].Env.DecodeBody(&transfer))
	require.Equal(t, int64(300), transfer.Amount.Int64())
	require.Equal(t, testAddr(0x10), transfer.Destination)

	data, err := engine.Data()
	require.NoError(t, err)
	require.Equal(t, int64(600), data.TotalDeposit.Int64())

	inflight, err := engine.InFlight()
	require.NoError(t, err)
	require.Len(t, inflight, 1)
	require.Equal(t, uint64(1), inflight[0].QueryID)
	require.False(t, inflight[0].Settled())
}

func TestRouteRejectsInsufficientGas(t *testing.T) {
	engine := newTestEngine(t)

	_, err := engine.Route(1, big.NewInt(600), big.NewInt(29))
	require.ErrorIs(t, err, common.ErrNotEnoughGas)

	inflight, err := engine.InFlight()
	require.NoError(t, err)
	require.Empty(t, inflight)
}

func TestLegAckAccumulatesAndSettles(t *testing.T) {
	engine := newTestEngine(t)
	_, err := engine.Route(7, big.NewInt(600), big.NewInt(30))
	require.NoError(t, err)

	require.NoError(t, engine.HandleLegAck(ackEnvelope(t, 7, testAddr(0x10), 300, true)))
	require.NoError(t, engine.HandleLegAck(ackEnvelope(t, 7, testAddr(0x20), 200, true)))

	data, err := engine.Data()
	require.NoError(t, err)
	require.Equal(t, int64(300), data.Received[0].Int64())
	require.Equal(t, int64(200), data.Received[1].Int64())
	require.Equal(t, uint64(2), data.RecvCount)

	inflight, err := engine.InFlight()
	require.NoError(t, err)
	require.Len(t, inflight, 1)

	require.NoError(t, engine.HandleLegAck(ackEnvelope(t, 7, testAddr(0x30), 100, true)))
	inflight, err = engine.InFlight()
	require.NoError(t, err)
	require.Empty(t, inflight)
}

func TestLegAckDuplicateIsNoOp(t *testing.T) {
	engine := newTestEngine(t)
	_, err := engine.Route(9, big.NewInt(600), big.NewInt(30))
	require.NoError(t, err)

	require.NoError(t, engine.HandleLegAck(ackEnvelope(t, 9, testAddr(0x10), 300, true)))
	require.NoError(t, engine.HandleLegAck(ackEnvelope(t, 9, testAddr(0x10), 300, true)))

	data, err := engine.Data()
	require.NoError(t, err)
	require.Equal(t, int64(300), data.Received[0].Int64())
	require.Equal(t, uint64(1), data.RecvCount)
}

func TestLegAckFailureIsNotAccrued(t *testing.T) {
	engine := newTestEngine(t)
	_, err := engine.Route(3, big.NewInt(600), big.NewInt(30))
	require.NoError(t, err)

	require.NoError(t, engine.HandleLegAck(ackEnvelope(t, 3, testAddr(0x10), 300, false)))

	data, err := engine.Data()
	require.NoError(t, err)
	require.Equal(t, int64(0), data.Received[0].Int64())
	require.Equal(t, uint64(0), data.RecvCount)

	// Failed legs still settle the fan-out once everything reported back.
	require.NoError(t, engine.HandleLegAck(ackEnvelope(t, 3, testAddr(0x20), 200, true)))
	require.NoError(t, engine.HandleLegAck(ackEnvelope(t, 3, testAddr(0x30), 100, true)))
	inflight, err := engine.InFlight()
	require.NoError(t, err)
	require.Empty(t, inflight)
}

func TestReclaimSplitsProportionallyAndClamps(t *testing.T) {
	engine := newTestEngine(t)
	_, err := engine.Route(1, big.NewInt(600), big.NewInt(30))
	require.NoError(t, err)
	require.NoError(t, engine.HandleLegAck(ackEnvelope(t, 1, testAddr(0x10), 300, true)))
	require.NoError(t, engine.HandleLegAck(ackEnvelope(t, 1, testAddr(0x20), 200, true)))
	require.NoError(t, engine.HandleLegAck(ackEnvelope(t, 1, testAddr(0x30), 100, true)))

	outbound, err := engine.Reclaim(2, big.NewInt(300), big.NewInt(30))
	require.NoError(t, err)
	require.Len(t, outbound, 3)

	total := new(big.Int)
	for _, out := range outbound {
		var reclaim messages.Reclaim
		require.NoError(t, out.Env.DecodeBody(&reclaim))
		total.Add(total, reclaim.Amount)
	}
	require.Equal(t, int64(300), total.Int64())

	data, err := engine.Data()
	require.NoError(t, err)
	remaining := new(big.Int)
	for _, r := range data.Received {
		require.True(t, r.Sign() >= 0)
		remaining.Add(remaining, r)
	}
	require.Equal(t, int64(300), remaining.Int64())

	// Reclaiming more than was ever received is clamped, never negative.
	_, err = engine.Reclaim(3, big.NewInt(10_000), big.NewInt(30))
	require.NoError(t, err)
	data, err = engine.Data()
	require.NoError(t, err)
	for _, r := range data.Received {
		require.Equal(t, int64(0), r.Int64())
	}
}

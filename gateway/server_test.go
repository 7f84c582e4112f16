package gateway

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"beetroot/bus"
	"beetroot/core/messages"
	"beetroot/crypto"
	"beetroot/gateway/middleware"
	"beetroot/native/pool"
	"beetroot/native/router"
	"beetroot/native/subledger"
	"beetroot/state"
	"beetroot/storage"
)

var (
	controllerAddr = crypto.MustAddress(bytes.Repeat([]byte{0x0C}, crypto.AddressLength))
	adminAddr      = crypto.MustAddress(bytes.Repeat([]byte{0xAD}, crypto.AddressLength))
	stableMaster   = crypto.MustAddress(bytes.Repeat([]byte{0x01}, crypto.AddressLength))
	shareMaster    = crypto.MustAddress(bytes.Repeat([]byte{0x02}, crypto.AddressLength))
	routerAddr     = crypto.MustAddress(bytes.Repeat([]byte{0x03}, crypto.AddressLength))
	protocolAddr   = crypto.MustAddress(bytes.Repeat([]byte{0x11}, crypto.AddressLength))
	walletAddr     = crypto.MustAddress(bytes.Repeat([]byte{0x12}, crypto.AddressLength))
	ownerAddr      = crypto.MustAddress(bytes.Repeat([]byte{0x0A}, crypto.AddressLength))
)

type fixture struct {
	server *Server
	pool   *pool.Engine
	bus    *bus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	poolEng := pool.NewEngine(controllerAddr, big.NewInt(1_000000), big.NewInt(10_000000))
	poolEng.SetState(pool.NewStore(state.NewManager(storage.NewMemDB())))
	require.NoError(t, poolEng.Init(&pool.State{
		Version:           pool.StateVersion,
		StableTokenMaster: stableMaster,
		ShareTokenMaster:  shareMaster,
		SubLedgerCode:     crypto.HashCode([]byte("sub")),
		Admin:             adminAddr,
		WalletCode:        crypto.HashCode([]byte("wallet")),
		SharePriceBP:      10_000,
		Router:            routerAddr,
	}))

	subEng := subledger.NewEngine(controllerAddr, walletAddr)
	subEng.SetState(subledger.NewStore(state.NewManager(storage.NewMemDB())))

	routerEng := router.NewEngine(big.NewInt(10_000000))
	routerEng.SetState(router.NewStore(state.NewManager(storage.NewMemDB())))
	require.NoError(t, routerEng.Init(&router.State{
		Controller: controllerAddr,
		Targets: []router.Target{
			{Name: "tradoor", Protocol: protocolAddr, TokenWallet: walletAddr, Weight: 100},
		},
		Received:     []*big.Int{big.NewInt(0)},
		TotalDeposit: big.NewInt(0),
	}))

	b := bus.New(nil, nil)
	t.Cleanup(b.Close)
	require.NoError(t, b.Register(controllerAddr, pool.NewActor(poolEng)))

	server := NewServer(Config{
		ListenAddress: ":0",
		RateLimit:     middleware.RateLimit{RequestsPerMinute: 6000, Burst: 100},
		Controller:    controllerAddr,
	}, nil, b, poolEng, subEng, routerEng)
	return &fixture{server: server, pool: poolEng, bus: b}
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.server.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func (f *fixture) post(t *testing.T, path, body string, admin ...crypto.Address) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for _, caller := range admin {
		req.Header.Set(AdminAddressHeader, caller.String())
	}
	f.server.Routes().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
}

func TestPoolView(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/v1/pool")
	require.Equal(t, http.StatusOK, rec.Code)

	var view poolView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, uint64(10_000), view.SharePriceBP)
	require.Equal(t, adminAddr.String(), view.Admin)
}

func TestUserViewReturnsDormantLedger(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/v1/pool/users/"+ownerAddr.String())
	require.Equal(t, http.StatusOK, rec.Code)

	var view ledgerView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, "0", view.Principal)
	require.Equal(t, ownerAddr.String(), view.Owner)
	require.NotEmpty(t, view.SubLedger)
}

func TestUserViewRejectsBadAddress(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/v1/pool/users/garbage")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouterView(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/v1/router")
	require.Equal(t, http.StatusOK, rec.Code)

	var view routerView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, controllerAddr.String(), view.Controller)
	require.Len(t, view.Targets, 1)
	require.Equal(t, "tradoor", view.Targets[0].Name)
}

func TestAdminPriceUpdateFlowsThroughBus(t *testing.T) {
	f := newFixture(t)
	rec := f.post(t, "/v1/admin/price", `{"priceBP": 20000}`, adminAddr)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		st, err := f.pool.Data()
		return err == nil && st.SharePriceBP == 20_000
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAdminRoutesRequireAdminIdentity(t *testing.T) {
	f := newFixture(t)

	// No identity at all.
	rec := f.post(t, "/v1/admin/price", `{"priceBP": 20000}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// A well-formed identity that is not the admin.
	rec = f.post(t, "/v1/admin/price", `{"priceBP": 20000}`, ownerAddr)
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = f.post(t, "/v1/admin/transfer-admin", `{"admin":"`+ownerAddr.String()+`"}`, ownerAddr)
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = f.post(t, "/v1/admin/upgrade", `{"code":"00","data":"00"}`, ownerAddr)
	require.Equal(t, http.StatusForbidden, rec.Code)

	st, err := f.pool.Data()
	require.NoError(t, err)
	require.Equal(t, uint64(10_000), st.SharePriceBP)
	require.Equal(t, adminAddr, st.Admin)
}

func TestAdminGuardTracksRotation(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/v1/admin/transfer-admin", `{"admin":"`+ownerAddr.String()+`"}`, adminAddr)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool {
		st, err := f.pool.Data()
		return err == nil && st.Admin == ownerAddr
	}, 5*time.Second, 10*time.Millisecond)

	// The previous admin is locked out; the new one is accepted.
	rec = f.post(t, "/v1/admin/price", `{"priceBP": 20000}`, adminAddr)
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = f.post(t, "/v1/admin/price", `{"priceBP": 20000}`, ownerAddr)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestStuckReportFiltersByAge(t *testing.T) {
	f := newFixture(t)

	subAddr, err := f.pool.DeriveSubLedger(ownerAddr)
	require.NoError(t, err)
	env, err := messages.NewEnvelope(messages.OpWithdrawInternal, 31, subAddr, big.NewInt(50_000000), messages.WithdrawInternal{
		Owner:             ownerAddr,
		RedeemedPrincipal: big.NewInt(200_000000),
		BurnedShares:      big.NewInt(2_000_000_000),
	})
	require.NoError(t, err)
	_, err = f.pool.HandleWithdrawInternal(env)
	require.NoError(t, err)

	rec := f.get(t, "/v1/admin/stuck")
	require.Equal(t, http.StatusOK, rec.Code)
	var report stuckReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Len(t, report.Withdrawals, 1)
	require.Equal(t, uint64(31), report.Withdrawals[0].QueryID)

	rec = f.get(t, "/v1/admin/stuck?min_age_seconds=3600")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Empty(t, report.Withdrawals)
}

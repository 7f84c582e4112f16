package gateway

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"beetroot/bus"
	"beetroot/core/messages"
	"beetroot/crypto"
	"beetroot/gateway/middleware"
	"beetroot/native/pool"
	"beetroot/native/router"
	"beetroot/native/subledger"
)

// Config wires the HTTP read surface.
type Config struct {
	ListenAddress string
	RateLimit     middleware.RateLimit

	Controller crypto.Address
}

// AdminAddressHeader carries the caller's admin identity on admin routes.
// It must match the controller's current admin, which tracks change_admin
// rotations; there is no static admin in the gateway.
const AdminAddressHeader = "X-Admin-Address"

var errNotPoolAdmin = errors.New("gateway: caller is not the pool admin")

// Server exposes the pool over HTTP: read-only views of the controller,
// sub-ledgers and router, plus the admin operations, which are
// injected onto the message bus like any other envelope.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	bus       *bus.Bus
	pool      *pool.Engine
	subledger *subledger.Engine
	router    *router.Engine
}

// NewServer builds the gateway around the three engines and the bus.
func NewServer(cfg Config, logger *slog.Logger, b *bus.Bus, poolEng *pool.Engine, subEng *subledger.Engine, routerEng *router.Engine) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger, bus: b, pool: poolEng, subledger: subEng, router: routerEng}
}

// Routes assembles the chi router with the full middleware stack.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(s.logger))
	r.Use(middleware.Metrics)
	r.Use(middleware.NewRateLimiter(s.cfg.RateLimit, s.logger).Middleware)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/pool", s.handlePoolState)
		r.Get("/pool/users/{address}", s.handleUser)
		r.Get("/router", s.handleRouterState)
		r.Route("/admin", func(r chi.Router) {
			r.Get("/stuck", s.handleStuck)
			r.Post("/price", s.handlePrice)
			r.Post("/transfer-admin", s.handleTransferAdmin)
			r.Post("/upgrade", s.handleUpgrade)
		})
	})
	return r
}

// ListenAndServe runs the gateway until the server errors or is shut down.
func (s *Server) ListenAndServe() error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("gateway listening", "address", s.cfg.ListenAddress)
	return srv.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type poolView struct {
	StableTokenMaster string `json:"stableTokenMaster"`
	ShareTokenMaster  string `json:"shareTokenMaster"`
	Admin             string `json:"admin"`
	Router            string `json:"router"`
	SharePriceBP      uint64 `json:"sharePriceBP"`
	SubLedgerCodeHash string `json:"subLedgerCodeHash"`
	WalletCodeHash    string `json:"walletCodeHash"`
}

func (s *Server) handlePoolState(w http.ResponseWriter, _ *http.Request) {
	st, err := s.pool.Data()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, poolView{
		StableTokenMaster: st.StableTokenMaster.String(),
		ShareTokenMaster:  st.ShareTokenMaster.String(),
		Admin:             st.Admin.String(),
		Router:            st.Router.String(),
		SharePriceBP:      st.SharePriceBP,
		SubLedgerCodeHash: hex.EncodeToString(st.SubLedgerCode[:]),
		WalletCodeHash:    hex.EncodeToString(st.WalletCode[:]),
	})
}

type ledgerView struct {
	Owner            string `json:"owner"`
	SubLedger        string `json:"subLedger"`
	Principal        string `json:"principal"`
	RootAmount       string `json:"rootAmount"`
	SlpAmount        string `json:"slpAmount"`
	TlpAmount        string `json:"tlpAmount"`
	DepositTimestamp uint64 `json:"depositTimestamp"`
	UnlockTimestamp  uint64 `json:"unlockTimestamp"`
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	owner, err := crypto.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ledger, err := s.subledger.UserData(owner)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	subAddr, err := s.pool.DeriveSubLedger(owner)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, ledgerView{
		Owner:            owner.String(),
		SubLedger:        subAddr.String(),
		Principal:        amountString(ledger.Principal),
		RootAmount:       amountString(ledger.RootAmount),
		SlpAmount:        amountString(ledger.SlpAmount),
		TlpAmount:        amountString(ledger.TlpAmount),
		DepositTimestamp: ledger.DepositTimestamp,
		UnlockTimestamp:  ledger.UnlockTimestamp,
	})
}

type targetView struct {
	Name     string `json:"name"`
	Protocol string `json:"protocol"`
	Weight   uint64 `json:"weight"`
	Received string `json:"received"`
}

type routerView struct {
	Controller   string       `json:"controller"`
	TotalDeposit string       `json:"totalDeposit"`
	RecvCount    uint64       `json:"recvCount"`
	Targets      []targetView `json:"targets"`
}

func (s *Server) handleRouterState(w http.ResponseWriter, _ *http.Request) {
	st, err := s.router.Data()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	view := routerView{
		Controller:   st.Controller.String(),
		TotalDeposit: amountString(st.TotalDeposit),
		RecvCount:    st.RecvCount,
	}
	for i, target := range st.Targets {
		view.Targets = append(view.Targets, targetView{
			Name:     target.Name,
			Protocol: target.Protocol.String(),
			Weight:   target.Weight,
			Received: amountString(st.Received[i]),
		})
	}
	writeJSON(w, http.StatusOK, view)
}

type stuckWithdrawal struct {
	QueryID     uint64 `json:"queryId"`
	Owner       string `json:"owner"`
	Expected    string `json:"expected"`
	Accumulated string `json:"accumulated"`
	AgeSeconds  uint64 `json:"ageSeconds"`
}

type stuckFanOut struct {
	QueryID    uint64 `json:"queryId"`
	Total      string `json:"total"`
	AckedLegs  int    `json:"ackedLegs"`
	TotalLegs  int    `json:"totalLegs"`
	AgeSeconds uint64 `json:"ageSeconds"`
}

type stuckReport struct {
	Withdrawals []stuckWithdrawal `json:"withdrawals"`
	FanOuts     []stuckFanOut     `json:"fanOuts"`
}

// handleStuck lists in-flight work older than min_age_seconds. Nothing in
// the protocol times out on its own, so operators watch this instead.
func (s *Server) handleStuck(w http.ResponseWriter, r *http.Request) {
	minAge := uint64(0)
	if raw := r.URL.Query().Get("min_age_seconds"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		minAge = parsed
	}
	now := uint64(time.Now().Unix())

	report := stuckReport{Withdrawals: []stuckWithdrawal{}, FanOuts: []stuckFanOut{}}
	pending, err := s.pool.PendingWithdrawals()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	for _, p := range pending {
		age := saturatingAge(now, p.CreatedAt)
		if age < minAge {
			continue
		}
		report.Withdrawals = append(report.Withdrawals, stuckWithdrawal{
			QueryID:     p.QueryID,
			Owner:       p.Owner.String(),
			Expected:    amountString(p.Expected),
			Accumulated: amountString(p.Accumulated),
			AgeSeconds:  age,
		})
	}
	inFlight, err := s.router.InFlight()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	for _, record := range inFlight {
		age := saturatingAge(now, record.CreatedAt)
		if age < minAge {
			continue
		}
		acked := 0
		for _, leg := range record.Legs {
			if leg.Acked {
				acked++
			}
		}
		report.FanOuts = append(report.FanOuts, stuckFanOut{
			QueryID:    record.QueryID,
			Total:      amountString(record.Total),
			AckedLegs:  acked,
			TotalLegs:  len(record.Legs),
			AgeSeconds: age,
		})
	}
	writeJSON(w, http.StatusOK, report)
}

// adminSender authenticates an admin route: the caller presents its
// identity in AdminAddressHeader and it must equal the controller's
// current admin. The returned address becomes the envelope sender, so the
// controller applies the same NotAdmin closure as for on-bus messages.
func (s *Server) adminSender(r *http.Request) (crypto.Address, int, error) {
	caller, err := crypto.DecodeAddress(r.Header.Get(AdminAddressHeader))
	if err != nil {
		return crypto.Address{}, http.StatusBadRequest, fmt.Errorf("gateway: %s: %w", AdminAddressHeader, err)
	}
	st, err := s.pool.Data()
	if err != nil {
		return crypto.Address{}, http.StatusInternalServerError, err
	}
	if caller != st.Admin {
		return crypto.Address{}, http.StatusForbidden, errNotPoolAdmin
	}
	return caller, http.StatusOK, nil
}

type priceRequest struct {
	PriceBP uint64 `json:"priceBP"`
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	caller, status, err := s.adminSender(r)
	if err != nil {
		writeError(w, status, err)
		return
	}
	var req priceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	queryID := newQueryID()
	env, err := messages.NewEnvelope(messages.OpUpdateRootPrice, queryID, caller, big.NewInt(0), messages.UpdateRootPrice{NewPriceBP: req.PriceBP})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.bus.Send(s.cfg.Controller, env); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]uint64{"queryId": queryID})
}

type transferAdminRequest struct {
	Admin string `json:"admin"`
}

func (s *Server) handleTransferAdmin(w http.ResponseWriter, r *http.Request) {
	caller, status, err := s.adminSender(r)
	if err != nil {
		writeError(w, status, err)
		return
	}
	var req transferAdminRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	next, err := crypto.DecodeAddress(req.Admin)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	queryID := newQueryID()
	env, err := messages.NewEnvelope(messages.OpChangeAdmin, queryID, caller, big.NewInt(0), messages.ChangeAdmin{NewAdmin: next})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.bus.Send(s.cfg.Controller, env); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]uint64{"queryId": queryID})
}

type upgradeRequest struct {
	Code string `json:"code"`
	Data string `json:"data"`
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	caller, status, err := s.adminSender(r)
	if err != nil {
		writeError(w, status, err)
		return
	}
	var req upgradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	code, err := hex.DecodeString(req.Code)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	data, err := hex.DecodeString(req.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	queryID := newQueryID()
	env, err := messages.NewEnvelope(messages.OpUpgradeContract, queryID, caller, big.NewInt(0), messages.UpgradeContract{NewCode: code, NewData: data})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.bus.Send(s.cfg.Controller, env); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]uint64{"queryId": queryID})
}

func saturatingAge(now, created uint64) uint64 {
	if created > now {
		return 0
	}
	return now - created
}

func newQueryID() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

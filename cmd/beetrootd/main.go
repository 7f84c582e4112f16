package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"beetroot/bus"
	"beetroot/config"
	"beetroot/core/events"
	"beetroot/core/messages"
	"beetroot/crypto"
	"beetroot/gateway"
	"beetroot/gateway/middleware"
	"beetroot/native/pool"
	"beetroot/native/router"
	"beetroot/native/subledger"
	"beetroot/observability"
	"beetroot/observability/logging"
	"beetroot/state"
	"beetroot/storage"
)

func main() {
	configPath := flag.String("config", "./beetroot.toml", "path to the TOML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("beetrootd failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.Setup(cfg.Logging.Service, cfg.Logging.Env, &logging.Rotation{
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return err
	}
	defer db.Close()
	mgr := state.NewManager(db)

	journal, err := storage.NewJournal(cfg.JournalPath, nil)
	if err != nil {
		return fmt.Errorf("open delivery journal: %w", err)
	}
	defer journal.Close()

	controller, err := config.ParseAddress("Pool.Controller", cfg.Pool.Controller)
	if err != nil {
		return err
	}
	admin, err := config.ParseAddress("Pool.Admin", cfg.Pool.Admin)
	if err != nil {
		return err
	}
	stableMaster, err := config.ParseAddress("Pool.StableTokenMaster", cfg.Pool.StableTokenMaster)
	if err != nil {
		return err
	}
	shareMaster, err := config.ParseAddress("Pool.ShareTokenMaster", cfg.Pool.ShareTokenMaster)
	if err != nil {
		return err
	}
	routerAddr, err := config.ParseAddress("Pool.Router", cfg.Pool.Router)
	if err != nil {
		return err
	}
	subLedgerCode, err := config.ParseCodeHash("Pool.SubLedgerCodeHash", cfg.Pool.SubLedgerCodeHash)
	if err != nil {
		return err
	}
	walletCode, err := config.ParseCodeHash("Pool.WalletCodeHash", cfg.Pool.WalletCodeHash)
	if err != nil {
		return err
	}
	depositFee, err := config.ParseAmount("Pool.DepositFee", cfg.Pool.DepositFee)
	if err != nil {
		return err
	}
	forwardFee, err := config.ParseAmount("Pool.ForwardFee", cfg.Pool.ForwardFee)
	if err != nil {
		return err
	}

	metrics := observability.Pool()
	emitter := events.EmitterFunc(func(evt events.Event) {
		metrics.Emit(evt)
		logger.Info("event", "type", evt.EventType())
	})

	poolStore := pool.NewStore(mgr)
	poolEng := pool.NewEngine(controller, depositFee, forwardFee)
	poolEng.SetState(poolStore)
	poolEng.SetEmitter(emitter)
	if _, ok, err := poolStore.PoolStateGet(); err != nil {
		return err
	} else if !ok {
		if err := poolEng.Init(&pool.State{
			Version:           pool.StateVersion,
			StableTokenMaster: stableMaster,
			ShareTokenMaster:  shareMaster,
			SubLedgerCode:     subLedgerCode,
			Admin:             admin,
			WalletCode:        walletCode,
			SharePriceBP:      cfg.Pool.SharePriceBP,
			Router:            routerAddr,
		}); err != nil {
			return fmt.Errorf("initialise pool state: %w", err)
		}
		logger.Info("pool state initialised", "controller", controller.String())
	}

	// Sub-ledgers verify share burns against the controller's share wallet.
	shareWallet := crypto.DeriveSubLedgerAddress(controller, shareMaster, walletCode)
	subEng := subledger.NewEngine(controller, shareWallet)
	subEng.SetState(subledger.NewStore(mgr))
	subEng.SetEmitter(emitter)

	routerStore := router.NewStore(mgr)
	routerEng := router.NewEngine(forwardFee)
	routerEng.SetState(routerStore)
	routerEng.SetEmitter(emitter)
	if _, ok, err := routerStore.RouterStateGet(); err != nil {
		return err
	} else if !ok {
		st := &router.State{Controller: controller, TotalDeposit: big.NewInt(0)}
		for _, target := range cfg.Router.Targets {
			protocol, err := config.ParseAddress("Router.Targets.Protocol", target.Protocol)
			if err != nil {
				return err
			}
			tokenWallet, err := config.ParseAddress("Router.Targets.TokenWallet", target.TokenWallet)
			if err != nil {
				return err
			}
			st.Targets = append(st.Targets, router.Target{
				Name:        target.Name,
				Protocol:    protocol,
				TokenWallet: tokenWallet,
				Weight:      target.Weight,
			})
			st.Received = append(st.Received, big.NewInt(0))
		}
		if err := routerEng.Init(st); err != nil {
			return fmt.Errorf("initialise router state: %w", err)
		}
		logger.Info("router state initialised", "targets", len(st.Targets))
	}

	messageBus := bus.New(logger, journal)
	defer messageBus.Close()
	if err := messageBus.Register(routerAddr, router.NewActor(routerEng)); err != nil {
		return err
	}
	if err := messageBus.Register(controller, spawningPoolActor(messageBus, poolEng, subEng)); err != nil {
		return err
	}
	if err := registerKnownSubLedgers(messageBus, mgr, poolEng, subEng); err != nil {
		return err
	}

	server := gateway.NewServer(gateway.Config{
		ListenAddress: cfg.Gateway.ListenAddress,
		RateLimit: middleware.RateLimit{
			RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
			Burst:             cfg.Gateway.Burst,
		},
		Controller: controller,
	}, logger, messageBus, poolEng, subEng, routerEng)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
		return nil
	case err := <-errCh:
		return err
	}
}

// spawningPoolActor wraps the controller actor so sub-ledger inboxes are
// created the first time the controller sends a deposit their way, the
// address being derived deterministically from the depositor.
func spawningPoolActor(b *bus.Bus, poolEng *pool.Engine, subEng *subledger.Engine) bus.Handler {
	actor := pool.NewActor(poolEng)
	return bus.HandlerFunc(func(env *messages.Envelope) ([]messages.Outbound, error) {
		outs, err := actor.Handle(env)
		if err != nil {
			return nil, err
		}
		for _, out := range outs {
			if out.Env == nil || out.Env.Op != messages.OpDeposit {
				continue
			}
			var body messages.Deposit
			if err := out.Env.DecodeBody(&body); err != nil {
				continue
			}
			// Registering an existing inbox fails; that just means the
			// sub-ledger already has one.
			_ = b.Register(out.To, subledger.NewActor(subEng, body.Owner))
		}
		return outs, nil
	})
}

// registerKnownSubLedgers re-creates inboxes for ledgers persisted before a
// restart, so withdrawal traffic does not depend on a fresh deposit.
func registerKnownSubLedgers(b *bus.Bus, mgr *state.Manager, poolEng *pool.Engine, subEng *subledger.Engine) error {
	owners, err := subledger.Owners(mgr)
	if err != nil {
		return err
	}
	for _, owner := range owners {
		addr, err := poolEng.DeriveSubLedger(owner)
		if err != nil {
			return err
		}
		if err := b.Register(addr, subledger.NewActor(subEng, owner)); err != nil {
			return err
		}
	}
	return nil
}

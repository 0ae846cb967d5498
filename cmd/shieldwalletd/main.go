// main.go - Wallet daemon entry point.
//
// Wires the shielded-account layer, the relayer client, the local repository,
// and the reconciliation loop together, and serves health and metrics over
// HTTP until interrupted.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"shieldwallet/internal/chain"
	"shieldwallet/internal/lifecycle"
	"shieldwallet/internal/order"
	"shieldwallet/internal/poll"
	"shieldwallet/internal/reconcile"
	"shieldwallet/internal/relayer"
	"shieldwallet/internal/shield"
	"shieldwallet/internal/store"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "shieldwallet.json", "path to the config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("invalid config")
	}

	log, closeLog, err := setupLogger(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("failed to set up logging")
	}
	defer closeLog()

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("daemon exited with error")
	}
}

func run(cfg *Config, log *logrus.Entry) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	rc := relayer.NewClient(cfg.RelayerURL, cfg.RelayerMaxRetries, log)

	// Chain wiring: a configured RPC URL selects the remote chain; otherwise
	// the in-process reference chain backs everything, for local development.
	ledger := shield.NewLedger()
	backend := shield.NewMiMCBackend(ledger)
	var outputs shield.OutputSource = ledger
	var caster shield.Broadcaster = shield.NewSimChain(ledger)
	if cfg.ChainRPCURL != "" {
		cc := chain.NewClient(cfg.ChainRPCURL, log)
		outputs = cc
		caster = cc
	}

	pollPolicy := poll.Policy{MaxAttempts: cfg.PollMaxAttempts, Interval: cfg.PollInterval()}
	controller := lifecycle.NewController(rc, backend, outputs, caster, log,
		lifecycle.WithPolicies(pollPolicy, pollPolicy))

	metrics := NewMetricsCollector()

	hook := settledHook(cfg, st, controller, backend, outputs, caster, metrics, log)
	sign := func(address string) (string, error) { return cfg.WalletSignature, nil }
	reconciler := reconcile.NewReconciler(st, rc, sign, cfg.ReconcileInterval(), hook, log,
		reconcile.WithObserver(func(s reconcile.TickStats) {
			metrics.RecordTick(s.Duration, s.Open, s.Patched, s.Terminal)
		}))

	health := NewHealthChecker(version)
	health.RegisterComponent("store", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return st.Ping(ctx)
	})
	health.RegisterComponent("relayer", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := rc.TransactionHistory(ctx, "healthcheck")
		return err
	})

	srv := httpServer(cfg.ListenAddr, health, metrics)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("http server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server failed")
		}
	}()

	go reconciler.Run(ctx)

	log.WithField("version", version).Info("shieldwalletd started")
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// settledHook returns the reconciler hook that folds a settled order's
// account back to the public destination and persists the rotated state.
func settledHook(cfg *Config, st *store.Store, controller *lifecycle.Controller,
	backend shield.Backend, outputs shield.OutputSource, caster shield.Broadcaster,
	metrics *MetricsCollector, log *logrus.Entry) reconcile.SettledHook {
	if cfg.PublicDestination == "" {
		return nil
	}
	return func(ctx context.Context, o order.Order, rec relayer.OrderRecord) error {
		metrics.RecordSettlement()
		acct, err := st.GetAccount(ctx, o.AccountID)
		if err != nil {
			metrics.RecordError("cleanup_load_account")
			return err
		}
		mgr, err := shield.Resume(ctx, cfg.WalletSignature, acct, backend, outputs, caster, log)
		if err != nil {
			metrics.RecordError("cleanup_resume")
			return err
		}
		res, err := controller.CleanupSettledAccount(ctx, mgr, o, cfg.WalletSignature, cfg.PublicDestination)
		if err != nil {
			metrics.RecordError("cleanup")
			return err
		}
		if err := st.SaveAccount(ctx, mgr.Account()); err != nil {
			metrics.RecordError("cleanup_save_account")
			return err
		}
		metrics.RecordCleanup(string(o.Variant))
		log.WithFields(logrus.Fields{
			"uuid":     o.UUID,
			"transfer": res.TransferTxID,
			"bridge":   res.BridgeTxHash,
		}).Info("settled order cleaned up")
		return nil
	}
}

// httpServer exposes /healthz and /metrics.
func httpServer(addr string, health *HealthChecker, metrics *MetricsCollector) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		report := health.CheckHealth()
		w.Header().Set("Content-Type", "application/json")
		if report.OverallStatus == Unhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(report)
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(metrics.GetMetricsSummary())
	})
	return &http.Server{Addr: addr, Handler: mux}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/compose-network/sla-escrow/metrics"
	apisrv "github.com/compose-network/sla-escrow/server/api"
	apimw "github.com/compose-network/sla-escrow/server/api/middleware"
	"github.com/compose-network/sla-escrow/sla-escrow-app/config"
	"github.com/compose-network/sla-escrow/x/auth"
	"github.com/compose-network/sla-escrow/x/journal"
	"github.com/compose-network/sla-escrow/x/ledger"
	"github.com/compose-network/sla-escrow/x/sla"
	"github.com/compose-network/sla-escrow/x/sla/evmlog"
	slahttp "github.com/compose-network/sla-escrow/x/sla/http"
	"github.com/compose-network/sla-escrow/x/sla/sqlstore"
)

// App represents the escrow registry application
type App struct {
	cfg      *config.Config
	log      zerolog.Logger
	started  time.Time
	registry *sla.Registry
	journal  *journal.Journal

	// API server (HTTP)
	apiServer  *apisrv.Server
	serverDone chan struct{}

	// Shutdown management
	shutdownFns []func() error

	cancel context.CancelFunc
}

// NewApp creates a new application instance
func NewApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	app := &App{
		cfg:         cfg,
		log:         log.With().Str("component", "app").Logger(),
		started:     time.Now(),
		shutdownFns: make([]func() error, 0),
	}

	if err := app.initialize(ctx, log); err != nil {
		app.runShutdownFns()
		return nil, fmt.Errorf("failed to initialize app: %w", err)
	}

	return app, nil
}

// initialize builds the store, ledger, journal and registry, then the HTTP surface on top.
func (a *App) initialize(ctx context.Context, log zerolog.Logger) error {
	store, tokens, err := a.openBackend(ctx, log)
	if err != nil {
		return err
	}

	grants, err := a.cfg.GenesisAllocations()
	if err != nil {
		return err
	}
	genesis := make([]ledger.Payout, 0, len(grants))
	for _, g := range grants {
		genesis = append(genesis, ledger.Payout{To: g.Address, Amount: g.Amount})
	}
	applied, err := tokens.MintGenesis(ctx, genesis)
	if err != nil {
		return fmt.Errorf("failed to mint genesis allocations: %w", err)
	}
	a.log.Info().Int("accounts", len(genesis)).Bool("applied", applied).Msg("Genesis allocations checked")

	events := journal.New(log, a.cfg.Journal.Capacity)
	if a.cfg.Metrics.Enabled {
		events = events.WithMetrics(journal.NewMetrics())
	}
	a.journal = events

	address, err := a.cfg.RegistryAddress()
	if err != nil {
		return err
	}

	registry, err := sla.New(
		log,
		sla.WithAddress(address),
		sla.WithLedger(tokens),
		sla.WithStore(store),
		sla.WithObserver(events),
		sla.WithMetrics(a.cfg.Metrics.Enabled),
	)
	if err != nil {
		return fmt.Errorf("failed to create registry: %w", err)
	}
	a.registry = registry

	// refuse to serve records whose escrow the ledger no longer holds
	if err := registry.VerifyCustody(ctx); err != nil {
		return fmt.Errorf("custody check failed: %w", err)
	}

	codec, err := evmlog.NewCodec(address)
	if err != nil {
		return fmt.Errorf("failed to create event codec: %w", err)
	}

	var verifier *auth.Verifier
	if a.cfg.Auth.Enabled {
		verifier = auth.NewVerifier(a.cfg.Auth.MaxSkew)
		a.log.Info().Dur("max_skew", a.cfg.Auth.MaxSkew).Msg("Request signatures required")
	}

	// API server (shared HTTP surface)
	s := apisrv.NewServer(a.cfg.API, log)
	s.Use(apimw.Recover(log))
	s.Use(apimw.RequestID())
	s.Use(apimw.Logger(log))
	if a.cfg.API.CORS.Enabled {
		s.EnableCORS(a.cfg.API.CORS.AllowedOrigins)
	}
	s.Use(apimw.Caller(verifier, log))
	if rl := a.cfg.API.RateLimit; rl.Enabled {
		limiter := apimw.NewRateLimiter(rl.RPS, rl.Burst, rl.IdleTTL, log)
		s.Use(limiter.Handler)
	}

	// Health/readiness/stats
	s.Router.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	s.Router.HandleFunc("/ready", a.handleReady).Methods(http.MethodGet)
	s.Router.HandleFunc("/stats", a.handleStats).Methods(http.MethodGet)

	// Metrics
	if a.cfg.Metrics.Enabled {
		s.Router.Handle(a.cfg.Metrics.Path, promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{})).
			Methods(http.MethodGet)
	}

	// Registry API
	handler := slahttp.NewHandler(slahttp.Config{
		Registry:      registry,
		Ledger:        tokens,
		Events:        events,
		Logs:          codec,
		FaucetEnabled: a.cfg.Ledger.FaucetEnabled,
	}, log)
	handler.RegisterMux(s.Router)

	a.apiServer = s

	a.log.Info().
		Str("registry", address.Hex()).
		Int("genesis_accounts", len(grants)).
		Bool("faucet_enabled", a.cfg.Ledger.FaucetEnabled).
		Msg("Registry initialized")

	return nil
}

// tokenLedger is what the app needs from a ledger backend.
type tokenLedger interface {
	ledger.Settler
	ledger.GenesisMinter
}

// openBackend returns the record store and the ledger. The sqlite driver keeps both in one
// database so custody and records are restored together.
func (a *App) openBackend(ctx context.Context, log zerolog.Logger) (sla.Store, tokenLedger, error) {
	switch strings.ToLower(strings.TrimSpace(a.cfg.Store.Driver)) {
	case config.StoreSQLite:
		s, err := sqlstore.Open(ctx, a.cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		a.shutdownFns = append(a.shutdownFns, s.Close)
		tokens, err := s.Ledger(ctx, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite ledger: %w", err)
		}
		a.log.Info().Str("dsn", a.cfg.Store.DSN).Msg("Using sqlite record store and ledger")
		return s, tokens, nil
	default:
		a.log.Info().Msg("Using in-memory record store and ledger")
		return sla.NewMemoryStore(), ledger.NewMemory(log), nil
	}
}

// Run starts the application and blocks until shutdown.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.cfg.Metrics.Enabled && a.cfg.Metrics.ReportInterval > 0 {
		go a.metricsReporter(runCtx, a.cfg.Metrics.ReportInterval)
	}

	// Start API server
	if a.apiServer != nil {
		a.serverDone = make(chan struct{})
		go func() {
			defer close(a.serverDone)
			if err := a.apiServer.Start(runCtx); err != nil {
				a.log.Error().Err(err).Msg("API server error")
				cancel()
			}
		}()
	}

	return a.runWithGracefulShutdown(runCtx)
}

// runWithGracefulShutdown handles shutdown signals.
func (a *App) runWithGracefulShutdown(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a.log.Info().Msg("SLA escrow registry started successfully")

	select {
	case <-ctx.Done():
		a.log.Info().Msg("Context canceled, initiating shutdown")
	case sig := <-sigCh:
		a.log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	}

	if a.cancel != nil {
		a.cancel()
	}

	return a.shutdown()
}

// shutdown waits for in-flight requests to drain and releases the store.
func (a *App) shutdown() error {
	a.log.Info().Msg("Initiating graceful shutdown")

	// the API server drains on context cancellation; the store must outlive in-flight requests
	if a.serverDone != nil {
		select {
		case <-a.serverDone:
		case <-time.After(30 * time.Second):
			a.log.Warn().Msg("API server did not stop in time")
		}
	}

	a.runShutdownFns()

	a.log.Info().Msg("Graceful shutdown complete")
	return nil
}

func (a *App) runShutdownFns() {
	for _, fn := range a.shutdownFns {
		if err := fn(); err != nil {
			a.log.Error().Err(err).Msg("Shutdown function error")
		}
	}
	a.shutdownFns = nil
}

// handleHealth responds to health check requests.
func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().UTC().Format(time.RFC3339))
}

// handleReady reports whether the record store answers.
func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	next, err := a.registry.NextSLAID(r.Context())
	if err != nil {
		apisrv.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "store_unavailable",
			"error":  err.Error(),
		})
		return
	}
	apisrv.WriteJSON(w, http.StatusOK, map[string]any{
		"status":      "ready",
		"next_sla_id": next,
	})
}

func (a *App) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(a.GetStats(r.Context()))
}

// GetStats returns application statistics.
func (a *App) GetStats(ctx context.Context) map[string]interface{} {
	stats := a.registry.GetStats(ctx)
	stats["journal_entries"] = a.journal.Len()
	stats["journal_latest_seq"] = a.journal.Latest()
	stats["uptime_seconds"] = time.Since(a.started).Seconds()
	stats["app_version"] = Version
	stats["app_build_time"] = BuildTime
	stats["app_git_commit"] = GitCommit
	return stats
}

// metricsReporter periodically reports application statistics.
func (a *App) metricsReporter(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := a.GetStats(ctx)
			if msg, ok := stats["error"].(string); ok {
				a.log.Warn().Str("error", msg).Msg("Failed to collect registry statistics")
				continue
			}

			ev := a.log.Info().
				Int("slas_total", stats["slas_total"].(int)).
				Str("open_custody", stats["open_custody"].(string)).
				Str("forfeited", stats["forfeited"].(string)).
				Int("journal_entries", stats["journal_entries"].(int)).
				Float64("uptime_seconds", stats["uptime_seconds"].(float64))
			if byState, ok := stats["slas_by_state"].(map[string]int); ok {
				for state, n := range byState {
					ev = ev.Int("slas_"+strings.ToLower(state), n)
				}
			}
			ev.Msg("SLA escrow statistics")
		}
	}
}

// Command engine runs the Execution & Position Lifecycle Engine: the
// Execution Pipeline, Position Manager, Position Monitor and
// Copy-Execution variant wired together behind the edge/kol-trade
// ingestion HTTP server. A read-only TUI status view is available as an
// alternative to the default headless mode.
package main

import (
	"context"
	"fmt"
	"os"
	osignal "os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"solfarm-engine/internal/config"
	"solfarm-engine/internal/copytrade"
	"solfarm-engine/internal/domain"
	"solfarm-engine/internal/events"
	"solfarm-engine/internal/execution"
	"solfarm-engine/internal/health"
	"solfarm-engine/internal/monitor"
	"solfarm-engine/internal/position"
	"solfarm-engine/internal/relayer"
	"solfarm-engine/internal/risk"
	ingest "solfarm-engine/internal/signal"
	"solfarm-engine/internal/simulate"
	"solfarm-engine/internal/storage"
	"solfarm-engine/internal/tui"
	"solfarm-engine/internal/venue"
	"solfarm-engine/internal/venue/jupiter"
	"solfarm-engine/internal/venue/pumpcurve"
	"solfarm-engine/internal/walletsigner"
)

// engine bundles every long-lived component cmd/engine wires together.
type engine struct {
	cfg      *config.Manager
	bus      *events.Bus
	posMgr   *position.Manager
	pipeline *execution.Pipeline
	monitor  *monitor.Monitor
	copyExec *copytrade.Executor
	server   *ingest.Server
	health   *health.Checker
	db       *storage.DB
	strategy domain.Strategy
}

func main() {
	setupLogger()

	cfg, err := config.NewManager(configPath())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	eng, err := newEngine(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize engine")
	}

	ctx, cancel := context.WithCancel(context.Background())

	go eng.monitor.Start(ctx)
	go eng.health.Start(ctx)
	go eng.copyExec.Start(ctx)
	go func() {
		if err := eng.server.Start(); err != nil {
			log.Error().Err(err).Msg("ingest server stopped")
		}
	}()

	if os.Getenv("TUI") == "1" {
		runTUI(eng)
	} else {
		runHeadless(eng)
	}

	cancel()
	if err := eng.server.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("error shutting down ingest server")
	}
	if err := eng.db.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing database")
	}
	log.Info().Msg("engine stopped")
}

func configPath() string {
	if p := os.Getenv("ENGINE_CONFIG"); p != "" {
		return p
	}
	return "config/config.yaml"
}

func newEngine(cfg *config.Manager) (*engine, error) {
	c := cfg.Get()

	db, err := storage.NewDB(c.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	bus := events.NewBus()
	posMgr := position.NewManager(bus, db)

	signer, err := loadSigner(cfg)
	if err != nil {
		return nil, err
	}

	dexAdapter := jupiter.New(jupiterAPIKeys(c.Venue.JupiterAPIKeysEnv), time.Duration(c.Venue.JupiterTimeoutSecs)*time.Second)
	curveAdapter := pumpcurve.New(c.Venue.CurveRPCURL, time.Duration(c.Venue.CurveTimeoutSecs)*time.Second)
	adapter := venue.NewRouter(curveAdapter, dexAdapter, 5*time.Second)

	relay := relayer.NewJitoRelayer(c.Venue.RelayerURL, time.Duration(c.Venue.RelayerTimeoutSecs)*time.Second)
	sim := simulate.New(adapter)
	riskMgr := risk.NewManager()

	pipelineCfg := execution.Config{
		AutoExecuteAtomic:       c.Pipeline.AutoExecuteAtomic,
		RequireSimulation:       c.Pipeline.RequireSimulation,
		MaxConcurrentExecutions: c.Pipeline.MaxConcurrentExecutions,
		ExecutionTimeoutSecs:    c.Pipeline.ExecutionTimeoutSecs,
		TipMinLamports:          c.Pipeline.TipMinLamports,
		TipMaxLamports:          c.Pipeline.TipMaxLamports,
		BuildTimeout:            15 * time.Second,
		SignTimeout:             30 * time.Second,
		SubmitTimeout:           30 * time.Second,
		ConfirmTimeout:          time.Duration(c.Monitor.BundleTimeoutSecs) * time.Second,
	}
	pipeline := execution.New(pipelineCfg, adapter, sim, riskMgr, signer, relay, posMgr, bus)

	monitorCfg := monitor.Config{
		PriceCheckInterval:   time.Duration(c.Monitor.PriceCheckIntervalSecs) * time.Second,
		ExitSlippageBps:      c.Monitor.ExitSlippageBps,
		EmergencySlippageBps: c.Monitor.EmergencySlippageBps,
		MaxExitRetries:       c.Monitor.MaxExitRetries,
		BundleTimeout:        time.Duration(c.Monitor.BundleTimeoutSecs) * time.Second,
		RetryBackoff:         300 * time.Millisecond,
	}
	mon := monitor.New(monitorCfg, posMgr, adapter, signer, relay, bus)

	copyCfg := copytrade.Config{
		Enabled:               c.Copy.Enabled,
		DefaultCopyPercentage: c.Copy.DefaultCopyPercentage,
		MaxPositionBase:       c.Copy.MaxPositionBase,
		MinTrustScore:         c.Copy.MinTrustScore,
		CopyDelay:             time.Duration(c.Copy.CopyDelayMs) * time.Millisecond,
		RequireWhitelist:      c.Copy.RequireWhitelist,
		EmergencySlippageBps:  c.Monitor.EmergencySlippageBps,
		SellPollInterval:      2 * time.Second,
		SellPollTimeout:       30 * time.Second,
	}
	copyExec := copytrade.New(copyCfg, posMgr, adapter, signer, relay, bus, db)

	strategy := domain.Strategy{
		ID:   uuid.New(),
		Mode: domain.ModeAutonomous,
		Risk: domain.RiskParams{
			MaxPositionBase:  c.Copy.MaxPositionBase,
			MinProfitBps:     50,
			MaxSlippageBps:   c.Monitor.ExitSlippageBps,
			MaxRiskScore:     70,
			DailyLossCapBase: 5.0,
		},
		TipAlpha: c.Pipeline.DefaultTipAlpha,
	}

	handler := ingest.NewHandler(
		func(edge domain.Edge, strategyID uuid.UUID) {
			go func() {
				result := pipeline.ExecuteAuto(context.Background(), edge, strategy, strategy.Risk.MaxSlippageBps)
				if err := db.InsertExecutionResult(edge.ID, statusFor(result), result); err != nil {
					log.Error().Err(err).Msg("failed to persist execution result")
				}
			}()
		},
		func(trade copytrade.KolTrade) {
			go copyExec.ExecuteCopy(context.Background(), trade)
		},
	)
	server := ingest.NewServer(c.Ingest.ListenHost, c.Ingest.ListenPort, handler, db)

	healthChecker := health.NewChecker(c.Venue.CurveRPCURL, c.Venue.RelayerURL, fmt.Sprintf("http://%s:%d", c.Ingest.ListenHost, c.Ingest.ListenPort))

	return &engine{
		cfg:      cfg,
		bus:      bus,
		posMgr:   posMgr,
		pipeline: pipeline,
		monitor:  mon,
		copyExec: copyExec,
		server:   server,
		health:   healthChecker,
		db:       db,
		strategy: strategy,
	}, nil
}

// loadSigner loads the configured wallet private key, falling back to a
// clearly-unusable signer (rather than a nil interface) so misconfiguration
// surfaces as a "wallet signer not configured" error at the sign step
// instead of a panic deep in the pipeline.
func loadSigner(cfg *config.Manager) (walletsigner.Signer, error) {
	privateKey := cfg.GetPrivateKey()
	if privateKey == "" {
		log.Warn().Msg("⚠️ no wallet private key configured — executions will fail at the sign step")
		return &walletsigner.LocalSigner{}, nil
	}
	signer, err := walletsigner.NewLocalSigner(privateKey, walletsigner.Policy{})
	if err != nil {
		return nil, fmt.Errorf("load wallet signer: %w", err)
	}
	return signer, nil
}

func statusFor(r domain.ExecutionResult) string {
	if r.Success {
		return string(domain.StatusCompleted)
	}
	return string(domain.StatusFailed)
}

func jupiterAPIKeys(envVar string) []string {
	raw := os.Getenv(envVar)
	if raw == "" {
		return nil
	}
	var keys []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				keys = append(keys, raw[start:i])
			}
			start = i + 1
		}
	}
	return keys
}

func runHeadless(e *engine) {
	color.Cyan("solfarm-engine starting (headless mode)")
	log.Info().
		Str("ingest_addr", fmt.Sprintf("%s:%d", e.cfg.Get().Ingest.ListenHost, e.cfg.Get().Ingest.ListenPort)).
		Msg("🚀 engine ready")

	quit := make(chan os.Signal, 1)
	osignal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down...")
}

func runTUI(e *engine) {
	model := tui.NewModel(e.posMgr, e.pipeline, e.bus)
	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error running TUI: %v\n", err)
		os.Exit(1)
	}
}

func setupLogger() {
	log.Logger = zerolog.New(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"},
	).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "1" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

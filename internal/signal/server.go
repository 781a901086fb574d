// Package signal is the HTTP ingestion boundary that feeds external
// collaborators (an edge detector, a KOL-trade watcher) into the engine. It
// is deliberately thin: parsing and rate-limiting only, no trading logic.
package signal

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"solfarm-engine/internal/copytrade"
	"solfarm-engine/internal/domain"
	"solfarm-engine/internal/storage"
)

// EdgeIngest is the wire payload an upstream detector posts to /edge.
type EdgeIngest struct {
	Kind                      string  `json:"kind"`
	TokenMint                 string  `json:"token_mint"`
	Route                     string  `json:"route"`
	EstimatedProfitLamports   int64   `json:"estimated_profit_lamports"`
	RiskScore                 int     `json:"risk_score"`
	Atomicity                 string  `json:"atomicity"`
	SimulatedProfitGuaranteed bool    `json:"simulated_profit_guaranteed"`
	StrategyID                string  `json:"strategy_id"`
}

func (e EdgeIngest) toEdge() domain.Edge {
	return domain.Edge{
		ID:                        uuid.New(),
		Kind:                      domain.EdgeKind(e.Kind),
		TokenMint:                 e.TokenMint,
		Route:                     e.Route,
		EstimatedProfitLamports:   e.EstimatedProfitLamports,
		RiskScore:                 e.RiskScore,
		Atomicity:                 domain.Atomicity(e.Atomicity),
		SimulatedProfitGuaranteed: e.SimulatedProfitGuaranteed,
		DetectedAt:                time.Now(),
	}
}

// KolTradeIngest is the wire payload a copy-trade watcher posts to /kol-trade.
type KolTradeIngest struct {
	KolID       string  `json:"kol_id"`
	KolTradeID  string  `json:"kol_trade_id"`
	TokenMint   string  `json:"token_mint"`
	Type        string  `json:"type"`
	AmountBase  float64 `json:"amount_base"`
	TrustScore  float64 `json:"trust_score"`
	Whitelisted bool    `json:"whitelisted"`
}

func (k KolTradeIngest) toKolTrade() copytrade.KolTrade {
	return copytrade.KolTrade{
		KolID:       k.KolID,
		KolTradeID:  k.KolTradeID,
		TokenMint:   k.TokenMint,
		Type:        copytrade.TradeType(k.Type),
		AmountBase:  k.AmountBase,
		TrustScore:  k.TrustScore,
		Whitelisted: k.Whitelisted,
	}
}

// EdgeSink receives a parsed Edge plus the strategy governing it.
type EdgeSink func(edge domain.Edge, strategyID uuid.UUID)

// KolTradeSink receives a parsed KolTrade.
type KolTradeSink func(trade copytrade.KolTrade)

// Handler routes ingested payloads to the channels the engine consumes.
type Handler struct {
	onEdge     EdgeSink
	onKolTrade KolTradeSink
}

func NewHandler(onEdge EdgeSink, onKolTrade KolTradeSink) *Handler {
	return &Handler{onEdge: onEdge, onKolTrade: onKolTrade}
}

// Server is the fiber app exposing the ingestion endpoints.
type Server struct {
	app     *fiber.App
	handler *Handler
	db      *storage.DB
	host    string
	port    int
}

func NewServer(host string, port int, handler *Handler, db *storage.DB) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          5 * time.Second,
	})

	app.Use(limiter.New(limiter.Config{
		Max:        20,
		Expiration: 1 * time.Second,
	}))

	s := &Server{app: app, handler: handler, db: db, host: host, port: port}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "time": time.Now().Unix()})
	})
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	s.app.Get("/stats", s.handleStats)
	s.app.Post("/edge", s.handleEdge)
	s.app.Post("/kol-trade", s.handleKolTrade)
}

// handleStats surfaces the persisted execution win-rate/PnL aggregate and
// the currently open positions, reading straight from storage rather than
// the in-memory Position Manager so it reflects the durable book even
// across a restart.
func (s *Server) handleStats(c *fiber.Ctx) error {
	if s.db == nil {
		return c.Status(503).JSON(fiber.Map{"error": "persistence not configured"})
	}
	total, winRate, totalProfit, err := s.db.GetExecutionStats()
	if err != nil {
		log.Error().Err(err).Msg("failed to load execution stats")
		return c.Status(500).JSON(fiber.Map{"error": "failed to load stats"})
	}
	open, err := s.db.GetOpenPositions()
	if err != nil {
		log.Error().Err(err).Msg("failed to load open positions")
		return c.Status(500).JSON(fiber.Map{"error": "failed to load open positions"})
	}
	return c.JSON(fiber.Map{
		"total_executions":      total,
		"win_rate_percent":      winRate,
		"total_profit_lamports": totalProfit,
		"open_positions":        open,
	})
}

func (s *Server) handleEdge(c *fiber.Ctx) error {
	var payload EdgeIngest
	if err := c.BodyParser(&payload); err != nil {
		log.Error().Err(err).Msg("failed to parse edge payload")
		return c.Status(400).JSON(fiber.Map{"error": "invalid payload"})
	}
	if payload.TokenMint == "" {
		return c.Status(400).JSON(fiber.Map{"error": "token_mint required"})
	}

	strategyID, err := uuid.Parse(payload.StrategyID)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "strategy_id must be a uuid"})
	}

	edge := payload.toEdge()
	log.Info().
		Str("kind", string(edge.Kind)).
		Str("mint", edge.TokenMint).
		Int64("profit_lamports", edge.EstimatedProfitLamports).
		Int("risk_score", edge.RiskScore).
		Msg("edge received")

	if s.handler.onEdge != nil {
		s.handler.onEdge(edge, strategyID)
	}

	return c.JSON(fiber.Map{"status": "received", "edge_id": edge.ID})
}

func (s *Server) handleKolTrade(c *fiber.Ctx) error {
	var payload KolTradeIngest
	if err := c.BodyParser(&payload); err != nil {
		log.Error().Err(err).Msg("failed to parse kol trade payload")
		return c.Status(400).JSON(fiber.Map{"error": "invalid payload"})
	}
	if payload.TokenMint == "" || payload.KolID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "kol_id and token_mint required"})
	}

	trade := payload.toKolTrade()
	log.Info().
		Str("kol", trade.KolID).
		Str("mint", trade.TokenMint).
		Str("type", string(trade.Type)).
		Msg("kol trade received")

	if s.handler.onKolTrade != nil {
		s.handler.onKolTrade(trade)
	}

	return c.JSON(fiber.Map{"status": "received"})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	log.Info().Str("addr", addr).Msg("starting signal server")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

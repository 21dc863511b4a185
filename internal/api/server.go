// Package api serves the control surface over HTTP: bot lifecycle, manual
// trades, trade history, listing queries and system status, plus the
// Prometheus metrics endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"mexc-sniper/internal/common"
	"mexc-sniper/internal/executor"
	"mexc-sniper/internal/storage"
	"mexc-sniper/internal/tracker"
)

// Bot is the orchestrator surface the API drives.
type Bot interface {
	StartTradingBot(ctx context.Context, configurationID, operatorID string) (*storage.BotRun, error)
	StopTradingBot(ctx context.Context, runID string) (*storage.BotRun, error)
	ExecuteManualTrade(ctx context.Context, symbol, strategy string) (executor.Result, error)
	CurrentRun() *storage.BotRun
}

// Store is the read surface for history and status endpoints.
type Store interface {
	RecentTradeAttempts(ctx context.Context, limit int) ([]storage.TradeAttempt, error)
	RecentListings(ctx context.Context, since time.Time, symbol string, limit int) ([]storage.ListingEvent, error)
	UpcomingListings(ctx context.Context, now time.Time, window time.Duration, limit int) ([]storage.ListingEvent, error)
	GetBotStatus(ctx context.Context) (*storage.BotStatus, error)
	ActiveBotRun(ctx context.Context, configurationID string) (*storage.BotRun, error)
}

// Positions exposes the open position snapshot for the status endpoints.
type Positions interface {
	Snapshot(ctx context.Context) ([]tracker.Position, error)
}

// Server is the fiber application wrapping the trading core.
type Server struct {
	app       *fiber.App
	bot       Bot
	store     Store
	positions Positions
	port      int
}

// New builds the server and its routes. allowedOrigins is the CORS
// allow-list ("" disables cross-origin access).
func New(bot Bot, store Store, positions Positions, port int, allowedOrigins string) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
	})

	if allowedOrigins != "" {
		app.Use(cors.New(cors.Config{AllowOrigins: allowedOrigins}))
	}

	s := &Server{app: app, bot: bot, store: store, positions: positions, port: port}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "time": time.Now().UTC().Unix()})
	})
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	s.app.Post("/bot/start", s.handleStart)
	s.app.Post("/bot/stop", s.handleStop)
	s.app.Get("/bot/status", s.handleStatus)

	s.app.Post("/trading/execute-manual-trade", s.handleManualTrade)
	s.app.Get("/trading/history", s.handleHistory)
	s.app.Get("/trading/recent-listings", s.handleRecentListings)
	s.app.Get("/trading/upcoming-listings", s.handleUpcomingListings)

	s.app.Get("/monitoring/system-status", s.handleSystemStatus)
}

type startRequest struct {
	ConfigurationID string `json:"configurationId"`
	OperatorID      string `json:"operatorId"`
}

func (s *Server) handleStart(c *fiber.Ctx) error {
	var req startRequest
	if err := c.BodyParser(&req); err != nil || req.ConfigurationID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "configurationId is required"})
	}

	run, err := s.bot.StartTradingBot(c.Context(), req.ConfigurationID, req.OperatorID)
	if err != nil {
		if common.CodeOf(err) == common.CodeBotAlreadyRunning {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
		}
		if common.CodeOf(err) == common.CodeNoConfiguration {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		}
		log.Error().Err(err).Msg("bot start failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"run": run, "message": "trading bot started"})
}

type stopRequest struct {
	RunID string `json:"runId"`
}

func (s *Server) handleStop(c *fiber.Ctx) error {
	var req stopRequest
	_ = c.BodyParser(&req)

	run, err := s.bot.StopTradingBot(c.Context(), req.RunID)
	if err != nil {
		if common.CodeOf(err) == common.CodeBotNotRunning {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		}
		log.Error().Err(err).Msg("bot stop failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"run": run, "message": "trading bot stopped"})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	run := s.bot.CurrentRun()
	if run == nil {
		if r, err := s.store.ActiveBotRun(c.Context(), ""); err == nil {
			run = r
		}
	}

	status, err := s.store.GetBotStatus(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	isRunning := run != nil && run.Status == storage.RunRunning
	return c.JSON(fiber.Map{
		"run":       run,
		"metrics":   status,
		"isRunning": isRunning,
	})
}

type manualTradeRequest struct {
	Symbol   string `json:"symbol"`
	Strategy string `json:"strategy"`
}

func (s *Server) handleManualTrade(c *fiber.Ctx) error {
	var req manualTradeRequest
	if err := c.BodyParser(&req); err != nil || req.Symbol == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "symbol is required"})
	}

	res, err := s.bot.ExecuteManualTrade(c.Context(), req.Symbol, req.Strategy)
	if err != nil {
		if common.CodeOf(err) == common.CodeBotNotRunning {
			return c.Status(fiber.StatusPreconditionFailed).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(res)
}

func (s *Server) handleHistory(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 100)
	trades, err := s.store.RecentTradeAttempts(c.Context(), limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"trades": trades, "total": len(trades)})
}

func (s *Server) handleRecentListings(c *fiber.Ctx) error {
	hours := c.QueryInt("hours", 24)
	symbol := c.Query("symbol")
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	listings, err := s.store.RecentListings(c.Context(), since, symbol, 500)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"listings": listings, "total": len(listings)})
}

func (s *Server) handleUpcomingListings(c *fiber.Ctx) error {
	hours := c.QueryInt("hours", 48)
	window := time.Duration(hours) * time.Hour

	listings, err := s.store.UpcomingListings(c.Context(), time.Now().UTC(), window, 500)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"listings": listings, "total": len(listings)})
}

func (s *Server) handleSystemStatus(c *fiber.Ctx) error {
	status, err := s.store.GetBotStatus(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	positions, err := s.positions.Snapshot(c.Context())
	if err != nil {
		log.Warn().Err(err).Msg("position snapshot failed")
		positions = nil
	}

	run := s.bot.CurrentRun()
	return c.JSON(fiber.Map{
		"status":    status,
		"run":       run,
		"positions": positions,
		"time":      time.Now().UTC(),
	})
}

// App exposes the fiber application for tests.
func (s *Server) App() *fiber.App { return s.app }

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	log.Info().Str("addr", addr).Msg("control API listening")
	err := s.app.Listen(addr)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown() error { return s.app.Shutdown() }

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"mexc-sniper/internal/api"
	"mexc-sniper/internal/cfg"
	"mexc-sniper/internal/common"
	"mexc-sniper/internal/detector"
	"mexc-sniper/internal/exchange/mexc"
	"mexc-sniper/internal/executor"
	"mexc-sniper/internal/metrics"
	"mexc-sniper/internal/monitor"
	"mexc-sniper/internal/orchestrator"
	"mexc-sniper/internal/risk"
	"mexc-sniper/internal/rules"
	"mexc-sniper/internal/safety"
	"mexc-sniper/internal/storage"
	"mexc-sniper/internal/tracker"
)

func main() {
	os.Exit(run())
}

func run() int {
	settings, err := cfg.Load()
	if err != nil {
		log.Error().Err(err).Msg("configuration invalid")
		return common.ExitConfig
	}

	level, err := zerolog.ParseLevel(settings.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	db, err := storage.Open(settings.DatabaseURL, settings.DBQueryTimeout)
	if err != nil {
		log.Error().Err(err).Msg("database unreachable")
		return common.ExitDatabase
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	client := mexc.NewClient(settings.APIKey, settings.SecretKey, settings.BaseURL,
		settings.APITimeout, common.DefaultRecvWindowMs)

	rulesCache := rules.NewCache(client.ExchangeInfo)
	validator := rules.NewValidator(rulesCache)
	riskMgr := risk.NewManager(risk.DefaultConfig())
	safetyChk := safety.NewChecker(db)
	positions := tracker.New(db, client)
	exec := executor.New(client, db, validator, riskMgr, safetyChk, positions)
	det := detector.New(client, db, settings.PollingInterval)

	orch := orchestrator.New(db, det, exec, m)
	mon := monitor.New(positions, db, client, orch.HandleSellIntent)
	orch.SetMonitor(mon)

	// WebSocket fast path for position pricing, keyed to the active
	// configuration's pairs. REST remains the fallback.
	if activeCfg, err := db.ActiveConfiguration(ctx); err == nil && activeCfg != nil && len(activeCfg.EnabledPairs) > 0 {
		ws := mexc.NewWS(settings.WsURL)
		updates := make(chan mexc.PriceUpdate, 256)
		go func() {
			if err := ws.Stream(ctx, activeCfg.EnabledPairs, updates); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("websocket stream ended")
			}
		}()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case u := <-updates:
					mon.ApplyPriceUpdate(u)
				}
			}
		}()
	}

	server := api.New(orch, db, positions, settings.Port, settings.AllowedOrigins)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	log.Info().
		Int("port", settings.Port).
		Str("baseURL", settings.BaseURL).
		Msg("sniper ready")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("API server failed")
			return common.ExitError
		}
	}

	// Stop the bot before the listener so in-flight orders finish and the
	// run reaches a terminal state.
	if run := orch.CurrentRun(); run != nil {
		if _, err := orch.StopTradingBot(context.Background(), run.ID); err != nil {
			log.Warn().Err(err).Msg("bot stop during shutdown failed")
		}
	}
	if err := server.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("server shutdown failed")
	}

	return common.ExitOK
}

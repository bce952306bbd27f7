package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/logger"

	"nft-raffle/internal/access"
	"nft-raffle/internal/config"
	"nft-raffle/internal/db"
	"nft-raffle/internal/escrow"
	"nft-raffle/internal/handlers"
	tgmiddleware "nft-raffle/internal/middleware"
	"nft-raffle/internal/models"
	"nft-raffle/internal/raffle"
	"nft-raffle/internal/services"
)

func main() {
	// 0. Config (.env + environment)
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}
	defer logger.Init("nft-raffle", cfg.Verbose, false, io.Discard).Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Database (local sqlite file or Turso)
	sqlDB, err := db.Open(cfg.DatabaseURL, cfg.AuthToken)
	if err != nil {
		logger.Fatalf("Failed to open database: %v", err)
	}
	defer sqlDB.Close()
	store := db.NewStore(sqlDB)
	logger.Infof("Database ready: %s", cfg.DatabaseURL)

	// 2. Escrow ledger
	ledger, err := escrow.OpenBolt(cfg.EscrowPath)
	if err != nil {
		logger.Fatalf("Failed to open escrow: %v", err)
	}
	defer ledger.Close()

	// 3. Roles
	owner := models.Principal(cfg.Owner)
	guard, err := access.NewGuard(owner, models.Principal(cfg.Operator))
	if err != nil {
		logger.Fatalf("Invalid roles: %v", err)
	}
	if cfg.PayoutAddress != "" {
		if err := guard.SetPayoutAddress(owner, models.Principal(cfg.PayoutAddress)); err != nil {
			logger.Fatalf("Invalid payout address: %v", err)
		}
	}
	// changes made at runtime win over the environment
	settings, err := store.LoadSettings(ctx)
	if err != nil {
		logger.Fatalf("Failed to load settings: %v", err)
	}
	if err := guard.Restore(settings); err != nil {
		logger.Fatalf("Invalid stored roles: %v", err)
	}
	guard.SetStore(store)
	logger.Infof("Operator %s, payouts to %s", guard.Operator(), guard.PayoutAddress())

	// 4. Engine, restored from the archive
	credentials := db.NewCredentials(sqlDB)
	engine, err := raffle.New(raffle.Config{
		TicketPrice: models.Amount(cfg.TicketPrice),
		Interval:    cfg.RoundInterval,
	}, guard, ledger, credentials)
	if err != nil {
		logger.Fatalf("Failed to create engine: %v", err)
	}
	archive, err := store.LoadArchive(ctx)
	if err != nil {
		logger.Fatalf("Failed to load archive: %v", err)
	}
	if err := engine.Restore(archive); err != nil {
		logger.Fatalf("Failed to restore archive: %v", err)
	}
	engine.SetJournal(store)
	logger.Infof("Restored %d round(s) and %d event(s), phase %s", len(archive.Rounds), len(archive.Events), engine.Phase())

	sinks := raffle.Sinks{raffle.LogSink{}}

	// 5. Telegram bot
	if cfg.TelegramToken == "" {
		logger.Warning("TELEGRAM_TOKEN not set. Bot features disabled.")
	} else {
		notifier, err := services.NewNotifier(cfg.TelegramToken, cfg.AdminChatID)
		if err != nil {
			logger.Warningf("Failed to init Telegram bot: %v", err)
		} else {
			notifier.SetStatus(engine.CurrentRound)
			sinks = append(sinks, notifier)
			go notifier.Run(ctx)
		}
	}
	engine.SetSink(sinks)

	// 6. HTTP
	auth := tgmiddleware.Auth{
		BotToken:       cfg.TelegramToken,
		AdminPassword:  cfg.AdminPassword,
		AdminPrincipal: models.Principal(cfg.AdminPrincipal),
		MaxAge:         cfg.InitDataMaxAge,
	}
	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handlers.New(engine, guard, credentials, auth).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Shutdown: %v", err)
		}
	}()

	logger.Infof("Listening on %s", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Errorf("Server closed: %v", err)
		return
	}
	logger.Info("Server closed")
}

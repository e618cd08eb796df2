package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"bossfight/chat"
	"bossfight/config"
	"bossfight/events"
	"bossfight/ledger"
	"bossfight/metrics"
	"bossfight/server"
	"bossfight/service"
)

// Run initializes and starts the application
func Run(ctx context.Context) error {
	log.Info("Starting boss fight server...")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	reg := metrics.NewRegistry()
	bus := events.NewBus()

	log.Info("Initializing ledger client...")
	ledgerClient, err := ledger.New(ledger.Config{
		RPCURL:               cfg.SolanaRPCURL,
		ProgramID:            cfg.ProgramID,
		TreasuryWallet:       cfg.TreasuryWallet,
		AuthorityKeypairPath: cfg.AuthorityKeypairPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize ledger client: %w", err)
	}
	log.WithField("authority", ledgerClient.Authority()).Info("Ledger client initialized")

	interp := service.NewInterpreter(cfg.TriggerKeywords, cfg.HealKeywords)
	settler := service.NewSettler(ledgerClient, reg)
	exporter := service.NewExporter(cfg.ExportDir, cfg.CoinAddress)

	orch := service.NewOrchestrator(service.Options{
		Coin:            cfg.CoinAddress,
		InitialHP:       cfg.InitialHP,
		BettingDuration: cfg.BettingDuration,
		FightDuration:   cfg.FightDuration,
		FeePercentage:   cfg.FeePercentage,
		AdminSecret:     cfg.AdminSecret,
		AdminWallet:     cfg.AdminWallet,
	}, ledgerClient, interp, settler, exporter, bus, reg)
	go orch.Run(ctx)

	hub := server.NewHub(orch, reg)
	hub.Attach(bus)
	go hub.Run()

	ingestor := chat.New(chat.Config{
		URL:  cfg.ChatURL,
		Room: cfg.CoinAddress,
	}, func(ev chat.Event) {
		reg.ChatEvents.Inc()
		orch.HandleChatEvent(ev)
	}, func(st chat.Status) {
		if st.Connected {
			reg.ChatConnected.Set(1)
		} else {
			reg.ChatConnected.Set(0)
		}
		orch.HandleChatStatus(st)
	})
	ingestor.Start()

	api := server.NewAPI(hub, orch, ledgerClient, reg, "./public")
	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: api.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Port).Info("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("Shutting down...")
	ingestor.Stop()
	hub.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithField("error", err).Warn("HTTP shutdown incomplete")
	}

	log.Info("Shutdown completed")
	return nil
}

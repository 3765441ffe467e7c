package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/blackmirrow/market/internal/auth"
	"github.com/blackmirrow/market/internal/config"
	"github.com/blackmirrow/market/internal/dashboard"
	"github.com/blackmirrow/market/internal/deposits"
	"github.com/blackmirrow/market/internal/execution"
	"github.com/blackmirrow/market/internal/handlers"
	"github.com/blackmirrow/market/internal/jobs"
	"github.com/blackmirrow/market/internal/ledger"
	"github.com/blackmirrow/market/internal/middleware"
	"github.com/blackmirrow/market/internal/registry"
	"github.com/blackmirrow/market/internal/repository"
	"github.com/blackmirrow/market/internal/services"
	"github.com/blackmirrow/market/internal/telegram"
	"github.com/blackmirrow/market/internal/ton"
	"github.com/blackmirrow/market/internal/withdrawals"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := repository.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. make dev-up", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("Connected to PostgreSQL database successfully!")

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	if err := repository.Migrate(ctx, pool, logger); err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Migrations applied")

	// TON: one signer per process, deposits watched on the same wallet
	if len(cfg.TON.SeedWords()) == 0 {
		slog.Error("TON_WALLET_SEED is required")
		os.Exit(1)
	}
	rpc := ton.NewRPC(cfg.TON.RPCRate, cfg.TON.RPCRetries, cfg.TON.RPCTimeout)
	chain, err := ton.Dial(ctx, cfg.TON.ConfigURL, cfg.TON.Testnet, rpc)
	if err != nil {
		slog.Error("Failed to connect to TON", "error", err)
		os.Exit(1)
	}
	wallet, err := ton.ResolveWallet(cfg.TON.WalletVersions, chain.WalletFactory(cfg.TON.SeedWords()), cfg.TON.WalletAddress, logger)
	if err != nil {
		slog.Error("Failed to resolve service wallet", "error", err)
		os.Exit(1)
	}
	signer := ton.NewSigner(wallet, rpc, logger)
	slog.Info("Service wallet ready", "address", signer.Address(), "version", signer.Version())
	feed, err := chain.DepositFeed(signer.Address(), cfg.DepositMinConfirmations)
	if err != nil {
		slog.Error("Failed to open deposit feed", "error", err)
		os.Exit(1)
	}

	notifier, err := telegram.New(cfg.TelegramBotToken, logger)
	if err != nil {
		slog.Error("Failed to create Telegram bot", "error", err)
		os.Exit(1)
	}

	// Repositories
	users := repository.NewUserRepo(pool)
	tasks := repository.NewTaskRepo(pool)
	executions := repository.NewExecutionRepo(pool)
	referrals := repository.NewReferralRepo(pool)
	serviceKeys := repository.NewServiceKeyRepo(pool)
	ledgerRepo := ledger.NewRepository(pool)

	if cfg.VerifierAPIKey != "" {
		prefix := cfg.VerifierAPIKey
		if len(prefix) > 8 {
			prefix = prefix[:8]
		}
		if err := serviceKeys.Ensure(ctx, "verifier", middleware.HashKey(cfg.VerifierAPIKey), prefix); err != nil {
			slog.Error("Failed to register verifier key", "error", err)
			os.Exit(1)
		}
	}

	// Services: the enqueuer is bound after the River client exists (breaks init cycle)
	enqueuer := execution.NewEnqueuer()
	ldg := ledger.New(ledgerRepo)
	distributor := services.NewReferralDistributor(ldg, referrals, cfg.ReferralPercent)
	escrow := services.NewEscrow(ldg, distributor, cfg.PlatformFeePercent)

	machine := &services.ExecutionMachine{
		DB:             pool,
		Tasks:          tasks,
		Executions:     executions,
		Users:          users,
		Escrow:         escrow,
		Enqueue:        enqueuer,
		Notifier:       notifier,
		Logger:         logger,
		Hold:           cfg.SubscriptionHold,
		Grace:          cfg.VerificationGrace,
		CommentTimeout: cfg.CommentTimeout,
		BanDuration:    cfg.BanDuration,
	}
	slots := &services.SlotAllocator{
		DB:         pool,
		Tasks:      tasks,
		Executions: executions,
		Users:      users,
		Escrow:     escrow,
		Machine:    machine,
		Logger:     logger,
		DailyLimit: cfg.SubscriptionDailyLimit,
	}
	watcher := &deposits.Watcher{
		DB:               pool,
		Store:            deposits.NewRepository(pool),
		Users:            users,
		Ledger:           ldg,
		Feed:             feed,
		Notifier:         notifier,
		Logger:           logger,
		Address:          signer.Address(),
		MinAmount:        cfg.DepositMinNano,
		MinConfirmations: cfg.DepositMinConfirmations,
	}
	// Every replica signs under the same database lease on the wallet.
	withdrawalRepo := withdrawals.NewRepository(pool)
	signer.WithLocker(withdrawalRepo)
	payouts := &withdrawals.Service{
		DB:            pool,
		Store:         withdrawalRepo,
		Ledger:        ldg,
		Signer:        signer,
		Tracker:       chain,
		Queue:         enqueuer,
		Users:         users,
		Notifier:      notifier,
		Logger:        logger,
		MinAmount:     cfg.WithdrawalMinNano,
		ConfirmWindow: cfg.WithdrawalConfirmWindow,
	}

	validator, err := services.NewValidator()
	if err != nil {
		slog.Error("Schema validator init failed", "error", err)
		os.Exit(1)
	}

	// Background work
	dispatcher := services.NewDispatcher(cfg.VerifierWebhookURL, cfg.VerifierAPIKey, cfg.VerifierCallbackURL, logger)
	workers := river.NewWorkers()
	execution.Register(workers,
		execution.NewVerificationWorker(machine, dispatcher, logger),
		execution.NewHoldExpiryWorker(machine),
		execution.NewWithdrawalBroadcastWorker(payouts),
		execution.NewWithdrawalConfirmWorker(payouts, cfg.WithdrawalConfirmInterval),
	)
	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
		Logger:  logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}
	enqueuer.Bind(riverClient)

	if err := riverClient.Start(ctx); err != nil {
		slog.Error("Failed to start River client", "error", err)
		os.Exit(1)
	}

	scheduler := jobs.NewScheduler(watcher, machine, logger)
	if err := scheduler.Start(ctx, cfg.DepositPollSpec, cfg.CommentSweepSpec); err != nil {
		slog.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}

	// HTTP
	authSvc := auth.NewService(pool, users, auth.Options{
		BotToken:          cfg.TelegramBotToken,
		Secret:            cfg.JWTSecret,
		Expiry:            cfg.JWTExpiry,
		AdminUsername:     cfg.AdminUsername,
		AdminPasswordHash: cfg.AdminPasswordHash,
	}, logger)

	api := &apiHandlers{
		auth:     auth.NewHandler(authSvc, validator, logger),
		registry: registry.NewHandler(registry.NewService(users, cfg.TelegramBotName), validator, logger),
		tasks: &handlers.TaskHandler{
			Slots:     slots,
			Matcher:   services.NewMatcher(tasks),
			Machine:   machine,
			Users:     users,
			Validator: validator,
			Logger:    logger,
		},
		balance: &handlers.BalanceHandler{
			Balances:   ldg,
			Referrals:  users,
			Executions: executions,
			Rates:      cfg.FiatRates,
			DailyLimit: cfg.SubscriptionDailyLimit,
			Logger:     logger,
		},
		deposits:    &deposits.Handler{Watcher: watcher, Users: users, Logger: logger},
		withdrawals: &withdrawals.Handler{Service: payouts, Validator: validator, Logger: logger},
		dashboard:   dashboard.NewHandler(watcher, ldg, ledgerRepo, users, validator, logger),
	}
	mux := http.NewServeMux()
	registerRoutes(mux, api, routeDeps{
		tokens:      authSvc,
		serviceKeys: serviceKeys,
		tasks:       tasks,
		starts:      executions,
		dailyLimit:  cfg.SubscriptionDailyLimit,
		pinger:      pool,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(middleware.Metrics(mux))

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown", "error", err)
	}
	scheduler.Stop()
	if err := riverClient.Stop(shutdownCtx); err != nil {
		slog.Error("River shutdown", "error", err)
	}
}

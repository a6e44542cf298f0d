package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/digkill/promptor/internal/api"
	"github.com/digkill/promptor/internal/auth"
	"github.com/digkill/promptor/internal/cache"
	"github.com/digkill/promptor/internal/config"
	"github.com/digkill/promptor/internal/currency"
	"github.com/digkill/promptor/internal/database"
	"github.com/digkill/promptor/internal/models"
	"github.com/digkill/promptor/internal/notify"
	"github.com/digkill/promptor/internal/outbox"
	"github.com/digkill/promptor/internal/payment"
	"github.com/digkill/promptor/internal/provider"
	"github.com/digkill/promptor/internal/repository"
	"github.com/digkill/promptor/internal/service"
	"github.com/digkill/promptor/internal/storage"
	"github.com/digkill/promptor/internal/telegram"
	"github.com/digkill/promptor/internal/tier"
	"github.com/digkill/promptor/pkg/logger"
)

var version = "dev"

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "promptor",
		Short:        "Credits, tiers and promotions billing service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API and the outbox worker",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or upgrade the database schema",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, logr, db, err := bootstrap(cmd.Context())
				if err != nil {
					return err
				}
				defer db.Close()
				logr.Info("schema up to date", "driver", cfg.DBDriver)
				return nil
			},
		},
		ledgerCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the build version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

func ledgerCmd() *cobra.Command {
	ledger := &cobra.Command{Use: "ledger", Short: "Ledger maintenance"}
	ledger.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Replay every user's transactions and compare with the cached balance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, logr, db, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			l := service.NewLedger(db, repository.NewUserRepository(db), repository.NewTransactionRepository(db), logr)
			mismatches, err := l.Verify(cmd.Context())
			if err != nil {
				return err
			}
			for _, m := range mismatches {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tcached=%d\treplayed=%d\n", m.UserID, m.Cached, m.Replayed)
			}
			if len(mismatches) > 0 {
				return fmt.Errorf("%d balances disagree with the ledger", len(mismatches))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ledger consistent")
			return nil
		},
	})
	return ledger
}

// bootstrap loads configuration, opens the database and applies the schema.
func bootstrap(ctx context.Context) (config.Config, *slog.Logger, *database.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, nil, fmt.Errorf("config: %w", err)
	}
	logr := logger.New(cfg.LogLevel)

	db, err := database.Connect(cfg)
	if err != nil {
		return cfg, nil, nil, fmt.Errorf("database connect: %w", err)
	}
	if err := database.Migrate(ctx, db); err != nil {
		db.Close()
		return cfg, nil, nil, fmt.Errorf("database migrate: %w", err)
	}
	return cfg, logr, db, nil
}

func serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, logr, db, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	pricing := config.DefaultPricing()
	if cfg.PricingFile != "" {
		pricing, err = config.LoadPricing(cfg.PricingFile)
		if err != nil {
			return fmt.Errorf("pricing: %w", err)
		}
	}
	converter, err := currency.FromPricing(pricing)
	if err != nil {
		return fmt.Errorf("currencies: %w", err)
	}
	resolver, err := tier.FromPricing(pricing)
	if err != nil {
		return fmt.Errorf("tiers: %w", err)
	}

	userRepo := repository.NewUserRepository(db)
	txRepo := repository.NewTransactionRepository(db)
	packRepo := repository.NewPackRepository(db)
	promoRepo := repository.NewPromoRepository(db)
	promotionRepo := repository.NewPromotionRepository(db)
	purchaseRepo := repository.NewPurchaseRepository(db)
	redemptionRepo := repository.NewRedemptionRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)

	ledger := service.NewLedger(db, userRepo, txRepo, logr)
	userService := service.NewUserService(userRepo, ledger, resolver, logr)
	packService := service.NewPackService(packRepo, pricing.Plans, converter, cache.New[string, []service.PackView](cfg.CacheTTL), logr)
	promoService := service.NewPromoService(promoRepo, purchaseRepo, redemptionRepo, logr)
	promotionService := service.NewPromotionService(promotionRepo, redemptionRepo, cache.New[string, []models.Promotion](cfg.CacheTTL), logr)

	var (
		gateways []payment.Gateway
		stripeGW *payment.StripeGateway
		midGW    *payment.MidtransGateway
	)
	if cfg.StripeSecretKey != "" {
		stripeGW = payment.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
		gateways = append(gateways, stripeGW)
	}
	if cfg.MidtransServerKey != "" {
		midGW = payment.NewMidtransGateway(cfg.MidtransServerKey, cfg.MidtransProduction, cfg.MidtransCurrency, cfg.MidtransPaymentTypes)
		gateways = append(gateways, midGW)
	}
	if len(gateways) == 0 {
		logr.Warn("no payment gateway configured, only fully discounted checkouts will complete")
	}

	registry := payment.NewRegistry(cfg.DefaultGateway, gateways...)
	checkoutService := service.NewCheckoutService(service.CheckoutDeps{
		DB:          db,
		Purchases:   purchaseRepo,
		Packs:       packRepo,
		Users:       userRepo,
		Outbox:      outboxRepo,
		Ledger:      ledger,
		Promos:      promoService,
		Promotions:  promotionService,
		Resolver:    resolver,
		Converter:   converter,
		Pricing:     pricing,
		Gateways:    registry,
		BaseURL:     cfg.PublicBaseURL,
		MaxAttempts: cfg.ConfirmMaxAttempts,
		Log:         logr,
	})

	providers, err := provider.FromConfig(cfg, pricing, logr)
	if err != nil {
		return fmt.Errorf("providers: %w", err)
	}
	generationService := service.NewGenerationService(providers, ledger, pricing.Costs, logr)

	mailer, err := notify.NewMailer(cfg, logr)
	if err != nil {
		return fmt.Errorf("mailer: %w", err)
	}
	var notifier notify.AdminNotifier = notify.LogNotifier{Log: logr}
	if cfg.TelegramBotToken != "" {
		tg, err := telegram.NewNotifier(cfg.TelegramBotToken, cfg.TelegramAdminChatID, logr)
		if err != nil {
			return fmt.Errorf("telegram notifier: %w", err)
		}
		notifier = tg
	}

	receipts := &outbox.ReceiptHandler{
		Purchases: purchaseRepo,
		Users:     userRepo,
		Packs:     packRepo,
		Pricing:   pricing,
		Converter: converter,
		Mailer:    mailer,
		Log:       logr,
	}
	if cfg.StorageEnabled() {
		store, err := storage.NewReceiptStore(storage.Config{
			Endpoint:      cfg.S3Endpoint,
			Region:        cfg.S3Region,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Bucket:        cfg.S3Bucket,
			PublicBaseURL: cfg.S3PublicBaseURL,
			UsePathStyle:  cfg.S3UsePathStyle,
			Prefix:        cfg.S3Prefix,
		})
		if err != nil {
			return fmt.Errorf("receipt storage: %w", err)
		}
		receipts.Store = store
	}

	worker := outbox.NewWorker(outboxRepo, outbox.Options{
		PollInterval: cfg.OutboxPollInterval,
		MaxAttempts:  cfg.OutboxMaxAttempts,
		Concurrency:  cfg.OutboxConcurrency,
	}, logr)
	worker.Handle(models.TaskPurchaseReceipt, receipts.Handle)
	worker.Handle(models.TaskAdminNotify, outbox.AdminNotifyHandler(notifier))

	authProvider, err := auth.NewProvider(ctx, cfg)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	deps := api.Deps{
		Addr:           cfg.HTTPListenAddr,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
		WebhookTimeout: cfg.WebhookTimeout,
		Log:            logr,
		Auth:           authProvider,
		Policy:         auth.NewPolicy(cfg.AdminEmails),
		Users:          userService,
		Ledger:         ledger,
		Packs:          packService,
		Promos:         promoService,
		Promotions:     promotionService,
		Checkout:       checkoutService,
		Generation:     generationService,
	}
	// Left nil when unset so the webhook route answers "not configured".
	if stripeGW != nil {
		deps.Stripe = stripeGW
	}
	if midGW != nil {
		deps.Midtrans = midGW
	}
	server := api.NewServer(deps)

	logr.Info("promptor starting",
		"version", version,
		"gateways", registry.Names(),
		"models", providers.Models(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if mismatches, err := ledger.Verify(gctx); err != nil {
					logr.Error("ledger verify", "err", err)
				} else if len(mismatches) > 0 {
					logr.Error("ledger mismatch", "count", len(mismatches))
					msg := fmt.Sprintf("Ledger verification found %d inconsistent balances", len(mismatches))
					if err := notifier.Notify(gctx, msg); err != nil {
						logr.Error("ledger mismatch notify", "err", err)
					}
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		logr.Error("promptor stopped", "err", err)
		return err
	}
	logr.Info("promptor stopped")
	return nil
}

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"lucidpay/config"
	"lucidpay/core/compliance"
	"lucidpay/core/fees"
	"lucidpay/core/payout"
	"lucidpay/core/route"
	"lucidpay/core/types"
	"lucidpay/events"
	"lucidpay/gateway"
	"lucidpay/ledger"
	"lucidpay/observability/logging"
	telemetry "lucidpay/observability/otel"
	"lucidpay/storage"
	"lucidpay/wallet"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "payoutd.yaml", "path to payout service configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logging.Setup("lucid-payoutd", "", "info").Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.Service, cfg.Environment, cfg.LogLevel)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv(cfg.Service, cfg.Environment))
	if err != nil {
		logger.Error("initialise telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("payout service stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	dsn, err := storage.FileDSN(cfg.StoragePath)
	if err != nil {
		return err
	}
	store, err := storage.Open(dsn)
	if err != nil {
		return err
	}
	defer store.Close()

	eventLog, err := events.Open(events.Config{
		Path:       cfg.EventLog.Path,
		MaxSizeMB:  cfg.EventLog.MaxSizeMB,
		MaxBackups: cfg.EventLog.MaxBackups,
		MaxAgeDays: cfg.EventLog.MaxAgeDays,
		Compress:   cfg.EventLog.Compress,
	})
	if err != nil {
		return err
	}
	defer eventLog.Close()

	signingKey, err := ethcrypto.HexToECDSA(strings.TrimPrefix(cfg.Ledger.SignerKey, "0x"))
	if err != nil {
		return fmt.Errorf("parse ledger signer key: %w", err)
	}
	client, err := ledger.NewHTTPClient(ledger.Config{
		BaseURL:    cfg.Ledger.Endpoint,
		APIKey:     cfg.Ledger.APIKey,
		SigningKey: signingKey,
		Timeout:    cfg.Ledger.RequestTimeout.Duration,
	})
	if err != nil {
		return err
	}
	logger.Info("ledger client configured",
		"endpoint", cfg.Ledger.Endpoint,
		logging.MaskField("api_key", cfg.Ledger.APIKey),
		logging.MaskField("signer_key", cfg.Ledger.SignerKey))

	authorityBytes, err := hex.DecodeString(strings.TrimPrefix(cfg.Compliance.AuthorityKey, "0x"))
	if err != nil {
		return fmt.Errorf("decode compliance authority key: %w", err)
	}
	authority, err := ethcrypto.UnmarshalPubkey(authorityBytes)
	if err != nil {
		return fmt.Errorf("parse compliance authority key: %w", err)
	}
	verifier, err := compliance.NewVerifier(authority,
		compliance.WithMaxValidity(cfg.Compliance.SignatureValidity.Duration))
	if err != nil {
		return err
	}
	registry, err := compliance.NewRegistry(verifier,
		compliance.WithValidity(cfg.Compliance.KYCValidity.Duration),
		compliance.WithSweepInterval(cfg.Compliance.SweepInterval.Duration),
		compliance.WithRecordStore(store),
		compliance.WithRegistryEvents(eventLog),
		compliance.WithRegistryLogger(logger))
	if err != nil {
		return err
	}
	if err := registry.Restore(ctx); err != nil {
		return err
	}
	if err := registry.Start(ctx); err != nil {
		return err
	}
	defer registry.Stop()

	estimator, err := fees.NewEstimator(client)
	if err != nil {
		return err
	}

	openLimits, err := routeLimits(cfg.Routes.Open)
	if err != nil {
		return fmt.Errorf("open route: %w", err)
	}
	openRoute, err := route.NewOpen(route.OpenConfig{
		Treasury: cfg.Routes.Treasury,
		Limits:   openLimits,
	}, client, route.WithOpenQuoter(estimator), route.WithOpenLogger(logger))
	if err != nil {
		return err
	}
	kycLimits, err := routeLimits(cfg.Routes.KYC)
	if err != nil {
		return fmt.Errorf("kyc route: %w", err)
	}
	kycRoute, err := route.NewKYC(route.KYCConfig{
		Treasury: cfg.Routes.Treasury,
		Limits:   kycLimits,
	}, client, registry, verifier, route.WithKYCQuoter(estimator), route.WithKYCLogger(logger))
	if err != nil {
		return err
	}

	dailyCap, err := types.ParseAmount(cfg.Payouts.DailyCap)
	if err != nil {
		return fmt.Errorf("payouts daily_cap: %w", err)
	}
	hourlyCap, err := types.ParseAmount(cfg.Payouts.HourlyCap)
	if err != nil {
		return fmt.Errorf("payouts hourly_cap: %w", err)
	}
	orchestrator, err := payout.New(payout.Config{
		Limits: payout.LimitConfig{DailyCap: dailyCap, HourlyCap: hourlyCap},
		Breaker: payout.BreakerConfig{
			FailureThreshold: cfg.Payouts.BreakerThreshold,
			RecoveryTimeout:  cfg.Payouts.BreakerRecovery.Duration,
			SuccessThreshold: cfg.Payouts.BreakerHalfOpen,
		},
		MaxBatchSize:      cfg.Payouts.MaxBatchSize,
		MaxConcurrent:     cfg.Payouts.MaxConcurrent,
		MaxRetries:        cfg.Payouts.MaxRetries,
		BatchInterval:     cfg.Payouts.BatchInterval.Duration,
		ConfirmInterval:   cfg.Payouts.ConfirmInterval.Duration,
		RetentionPeriod:   cfg.Payouts.RetentionPeriod.Duration,
		RetentionInterval: cfg.Payouts.RetentionInterval.Duration,
	}, []route.Executor{openRoute, kycRoute}, client,
		payout.WithStore(store),
		payout.WithEvents(eventLog),
		payout.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := orchestrator.Restore(ctx); err != nil {
		return err
	}
	if err := orchestrator.Start(ctx); err != nil {
		return err
	}
	defer orchestrator.Stop()

	walletManager, err := buildWalletManager(ctx, cfg, client, store, eventLog, logger)
	if err != nil {
		return err
	}
	if walletManager != nil {
		if err := walletManager.Start(ctx); err != nil {
			return err
		}
		defer walletManager.Stop()
	}

	server, err := gateway.New(gateway.Config{
		RateLimit: gateway.RateLimit{
			PerSecond: cfg.Gateway.RatePerSecond,
			Burst:     cfg.Gateway.RateBurst,
		},
	}, orchestrator, registry, estimator, walletManager, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      http.TimeoutHandler(server.Handler(), cfg.Gateway.RequestTimeout.Duration, "request timed out"),
		ReadTimeout:  cfg.Gateway.ReadTimeout.Duration,
		WriteTimeout: cfg.Gateway.WriteTimeout.Duration,
		IdleTimeout:  cfg.Gateway.IdleTimeout.Duration,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("payout gateway listening", "address", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown http server", "error", err)
	}
	return nil
}

// buildWalletManager wires the wallet adapter when a master key is
// configured. Hardware and multisig signers are deployment integrations and
// register their executors out of band.
func buildWalletManager(ctx context.Context, cfg config.Config, client *ledger.HTTPClient, store *storage.Storage, eventLog *events.Log, logger *slog.Logger) (*wallet.Manager, error) {
	if strings.TrimSpace(cfg.Wallets.MasterKey) == "" {
		logger.Info("wallet adapter disabled: no master key configured")
		return nil, nil
	}
	masterKey, err := hex.DecodeString(strings.TrimPrefix(cfg.Wallets.MasterKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode wallet master key: %w", err)
	}
	cipher, err := wallet.NewAESCipher(masterKey)
	if err != nil {
		return nil, err
	}
	executors := wallet.NewExecutorRegistry(
		wallet.NewSoftwareExecutor(cipher, client),
		wallet.NewNativeExecutor(client),
		wallet.NewExternalExecutor(0),
	)
	manager, err := wallet.NewManager(wallet.ManagerConfig{
		SessionIdleTimeout: cfg.Wallets.SessionIdleTimeout.Duration,
		InactivityHorizon:  cfg.Wallets.InactivityHorizon.Duration,
		RotationInterval:   cfg.Wallets.RotationInterval.Duration,
		MaxSessions:        cfg.Wallets.MaxSessions,
	}, executors, client,
		wallet.WithManagerStore(store),
		wallet.WithManagerEvents(eventLog),
		wallet.WithManagerLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := manager.Restore(ctx); err != nil {
		return nil, err
	}
	return manager, nil
}

func routeLimits(cfg config.RouteConfig) (route.Limits, error) {
	limits := route.Limits{FeeLimitSun: cfg.FeeLimitSun}
	var err error
	if limits.MinAmount, err = types.ParseAmount(cfg.MinAmount); err != nil {
		return route.Limits{}, fmt.Errorf("min_amount: %w", err)
	}
	if limits.MaxAmount, err = types.ParseAmount(cfg.MaxAmount); err != nil {
		return route.Limits{}, fmt.Errorf("max_amount: %w", err)
	}
	if limits.DailyCap, err = types.ParseAmount(cfg.DailyCap); err != nil {
		return route.Limits{}, fmt.Errorf("daily_cap: %w", err)
	}
	return limits, nil
}

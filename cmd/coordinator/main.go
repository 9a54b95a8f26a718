package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"cyberherd/config"
	"cyberherd/internal/broadcast"
	"cyberherd/internal/database"
	"cyberherd/internal/feeder"
	"cyberherd/internal/herd"
	"cyberherd/internal/messaging"
	"cyberherd/internal/nostr"
	"cyberherd/internal/recovery"
	"cyberherd/internal/splittarget"
	"cyberherd/internal/wallet"
	"cyberherd/internal/zapfeed"
	"cyberherd/internal/zappipeline"
	"cyberherd/pkg/cache"
	"cyberherd/pkg/logger"
	"cyberherd/pkg/queue"

	"github.com/gorilla/websocket"
	"github.com/jinzhu/copier"
	"go.uber.org/zap"
)

var Cfg config.CyberHerdConfig

const (
	consumerShutdownGrace = 2 * time.Second
	walletShutdownGrace   = 5 * time.Second
	storeShutdownGrace    = 5 * time.Second
	admissionLockTTL      = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := logger.Init(logger.GetEnv()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	_, filename, _, _ := runtime.Caller(0)
	root := filepath.Dir(filename)
	configPath := config.Path(root).Join("config.toml", "..", "..")

	if err := config.Load(configPath, &Cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var redisCfg cache.Config
	if err := copier.Copy(&redisCfg, &Cfg.Redis); err != nil {
		return fmt.Errorf("failed to copy cache config: %w", err)
	}
	if err := cache.Init(redisCfg); err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cache.Close()

	var dbCfg database.Config
	if err := copier.Copy(&dbCfg, &Cfg.Database); err != nil {
		return fmt.Errorf("failed to copy database config: %w", err)
	}
	db, err := database.NewDB(dbCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database connection: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	encryptionKey, err := base64.StdEncoding.DecodeString(Cfg.Secrets.EncryptionKeyBase64)
	if err != nil {
		return fmt.Errorf("failed to decode secret encryption key: %w", err)
	}
	secretRepo := database.NewSecretConfigRepository(db, encryptionKey)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := seedSecrets(ctx, secretRepo); err != nil {
		return fmt.Errorf("failed to persist operator secrets: %w", err)
	}

	herdRepo := database.NewHerdRepository(db)
	zapRepo := database.NewProcessedZapRepository(db)
	cacheRepo := database.NewCacheRepository(db)
	metricsRepo := database.NewPaymentMetricsRepository(db)

	httpClient := &http.Client{Timeout: 5 * time.Second}

	walletClient := wallet.New(wallet.Config{
		BaseURL:     Cfg.Wallet.BaseURL,
		MainAPIKey:  Cfg.Wallet.MainAPIKey,
		SplitAPIKey: Cfg.Wallet.SplitAPIKey,
		HTTPClient:  httpClient,
	})

	feederClient := feeder.New(feeder.Config{
		BaseURL:    Cfg.Feeder.BaseURL,
		Username:   Cfg.Feeder.Username,
		Password:   Cfg.Feeder.Password,
		HTTPClient: httpClient,
	})

	nostrClient := nostr.New(ctx, nostr.Config{
		DefaultRelays:  Cfg.Nostr.DefaultRelays,
		SelfPubkeyHex:  Cfg.Nostr.SelfPubkeyHex,
		SelfSecretHex:  Cfg.Nostr.SelfSecretHex,
		QueryTimeout:   8 * time.Second,
		PublishTimeout: 15 * time.Second,
	})

	synchronizer := splittarget.New(herdRepo, cacheRepo, walletClient, Cfg.Wallet.FallbackLud16, Cfg.Wallet.FallbackAlias)

	messages := messaging.NewTemplateBuilder(nil)
	bus := broadcast.New()

	admissionLock := cache.NewLock("cyberherd:admission-lock", admissionLockTTL)

	herdEngine := herd.New(herd.Config{
		DB:              db,
		HerdRepo:        herdRepo,
		ZapRepo:         zapRepo,
		MetricsRepo:     metricsRepo,
		Synchronizer:    synchronizer,
		Messages:        messages,
		Bus:             bus,
		NostrClient:     nostrClient,
		MaxHerdSize:     Cfg.Herd.MaxHerdSize,
		HeadbuttMinSats: Cfg.Herd.HeadbuttMinSats,
		DistributedLock: admissionLock,
	})

	initialBalance, err := walletClient.BalanceSats(ctx)
	if err != nil {
		logger.Warn("failed to read initial wallet balance, starting from zero", zap.Error(err))
		initialBalance = 0
	}
	state := zappipeline.NewAppState(initialBalance)

	streamQueue := queue.NewStreamQueue(cache.Client)

	pipeline := zappipeline.New(zappipeline.Config{
		State:             state,
		HerdEngine:        herdEngine,
		HerdRepo:          herdRepo,
		ZapRepo:           zapRepo,
		CacheRepo:         cacheRepo,
		MetricsRepo:       metricsRepo,
		FeederClient:      feederClient,
		WalletClient:      walletClient,
		NostrClient:       nostrClient,
		Synchronizer:      synchronizer,
		Messages:          messages,
		Bus:               bus,
		Queue:             streamQueue,
		ConsumerName:      "coordinator-1",
		TriggerAmountSats: int64(Cfg.Herd.TriggerAmountSats),
	})

	if err := pipeline.DeclareQueue(ctx); err != nil {
		return fmt.Errorf("failed to declare cyberherd queue: %w", err)
	}

	recoveryEngine := recovery.New(nostrClient, zapRepo, cacheRepo, herdEngine, pipeline)

	logger.Info("running startup recovery")
	if err := recoveryEngine.Run(ctx); err != nil {
		logger.Error("startup recovery failed", zap.Error(err))
	}

	go pipeline.RunCyberherdWorker(ctx)
	go recoveryEngine.RunRepostTracker(ctx)
	go runDailyResetScheduler(ctx, herdEngine)

	feedConsumer := zapfeed.New(Cfg.Nostr.FeedWebSocketURL, pipeline.Handle)
	go feedConsumer.Run(ctx)

	mux := http.NewServeMux()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("failed to upgrade websocket subscriber", zap.Error(err))
			return
		}
		bus.Subscribe(conn)
	})

	server := &http.Server{Addr: ":8080", Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped unexpectedly", zap.Error(err))
		}
	}()

	logger.Info("coordinator started successfully")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), consumerShutdownGrace)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	walletCtx, walletCancel := context.WithTimeout(context.Background(), walletShutdownGrace)
	defer walletCancel()
	if _, err := walletClient.BalanceSats(walletCtx); err != nil {
		logger.Warn("final wallet balance check failed during shutdown", zap.Error(err))
	}

	storeCtx, storeCancel := context.WithTimeout(context.Background(), storeShutdownGrace)
	defer storeCancel()
	if err := db.Ping(storeCtx); err != nil {
		logger.Warn("store unreachable during shutdown", zap.Error(err))
	}

	return nil
}

// seedSecrets upserts the operator-supplied credentials into secret_config,
// encrypted at rest, so a database dump alone never discloses live
// credentials. Config remains the source of truth at process start.
func seedSecrets(ctx context.Context, repo *database.SecretConfigRepository) error {
	secrets := map[string]string{
		"wallet_main_api_key":  Cfg.Wallet.MainAPIKey,
		"wallet_split_api_key": Cfg.Wallet.SplitAPIKey,
		"feeder_password":      Cfg.Feeder.Password,
		"nostr_self_secret":    Cfg.Nostr.SelfSecretHex,
	}
	for key, value := range secrets {
		if value == "" {
			continue
		}
		if err := repo.Put(ctx, key, value); err != nil {
			return fmt.Errorf("seed secret %s: %w", key, err)
		}
	}
	return nil
}

func runDailyResetScheduler(ctx context.Context, engine *herd.Engine) {
	for {
		now := time.Now().UTC()
		nextMidnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
		timer := time.NewTimer(nextMidnight.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if err := engine.DailyReset(ctx); err != nil {
				logger.Error("daily reset failed", zap.Error(err))
			}
		}
	}
}

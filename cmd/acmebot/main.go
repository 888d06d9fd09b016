package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	v1 "go_acmebot/api/v1"
	"go_acmebot/internal/acme"
	"go_acmebot/internal/ari"
	"go_acmebot/internal/auth"
	"go_acmebot/internal/cache"
	"go_acmebot/internal/config"
	"go_acmebot/internal/db"
	"go_acmebot/internal/dns"
	"go_acmebot/internal/dns/providers"
	"go_acmebot/internal/httpx"
	"go_acmebot/internal/logging"
	"go_acmebot/internal/notify"
	"go_acmebot/internal/scheduler"
	"go_acmebot/internal/vault"
	"go_acmebot/internal/workflow"
	"go_acmebot/internal/ws"
)

func main() {
	iniPath := flag.String("config", "", "path to an INI config file (environment variables override it)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Load configuration
	var (
		cfg *config.Config
		err error
	)
	if *iniPath != "" {
		cfg, err = config.LoadFromINI(*iniPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. Initialize logging
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	httpx.SetLogger(logger)
	auth.InitJWT(cfg.JWT.Secret)
	logger.Info("✓ Configuration loaded")

	// 3. Initialize MySQL
	gdb, err := db.InitMySQL(cfg.MySQL.DSN)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize MySQL")
	}
	defer db.Close(gdb)
	logger.Info("✓ MySQL connected")

	if cfg.Migrate {
		if err := db.Migrate(gdb, logger); err != nil {
			logger.WithError(err).Fatal("Failed to migrate database")
		}
	}
	if cfg.Admin.Password != "" {
		created, err := auth.EnsureUser(ctx, gdb, cfg.Admin.Username, cfg.Admin.Password)
		if err != nil {
			logger.WithError(err).Fatal("Failed to seed admin user")
		}
		if created {
			logger.WithField("username", cfg.Admin.Username).Info("✓ Admin user created")
		}
	}

	// 4. Initialize Redis and choose the record locker
	lockTTL := time.Duration(cfg.DNS.LockTTLSec) * time.Second
	var locker dns.RecordLocker
	if cfg.Redis.Enabled {
		client, err := cache.InitRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize Redis")
		}
		defer client.Close()
		locker = dns.NewRedisLocker(client, lockTTL)
		logger.Info("✓ Redis connected, record locks are shared")
	} else {
		locker = dns.NewLocalLocker(lockTTL)
		logger.Info("✓ Redis disabled, record locks are in-process")
	}

	// 5. DNS providers
	providerList, err := providers.New(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize DNS providers")
	}
	coordinator, err := dns.NewCoordinator(dns.CoordinatorConfig{
		Providers: providerList,
		Locker:    locker,
		Logger:    logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize DNS coordinator")
	}
	logger.WithField("providers", coordinator.ProviderNames()).Info("✓ DNS providers initialized")

	// 6. ACME session
	session, err := acme.NewLegoSession(ctx, acme.SessionConfig{
		DirectoryURL: cfg.Acme.Endpoint,
		Email:        cfg.Acme.ContactEmail,
		EABKid:       cfg.Acme.EABKid,
		EABHmacKey:   cfg.Acme.EABHmacKey,
		Accounts:     acme.NewAccountStore(gdb),
		Logger:       logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize ACME session")
	}
	logger.WithField("account", session.Account().AccountURL).Info("✓ ACME account ready")

	// 7. Vault, notifier, engine and evaluator
	certVault := vault.NewStore(vault.StoreConfig{
		DB:       gdb,
		Issuer:   cfg.Vault.Issuer,
		Endpoint: cfg.Vault.Endpoint,
		Logger:   logger,
	})
	engine, err := workflow.NewEngine(workflow.EngineConfig{
		Store:          workflow.NewStore(gdb),
		Session:        session,
		Coordinator:    coordinator,
		Resolver:       dns.NewResolver(cfg.DNS.Nameservers, time.Duration(cfg.DNS.VerifyTimeoutSec)*time.Second),
		Vault:          certVault,
		Notifier:       notify.New(cfg.Webhook.URL, logger),
		Logger:         logger,
		PreferredChain: cfg.Acme.PreferredChain,
		MaxRun:         time.Duration(cfg.Workflow.MaxRunSec) * time.Second,
		Concurrency:    cfg.Workflow.Concurrency,
		RetryJitter:    time.Minute,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize workflow engine")
	}
	evaluator := ari.NewEvaluator(ari.EvaluatorConfig{
		Fetcher:               ari.NewClient(nil).WithSource(session),
		UseARI:                cfg.Acme.UseARI,
		RenewBeforeExpiryDays: cfg.Acme.RenewBeforeExpiryDays,
		Logger:                logger,
	})

	hub := ws.NewHub(engine, logger)
	engine.AddObserver(hub)
	logger.Infof("✓ %s initialized", engine)

	// 8. Resume instances left running by a previous process
	resumed, err := engine.ResumePending(ctx)
	if err != nil {
		logger.WithError(err).Fatal("Failed to resume pending workflows")
	}
	logger.WithField("count", resumed).Info("✓ Pending workflows resumed")

	// 9. Renew worker and socket.io
	renewWorker := scheduler.NewRenewWorker(&scheduler.Config{
		DB:             gdb,
		Vault:          certVault,
		Evaluator:      evaluator,
		Engine:         engine,
		Logger:         logger,
		RenewalInfoURL: session.RenewalInfoURL,
		Enabled:        cfg.RenewWorker.Enabled,
		IntervalSec:    cfg.RenewWorker.IntervalSec,
		MaxJitterSec:   cfg.RenewWorker.MaxJitterSec,
	})
	renewWorker.Start()
	logger.Info("✓ Renew worker started")

	go hub.Serve()
	logger.Info("✓ Socket.IO server started")

	// 10. Gin router
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	v1.SetupRouter(r, v1.Deps{
		DB:     gdb,
		Config: cfg,
		Engine: engine,
		Vault:  certVault,
		Zones:  coordinator,
		Logger: logger,
		Socket: hub.Handler(),
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		logger.Infof("✓ Server starting on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown failed")
	}
	renewWorker.Stop()
	engine.Stop()
	if err := hub.Close(); err != nil {
		logger.WithError(err).Warn("Socket.IO server close failed")
	}
	logger.Info("✓ Shutdown complete")
}

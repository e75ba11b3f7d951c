package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/webasset-gate/internal/audit"
	"github.com/xela07ax/webasset-gate/internal/broker"
	"github.com/xela07ax/webasset-gate/internal/browser"
	"github.com/xela07ax/webasset-gate/internal/catalog"
	"github.com/xela07ax/webasset-gate/internal/connectors"
	"github.com/xela07ax/webasset-gate/internal/console/handler"
	"github.com/xela07ax/webasset-gate/internal/console/server"
	"github.com/xela07ax/webasset-gate/internal/domain"
	"github.com/xela07ax/webasset-gate/internal/engine"
	"github.com/xela07ax/webasset-gate/internal/infra"
	"github.com/xela07ax/webasset-gate/internal/infra/auth"
	"github.com/xela07ax/webasset-gate/internal/policy"
	"github.com/xela07ax/webasset-gate/internal/repository"
	"github.com/xela07ax/webasset-gate/internal/repository/redisstore"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	cfg, err := infra.LoadConfigFrom(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("gate stopped with error", zap.Error(err))
	}
	logger.Info("gate exited properly")
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст для управления жизненным циклом фоновых горутин
	appCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		return err
	}

	// 1. Инфраструктура и ресурсы
	store, closeStore, err := repository.OpenAuditStore(appCtx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	cat := catalog.Builtin()
	if cfg.Catalog.Path != "" {
		if cat, err = catalog.Load(cfg.Catalog.Path); err != nil {
			return err
		}
	}

	var rdb *redis.Client
	var overrides policy.OverrideRepository
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		overrides = redisstore.NewPolicyRepo(rdb)
	}

	// 2. Control Plane: политики и блокировка операторов
	enforcer := policy.NewMemoEnforcer(cat.Policies(), overrides, logger)
	if err := enforcer.Refresh(appCtx); err != nil {
		// Стартуем на каталоге, listener догонит при переподключении
		logger.Error("initial policy refresh failed", zap.Error(err))
	}

	// 3. Хранилище секретов под защитным контуром
	vaultRel := connectors.NewReliabilityWrapper(connectors.ReliabilityConfig{
		Name:          "infisical",
		MaxRequests:   cfg.Vault.CBMaxRequests,
		Interval:      cfg.Vault.CBInterval,
		Timeout:       cfg.Vault.CBTimeout,
		RateLimit:     cfg.Vault.RateLimit,
		CallTimeout:   cfg.Vault.Timeout,
		OnStateChange: metrics.BreakerObserver(),
	})
	vault := connectors.NewInfisicalClient(connectors.InfisicalConfig{
		URL:         cfg.Vault.URL,
		Token:       cfg.Vault.Token,
		Environment: cfg.Vault.Environment,
	}, nil, vaultRel, logger)

	brk := broker.New(vault, cat, enforcer, broker.Config{
		PathTemplate:     cfg.Vault.PathTemplate,
		CustomAssetsPath: cfg.Vault.CustomAssetsPath,
	}, logger)

	// 4. Журнал: локально всегда, наверх — по флагу
	var mirror audit.Mirror
	var forwarder *audit.Forwarder
	if cfg.Audit.Forward.Enabled {
		jsRel := connectors.NewReliabilityWrapper(connectors.ReliabilityConfig{
			Name:          "jumpserver",
			MaxRequests:   3,
			Interval:      5 * time.Second,
			Timeout:       30 * time.Second,
			CallTimeout:   cfg.Audit.Forward.Timeout,
			OnStateChange: metrics.BreakerObserver(),
		})
		sink := connectors.NewJumpServerClient(cfg.Audit.Forward.URL, cfg.Audit.Forward.Token, nil, jsRel)
		forwarder = audit.NewForwarder(sink, cfg.Audit.Forward.QueueSize, logger,
			audit.WithForwardMetrics(metrics.AuditForwardFailures, metrics.AuditForwardDropped, metrics.AuditQueueDepth),
			audit.WithSendTimeout(cfg.Audit.Forward.Timeout))
		forwarder.Start()
		mirror = forwarder
	}
	trail := audit.NewTrail(store, mirror, logger)

	// 5. Execution Layer: общий процесс браузера
	recipients, err := browser.ParseRecipients(cfg.Browser.RecordRecipients)
	if err != nil {
		return err
	}
	chrome, err := browser.NewChromeEngine(appCtx, browser.ChromeConfig{
		RemoteURL:      cfg.Browser.RemoteURL,
		Headless:       cfg.Browser.Headless,
		UserAgent:      cfg.Browser.UserAgent,
		Width:          cfg.Browser.Width,
		Height:         cfg.Browser.Height,
		RecordInterval: cfg.Browser.RecordInterval,
		Recipients:     recipients,
	}, logger)
	if err != nil {
		return err
	}
	defer chrome.Close() //nolint:errcheck

	// 6. Core: оркестратор сессий
	opts := []engine.Option{engine.WithMetrics(metrics)}
	var lockout *engine.LockoutManager
	if rdb != nil {
		lockout = engine.NewLockoutManager(redisstore.NewOperatorRepo(rdb), logger)
		opts = append(opts, engine.WithLockout(lockout))
	}
	orch := engine.New(engine.Config{
		DefaultTimeout:    cfg.Session.DefaultTimeout,
		MaxTimeout:        cfg.Session.MaxTimeout,
		CredentialTimeout: cfg.Session.CredentialTimeout,
		NavigationTimeout: cfg.Session.NavigationTimeout,
		SelectorTimeout:   cfg.Session.SelectorTimeout,
		ShutdownBudget:    cfg.Session.ShutdownBudget,
		TerminalRetention: cfg.Session.TerminalRetention,
		KioskMode:         cfg.Session.KioskMode,
		RecordDir:         cfg.Browser.RecordDir,
	}, enforcer, brk, trail, chrome, logger, opts...)

	var admin *handler.AdminHandler
	if rdb != nil {
		lockout.OnBlock(func(ownerID string) {
			n := orch.StopOwnerSessions(context.Background(), ownerID, domain.TriggerLockout)
			logger.Warn("operator locked out", zap.String("owner_id", ownerID), zap.Int("sessions_stopped", n))
		})
		if err := lockout.Init(appCtx); err != nil {
			logger.Error("initial lockout sync failed", zap.Error(err))
		}
		go lockout.StartListener(appCtx, rdb)
		go enforcer.StartListener(appCtx, rdb)

		admin = handler.NewAdminHandler(redisstore.NewOperatorRepo(rdb), redisstore.NewPolicyRepo(rdb), cfg.Auth.AdminGroup, logger)
	}

	// 7. HTTP API
	console := server.NewConsoleServer(auth.NewBaseValidator(pubKey), server.Handlers{
		Health:  handler.NewHealthHandler(time.Now()),
		Auth:    handler.NewAuthHandler(trail, logger),
		Asset:   handler.NewAssetHandler(brk),
		Session: handler.NewSessionHandler(orch, logger),
		Audit:   handler.NewAuditHandler(trail, logger),
		Admin:   admin,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      console,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Экспортируем метрики для Prometheus
	metricsSrv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var grpcSrv *engine.HealthServer
	if cfg.GRPC.Port > 0 {
		lis, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(cfg.GRPC.Port)))
		if err != nil {
			return err
		}
		grpcSrv = engine.NewHealthServer(logger)
		go func() {
			if err := grpcSrv.Serve(lis); err != nil {
				logger.Error("gRPC health server failed", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("metrics server started", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("gate started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 8. Graceful Shutdown
	var runErr error
	select {
	case <-appCtx.Done():
		logger.Info("gate stopping")
	case runErr = <-errCh:
		logger.Error("server failed, stopping", zap.Error(runErr))
	}

	if grpcSrv != nil {
		grpcSrv.SetServing(false)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}

	// Сессии освобождаются со своим бюджетом, независимо от таймаута HTTP
	if err := orch.Shutdown(context.Background()); err != nil {
		logger.Error("orchestrator shutdown incomplete", zap.Error(err))
	}
	if forwarder != nil {
		fwdCtx, fwdCancel := context.WithTimeout(context.Background(), cfg.Audit.Forward.Timeout)
		if err := forwarder.Stop(fwdCtx); err != nil {
			logger.Warn("audit forwarder did not drain", zap.Error(err))
		}
		fwdCancel()
	}
	if grpcSrv != nil {
		grpcSrv.Stop(shutdownCtx)
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
	return runErr
}

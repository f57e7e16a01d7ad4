package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailrelay/backend/internal/config"
	"mailrelay/backend/internal/health"
	"mailrelay/backend/internal/logger"
	"mailrelay/backend/internal/monitoring"
	"mailrelay/backend/internal/outbound"
	"mailrelay/backend/internal/pool"
	"mailrelay/backend/internal/service"
	"mailrelay/backend/internal/smtp"
	"mailrelay/backend/internal/storage"
	"mailrelay/backend/internal/storage/hybrid"
	"mailrelay/backend/internal/storage/memory"
	httptransport "mailrelay/backend/internal/transport/http"
)

// main 启动 SMTP 收件转发服务和运维 HTTP 接口。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.NewLogger(logger.FromConfig(cfg.Log))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting mailrelay server",
		zap.Strings("domains", cfg.Mailbox.AllowedDomains),
		zap.String("smtp_addr", cfg.SMTP.BindAddr),
		zap.String("outbound", cfg.Outbound.Transport),
		zap.String("log_level", cfg.Log.Level),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 初始化存储层
	store, sqlDB, redisPinger, err := initializeStorage(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}

	metrics := monitoring.NewMetrics()

	// 事务队列：保留期为 0 时不记录
	queue := service.NewTransactionQueue(cfg.Transaction.MaxAge != 0)

	// 外发工作池
	workers := pool.NewWorkerPool(cfg.Forward.Workers, cfg.Forward.QueueSize, log)
	workers.SetMetrics(metrics)
	workers.Start()

	sender, err := outbound.New(ctx, cfg.Outbound, log)
	if err != nil {
		log.Fatal("failed to initialize outbound sender", zap.Error(err))
	}
	log.Info("outbound sender ready", zap.String("sender", sender.Name()))

	gate := service.NewRecipientGate(cfg.Mailbox.AllowedDomains, queue, log)
	gate.SetMetrics(metrics)

	dispatcher := service.NewDispatcher(store, queue, sender, workers, service.DispatcherConfig{
		Loop: service.LoopMarker{
			Header: cfg.Forward.LoopHeader,
			Prefix: cfg.Forward.LoopPrefix,
		},
		Rewrite:         cfg.Forward.RewriteMessage,
		MaxMessageBytes: cfg.SMTP.MaxMessageBytes,
		SendTimeout:     cfg.Forward.SendTimeout,
	}, log)
	dispatcher.SetMetrics(metrics)

	// 投递使用独立 context，等 SMTP 会话和外发任务结束后再取消
	deliveryCtx, cancelDeliveries := context.WithCancel(context.Background())
	defer cancelDeliveries()

	backend := smtp.NewBackend(deliveryCtx, gate, dispatcher, log)
	backend.SetMetrics(metrics)

	smtpServer, err := smtp.NewServer(backend, cfg.SMTP, log, metrics)
	if err != nil {
		log.Fatal("failed to initialize smtp server", zap.Error(err))
	}

	sweeper := service.NewSweeper(store, store, store, queue, service.SweeperConfig{
		Interval:          cfg.Transaction.SweepInterval,
		BatchSize:         cfg.Transaction.BatchSize,
		DropNotFound:      cfg.Transaction.DropNotFound,
		MaxAge:            cfg.Transaction.MaxAge,
		DeleteChunkSize:   cfg.Transaction.DeleteChunkSize,
		DeleteMaxRounds:   cfg.Transaction.DeleteMaxRounds,
		StatisticsMaxDays: cfg.Transaction.StatisticsMaxDays,
	}, log)
	sweeper.SetMetrics(metrics)

	healthChecker := health.NewHealthChecker(health.Options{
		Store:      store,
		SQL:        sqlDB,
		Redis:      redisPinger,
		Registerer: metrics.Registry(),
	}, log)

	alertManager := initializeAlerts(cfg.Alert, store, queue, workers, log)

	var httpServer *http.Server
	if cfg.Server.Port != 0 {
		router := httptransport.NewRouter(httptransport.RouterDependencies{
			Config:       cfg,
			Transactions: store,
			Queue:        queue,
			Forwards:     httptransport.DepthFunc(workers.Pending),
			Health:       healthChecker,
			Alerts:       alertManager,
			Metrics:      metrics,
			Logger:       log,
		})
		httpServer = &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
	}

	// 清扫任务在外发结束后才停止，保证最后一轮能写入全部事务
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()

	group, groupCtx := errgroup.WithContext(ctx)

	// SMTP 服务 goroutine
	group.Go(func() error {
		if err := smtpServer.ListenAndServe(); err != nil {
			return fmt.Errorf("smtp server: %w", err)
		}
		return nil
	})

	// 运维 HTTP 服务 goroutine
	if httpServer != nil {
		group.Go(func() error {
			log.Info("starting ops http server", zap.String("address", httpServer.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	// 定时清扫 goroutine
	group.Go(func() error {
		return sweeper.Run(sweepCtx)
	})

	// 告警监控 goroutine
	if alertManager != nil {
		group.Go(func() error {
			return alertManager.Run(groupCtx, cfg.Alert.Interval)
		})
	}

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := smtpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("smtp server shutdown error", zap.Error(err))
		}
		if httpServer != nil {
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Error("http server shutdown error", zap.Error(err))
			}
		}

		if err := workers.Stop(cfg.Forward.ShutdownGrace); err != nil {
			log.Warn("forward workers did not finish in time", zap.Error(err))
		}
		cancelDeliveries()
		stopSweeper()

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server error", zap.Error(err))
	}

	if err := store.Close(); err != nil {
		log.Warn("failed to close storage", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// initializeStorage 按配置选择内存或数据库存储
//
// 使用数据库时同时返回底层 *sql.DB 和 Redis，供健康检查单独探测。
func initializeStorage(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.Store, *sql.DB, health.Pinger, error) {
	if cfg.Database.Type == "" {
		log.Warn("using memory storage, mailboxes and transactions are lost on restart")
		return memory.NewStore(), nil, nil, nil
	}

	log.Info("initializing database storage",
		zap.String("database_type", cfg.Database.Type),
		zap.String("redis_address", cfg.Redis.Address),
	)

	store, err := hybrid.Open(ctx, cfg.Database, cfg.Redis, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open hybrid store: %w", err)
	}

	sqlDB, err := store.DB().DB().DB()
	if err != nil {
		_ = store.Close()
		return nil, nil, nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	var redisPinger health.Pinger
	if rdb := store.Redis(); rdb != nil {
		redisPinger = health.PingFunc(rdb.Ping)
	}

	log.Info("database storage initialized successfully", zap.String("database_type", cfg.Database.Type))
	return store, sqlDB, redisPinger, nil
}

// initializeAlerts 创建告警管理器，检查周期为 0 时返回 nil
func initializeAlerts(cfg config.AlertConfig, store storage.Store, queue *service.TransactionQueue, workers *pool.WorkerPool, log *zap.Logger) *monitoring.AlertManager {
	if cfg.Interval <= 0 {
		log.Info("alerting disabled")
		return nil
	}

	alertManager := monitoring.NewAlertManager(log)
	alertManager.AddReceiver(monitoring.NewLogAlertReceiver(log))
	if cfg.WebhookURL != "" {
		alertManager.AddReceiver(monitoring.NewWebhookAlertReceiver(cfg.WebhookURL, cfg.WebhookTimeout))
	}

	alertManager.AddRule(monitoring.HighMemoryUsageRule(cfg.MemoryLimitMB))
	alertManager.AddRule(monitoring.StorageUnreachableRule(store.Health))
	alertManager.AddRule(monitoring.BacklogRule("transaction_queue_backlog", "transaction-queue", queue.Len, cfg.QueueBacklog))
	alertManager.AddRule(monitoring.BacklogRule("forward_backlog", "forward-workers", workers.Pending, cfg.ForwardBacklog))

	log.Info("alerting initialized",
		zap.Duration("interval", cfg.Interval),
		zap.Bool("webhook", cfg.WebhookURL != ""),
	)
	return alertManager
}

package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/api"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/config"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/detector"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/eventlog"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/handler"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/logging"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/output"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/pipeline"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/progress"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/repository"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/retry"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/shutdown"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/storage"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/telemetry"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/validation"
)

// app 装配好的运行组件
type app struct {
	cfg    *config.Config
	logger *logrus.Logger
	logs   *logging.LogManager

	store     storage.Store
	events    *eventlog.Store
	repos     *repository.Repositories
	prober    *detector.EthProber
	redis     *detector.RedisCache
	queue     *retry.DeadLetterQueue
	processor *pipeline.Processor
	sweeper   *pipeline.Sweeper
	progress  *progress.Tracker

	flushTraces func(context.Context) error
}

// newLogger 按配置创建日志器，verbose 时强制 debug
func newLogger(cfg *config.Config) (*logrus.Logger, *logging.LogManager, error) {
	if verbose {
		cfg.Logging.Level = "debug"
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	var logs *logging.LogManager
	if cfg.Logging.BufferSize > 0 {
		logs = logging.Attach(logger, cfg.Logging.BufferSize)
	}
	return logger, logs, nil
}

// openStore 按引擎打开存储；Postgres 连接失败时按重试配置重连
func openStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (storage.Store, error) {
	switch cfg.Storage.Engine {
	case "postgres":
		pg := cfg.Storage.Postgres
		r := retry.NewRetrier(*cfg.Retry, retry.EnvDevelopment, nil, logger)
		var store *storage.PostgresStore
		err := r.Do(ctx, "连接 Postgres", func(ctx context.Context) error {
			var err error
			store, err = storage.NewPostgresStore(ctx, storage.PostgresConfig{
				DSN:             pg.DSN,
				MaxOpenConns:    pg.MaxOpenConns,
				MaxIdleConns:    pg.MaxIdleConns,
				ConnMaxLifetime: pg.ConnMaxLifetime,
			}, logger)
			return err
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		store, err := storage.NewBoltStore(cfg.Storage.Path, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

// newApp 装配完整的处理流水线
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, logs, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, logs: logs}
	ok := false
	defer func() {
		if !ok {
			a.close(context.Background())
		}
	}()

	a.flushTraces, err = telemetry.InitTracer(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return nil, fmt.Errorf("初始化链路追踪失败: %w", err)
	}

	a.store, err = openStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("打开存储失败: %w", err)
	}
	a.events = eventlog.New(a.store, logger)
	a.repos = repository.New(a.store, logger)

	endpoints := make([]detector.ChainEndpoint, 0, len(cfg.Chains))
	for _, chain := range cfg.Chains {
		endpoints = append(endpoints, detector.ChainEndpoint{ChainID: chain.ID, Name: chain.Name, URL: chain.RPCURL})
	}
	a.prober, err = detector.NewEthProber(endpoints, cfg.Detector.ProbeTimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("创建链上探测器失败: %w", err)
	}

	var shared detector.SharedCache
	if cfg.Detector.RedisAddr != "" {
		a.redis, err = detector.NewRedisCache(cfg.Detector.RedisAddr, cfg.Detector.RedisTTL)
		if err != nil {
			return nil, fmt.Errorf("连接 Redis 失败: %w", err)
		}
		shared = a.redis
	}
	kinds, err := detector.NewCache(detector.NewDetector(a.prober, logger), cfg.Detector.CacheSize, shared, logger)
	if err != nil {
		return nil, err
	}

	sink, err := output.NewSink(*cfg.DeadLetter, logger)
	if err != nil {
		return nil, fmt.Errorf("创建死信输出失败: %w", err)
	}
	a.queue = retry.NewDeadLetterQueue(sink, logger)
	retrier := retry.NewRetrier(*cfg.Retry, cfg.RetryEnvironment(), a.queue, logger)

	validator := validation.NewValidator(logger, cfg.Validation.StrictMode)
	if len(cfg.Chains) > 0 {
		validator.AddRule(validation.NewChainRule(cfg.ChainIDs()))
	}
	if cfg.Validation.MaxSkew > 0 {
		validator.AddRule(validation.NewTimestampRule(cfg.Validation.MaxSkew))
	}

	registry := handler.NewRegistry(handler.Deps{
		Events: a.events,
		Repos:  a.repos,
		Kinds:  kinds,
		Logger: logger,
	})
	a.processor = pipeline.NewProcessor(registry, a.events, validator, retrier, logger)
	a.progress = progress.NewTracker(a.store, logger)
	a.processor.SetProgress(a.progress)
	a.sweeper = pipeline.NewSweeper(a.repos.Listings, cfg.Sweeper.Interval, logger)

	logger.WithFields(logrus.Fields{
		"environment": cfg.Environment,
		"storage":     cfg.Storage.Engine,
		"chains":      cfg.ChainIDs(),
		"handlers":    len(registry.Names()),
	}).Info("索引器组件装配完成")

	ok = true
	return a, nil
}

// apiServer 诊断 API
func (a *app) apiServer() *api.Server {
	return api.NewServer(api.Deps{
		Events:    a.events,
		Repos:     a.repos,
		Processor: a.processor,
		Sweeper:   a.sweeper,
		Progress:  a.progress,
		Logs:      a.logs,
		Config:    a.cfg,
		Logger:    a.logger,
	}, a.cfg.API.Port)
}

// registerShutdown 按依赖逆序注册资源释放
func (a *app) registerShutdown(m *shutdown.Manager) {
	m.Register("死信队列", shutdown.OrderFlushDeadLetter, func(context.Context) error {
		return a.queue.Close()
	})
	m.Register("外部客户端", shutdown.OrderCloseClients, func(context.Context) error {
		a.prober.Close()
		if a.redis != nil {
			return a.redis.Close()
		}
		return nil
	})
	m.Register("存储", shutdown.OrderCloseStore, func(context.Context) error {
		return a.store.Close()
	})
	m.Register("链路追踪", shutdown.OrderFlushTelemetry, a.flushTraces)
}

// close 非常驻命令使用的释放流程
func (a *app) close(ctx context.Context) {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.WithError(err).Warn("关闭死信队列失败")
		}
	}
	if a.prober != nil {
		a.prober.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WithError(err).Warn("关闭存储失败")
		}
	}
	if a.flushTraces != nil {
		_ = a.flushTraces(ctx)
	}
}

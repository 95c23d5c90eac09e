package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"wms_resolver/internal/config"
	"wms_resolver/internal/engine"
	"wms_resolver/internal/notify"
	"wms_resolver/internal/queue"
	"wms_resolver/internal/router"
	"wms_resolver/internal/store"
	"wms_resolver/internal/worker"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	// 1. 配置与日志
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	logger := config.NewLogger(cfg.LogLevel)

	// 2. 数据库（自动建表）
	db, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		logger.Fatalf("db: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Redis：提交限流、工单 Stream、分布式租约
	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		if cfg.QueueBackend == "redis" {
			logger.Fatalf("redis: %v", err)
		}
		// 单进程模式下 Redis 只用于限流，不可用时直接关闭限流
		logger.WithError(err).Warn("redis unreachable, submit rate limit disabled")
		rdb = nil
	}

	var (
		ticketQueue worker.Queue
		leaser      worker.Leaser
	)
	switch cfg.QueueBackend {
	case "redis":
		sq := worker.NewStreamQueue(rdb, cfg.TicketStream, cfg.TicketGroup, cfg.TicketConsumer, logger)
		if err := sq.EnsureGroup(ctx); err != nil {
			logger.Fatalf("ticket stream group: %v", err)
		}
		ticketQueue = sq
		leaser = worker.NewRedisLeaser(rdb)
	default:
		ticketQueue = worker.NewMemoryQueue(1024)
		leaser = worker.NewLocalLeaser()
	}

	// 4. 通知出口
	var sender notify.Sender = notify.LogSender{Logger: logger}
	if cfg.NotifySink == "kafka" {
		producer := queue.NewProducer(cfg.KafkaBrokers, cfg.NotifyTopic)
		defer producer.Close()
		sender = producer
	}
	catalog, err := notify.LoadCatalog(nil)
	if err != nil {
		logger.Fatalf("notification templates: %v", err)
	}

	eng := engine.New(engine.Deps{
		DB:         db,
		Dispatcher: notify.NewDispatcher(db, catalog, sender, logger),
		Leaser:     leaser,
		Queue:      ticketQueue,
		Logger:     logger,
	}, engine.OptionsFromConfig(cfg))

	// 5. 后台：worker 池、超时清扫、外部回执消费
	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	run(worker.NewPool(ticketQueue, eng, cfg.Workers, time.Second, logger).Run)
	run(worker.NewSweeper(eng, ticketQueue, cfg.SweepInterval, logger).Run)
	if cfg.ExternalResponsesEnabled() {
		consumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.ExternalResponseTopic, cfg.ExternalResponseGroup, eng, logger)
		defer consumer.Close()
		run(consumer.Run)
	}

	// 6. HTTP
	r := gin.Default()
	r.Use(cors.New(corsConfig(cfg)))
	router.Setup(r, eng, db, rdb, cfg, logger)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http: %v", err)
		}
	}()
	logger.WithField("addr", cfg.HTTPAddr).Info("wms resolver started")

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		config.LogError(logger, "main", "main", "http shutdown", nil, err)
	}
	wg.Wait()
}

func corsConfig(cfg config.AppConfig) cors.Config {
	c := cors.DefaultConfig()
	if len(cfg.CORSAllowedOrigins) == 0 {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = cfg.CORSAllowedOrigins
	}
	c.AddAllowHeaders("X-Ops-Token")
	c.AddExposeHeaders("Content-Disposition")
	return c
}

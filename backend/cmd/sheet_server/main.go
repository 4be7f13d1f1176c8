package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	redis "github.com/redis/go-redis/v9"

	"sheetcollab/backend/config"
	"sheetcollab/backend/internal/cache"
	"sheetcollab/backend/internal/collab"
	"sheetcollab/backend/internal/httpapi"
	"sheetcollab/backend/internal/store"
	"sheetcollab/backend/internal/ws"
)

func main() {
	configFile := flag.String("config", "", "path to sheetServer.yaml")
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.LoadServer(*configFile)
	if err != nil {
		glog.Fatalf("init config failed: %v", err)
	}
	gin.SetMode(cfg.Running.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// === MySQL：没配 DSN 时退回内存存储 ===
	var repo collab.SheetRepository
	if cfg.Mysql.DSN == "" {
		glog.Warning("mysql dsn empty, using in-memory store")
		repo = store.NewMemoryStore()
	} else {
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			glog.Fatalf("Failed to connect to database: %v", err)
		}
		if cfg.Mysql.AutoMigrate {
			if err := store.AutoMigrate(db); err != nil {
				glog.Fatalf("auto migrate failed: %v", err)
			}
		}
		repo = store.NewSheetStore(db)
	}

	// === Redis：连不上时在线名单只在本实例内共享 ===
	var presenceCache cache.PresenceCache
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	err = rdb.Ping(pctx).Err()
	cancel()
	if err != nil {
		glog.Warningf("redis unavailable (%v), using local presence", err)
		rdb.Close()
		presenceCache = cache.NewLocalPresence()
	} else {
		defer rdb.Close()
		presenceCache = cache.NewRedisPresence(rdb)
	}
	go cache.RunSweeper(ctx, presenceCache, cfg.Presence.TTL)

	// === Kafka：只在配置了 brokers 时投递单元格事件 ===
	var events collab.EventSink
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			glog.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()

		dispatcher := collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(cfg.Kafka.Workers),
			collab.KafkaDispatcherOptions{
				QueueSize:   cfg.Kafka.QueueSize,
				Workers:     cfg.Kafka.Workers,
				MaxRetry:    cfg.Kafka.MaxRetry,
				BaseBackoff: cfg.Kafka.BaseBackoff,
				MaxBackoff:  cfg.Kafka.MaxBackoff,
			},
		)
		defer dispatcher.Close()
		events = dispatcher
	}

	svc := collab.NewService(repo, events)

	hubOpts := ws.DefaultHubOptions()
	hubOpts.PresenceTTL = cfg.Presence.TTL
	// 同时处理的 cell_update 上限
	wsSem := collab.NewSemaphoreControl(64)
	hub := ws.NewHub(presenceCache, svc, wsSem, hubOpts)

	r := httpapi.NewRouter(svc, hub, httpapi.RouterOptions{
		Secret:       cfg.Auth.Secret,
		AllowOrigins: cfg.Cors.AllowOrigins,
	})

	addr := fmt.Sprintf(":%d", cfg.Running.Port)
	glog.Infof("sheet_server listening on %s", addr)
	go func() {
		if err := r.Run(addr); err != nil {
			glog.Errorf("server stopped: %v", err)
			stop()
		}
	}()
	<-ctx.Done()
	glog.Info("sheet_server shutting down")
}

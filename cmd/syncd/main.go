package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"parking-edge-sync/internal/api"
	"parking-edge-sync/internal/config"
	"parking-edge-sync/internal/engine"
	"parking-edge-sync/internal/gate"
	"parking-edge-sync/internal/journal"
	"parking-edge-sync/internal/ratelimit"
	"parking-edge-sync/internal/snapshot"
	"parking-edge-sync/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalf("backing store: %v", err)
	}
	defer closeStore()

	opts := engine.Options{
		ProbeInterval:  cfg.ProbeInterval,
		ProbeTimeout:   cfg.ProbeTimeout,
		ExecTimeout:    cfg.ExecTimeout,
		MaxRetries:     cfg.MaxRetries,
		CompletedGrace: cfg.CompletedGrace,
	}

	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			log.Fatalf("open journal: %v", err)
		}
		opts.Journal = j
	}

	archiver, err := snapshot.New(ctx, snapshot.Options{
		OutputDir:       cfg.SnapshotOutputDir,
		S3Bucket:        cfg.SnapshotS3Bucket,
		S3Region:        cfg.SnapshotS3Region,
		S3Endpoint:      cfg.SnapshotS3Endpoint,
		S3PathStyle:     cfg.SnapshotS3PathStyle,
		DownloadTimeout: cfg.SnapshotTimeout,
		MaxBytes:        cfg.SnapshotMaxBytes,
		ThumbWidth:      cfg.SnapshotWidth,
	})
	if err != nil {
		log.Fatalf("init snapshot archiver: %v", err)
	}
	opts.Archiver = archiver

	if cfg.DetectionBurst > 0 {
		limiterClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
		})
		opts.Limiter = ratelimit.NewTokenBucket(limiterClient, cfg.DetectionBurst, cfg.DetectionRefill, time.Hour)
	}

	manager, err := engine.New(st, opts)
	if err != nil {
		log.Fatalf("init sync engine: %v", err)
	}
	defer manager.Close()

	registerGates(manager, cfg)

	server := api.New(manager)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("ops api listening on :%s", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	log.Printf("sync engine started probe_interval=%s max_retries=%d store=%s", cfg.ProbeInterval, cfg.MaxRetries, cfg.StoreBackend)
	if err := manager.Run(ctx); err != nil && err != context.Canceled {
		log.Printf("sync engine stopped: %v", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func buildStore(ctx context.Context, cfg config.Config) (engine.Store, func(), error) {
	switch cfg.StoreBackend {
	case "redis":
		rs := store.NewRedis(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
		return rs, func() { _ = rs.Close() }, nil
	default:
		pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.RunMigrations(ctx); err != nil {
			// The store may simply be unreachable at boot; the engine starts
			// offline and retries apply once connectivity returns.
			log.Printf("migrations deferred: %v", err)
		}
		return pg, pg.Close, nil
	}
}

func registerGates(manager *engine.Manager, cfg config.Config) {
	if cfg.MQTTBroker == "" || len(cfg.GateIDs) == 0 {
		return
	}
	for _, gateID := range cfg.GateIDs {
		ctrl, err := gate.NewMQTTController(gateID, gate.MQTTOptions{
			Broker:     cfg.MQTTBroker,
			Username:   cfg.MQTTUsername,
			Password:   cfg.MQTTPassword,
			Prefix:     cfg.MQTTTopicPrefix,
			AckTimeout: cfg.GateAckTimeout,
		})
		if err != nil {
			log.Printf("gate %s unavailable: %v", gateID, err)
			continue
		}
		manager.RegisterGateController(gateID, ctrl)
		log.Printf("gate %s registered", gateID)
	}
}

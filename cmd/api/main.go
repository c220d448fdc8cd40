package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"docket/internal/app"
	"docket/internal/assistant"
	"docket/internal/blob"
	"docket/internal/config"
	"docket/internal/history"
	"docket/internal/notify"
	"docket/internal/search"
	"docket/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatalf("failed to create repos dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	historyService := history.New(cfg.ReposDir)

	var blobStore *blob.Store
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		blobStore, err = blob.NewStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("minio connection failed: %v", err)
		}
		log.Printf("Source files stored in MinIO bucket %q", cfg.MinioBucket)
	} else {
		log.Printf("MINIO_ENDPOINT not set; source file storage disabled")
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliAPIKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)

	hub := notify.NewHub()
	var notifier notify.Notifier
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisNotifier, err := notify.NewRedisNotifier(cfg.RedisURL, hub)
		if err != nil {
			log.Printf("WARNING: redis unavailable, falling back to in-process events: %v", err)
			notifier = notify.NewLocalNotifier(hub)
		} else {
			log.Printf("Using Redis for document update fan-out")
			defer redisNotifier.Close()
			go redisNotifier.Run(ctx)
			notifier = redisNotifier
		}
	} else {
		notifier = notify.NewLocalNotifier(hub)
	}

	assistantClient := assistant.NewClient(cfg.AssistantURL, cfg.AssistantModel)

	service := app.New(cfg, dataStore, historyService, blobStore, searchService, assistantClient, notifier, hub)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}
	searchService.ReindexAllFromPG(ctx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No write deadline: /events and /api/chat hold the
		// connection open.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Docket API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

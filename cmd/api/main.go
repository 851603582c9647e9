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

	"synapse/api/internal/app"
	"synapse/api/internal/archive"
	"synapse/api/internal/config"
	"synapse/api/internal/feed"
	"synapse/api/internal/ledger"
	"synapse/api/internal/search"
	"synapse/api/internal/store"
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

	dataStore := store.NewPostgresStore(db)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
	}

	service := app.New(cfg, dataStore, searchService)

	if strings.TrimSpace(cfg.RedisURL) != "" {
		broadcaster, err := feed.NewRedisBroadcaster(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer broadcaster.Close()
		service.AttachFeed(broadcaster)
		log.Printf("Broadcasting events to Redis channel %s", feed.Channel)
	}

	if strings.TrimSpace(cfg.LedgerDir) != "" {
		if err := os.MkdirAll(cfg.LedgerDir, 0o755); err != nil {
			log.Fatalf("failed to create ledger dir: %v", err)
		}
		service.AttachLedger(ledger.New(cfg.LedgerDir))
		log.Printf("Recording integrations to git ledger at %s", cfg.LedgerDir)
	}

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		bundleArchive, err := archive.New(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("minio connection failed: %v", err)
		}
		service.AttachArchive(bundleArchive)
		log.Printf("Archiving integration bundles to bucket %s", cfg.MinioBucket)
	}

	if cfg.GardenerToken == "" {
		log.Printf("WARNING: GARDENER_TOKEN is not set; /integrate will refuse all requests")
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Synapse API listening on %s", cfg.Addr)
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

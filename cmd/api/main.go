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

	"sermonprep/api/internal/app"
	"sermonprep/api/internal/config"
	"sermonprep/api/internal/docstore"
	"sermonprep/api/internal/search"
	"sermonprep/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	docs, err := openDocuments(ctx, cfg)
	if err != nil {
		log.Fatalf("document store failed: %v", err)
	}
	dataStore := store.New(docs, cfg.MutationAttempts)
	defer dataStore.Close()

	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		index = meiliClient
	}
	searchService := search.NewService(index, search.NewScan(dataStore))

	service := app.New(cfg, dataStore, searchService)
	service.Bootstrap(ctx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("SermonPrep API listening on %s (store=%s)", cfg.Addr, cfg.StoreBackend)
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

func openDocuments(ctx context.Context, cfg config.Config) (docstore.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StoreBackend)) {
	case config.BackendPostgres:
		log.Printf("Using PostgreSQL document store")
		db, err := docstore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := docstore.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			_ = db.Close()
			return nil, err
		}
		return docstore.NewPostgresStore(db), nil
	default:
		log.Printf("Using Redis document store")
		return docstore.NewRedisStore(cfg.RedisURL, cfg.StoreKeyPrefix)
	}
}

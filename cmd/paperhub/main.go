package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"paperhub/internal/app"
	"paperhub/internal/artifacts"
	"paperhub/internal/cache"
	"paperhub/internal/config"
	"paperhub/internal/etherpad"
	"paperhub/internal/render"
	"paperhub/internal/store"
	"paperhub/internal/vcs"
	"paperhub/internal/vcs/githubapi"
	"paperhub/internal/vcs/mirror"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	if err := os.MkdirAll(cfg.WorkspaceDir, 0o755); err != nil {
		log.Fatalf("failed to create workspace dir: %v", err)
	}

	var backend cache.Backend
	switch strings.TrimSpace(cfg.CacheBackend) {
	case "postgres":
		log.Printf("Using PostgreSQL for cache scopes")
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		backend = cache.NewPostgresBackend(db)
	default:
		log.Printf("Using Redis for cache scopes")
		redisBackend, err := cache.NewRedisBackend(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisBackend.Close()
		backend = redisBackend
	}

	var remote vcs.Remote
	switch strings.TrimSpace(cfg.VCS) {
	case "mirror":
		log.Printf("Serving repositories from local mirrors")
		remote = mirror.New(filepath.Join(cfg.WorkspaceDir, ".mirrors"), mirror.WithToken(cfg.GitHubToken))
	default:
		var opts []githubapi.Option
		if cfg.GitHubToken != "" {
			opts = append(opts, githubapi.WithToken(cfg.GitHubToken))
		}
		if cfg.GitHubAPIURL != "" {
			opts = append(opts, githubapi.WithBaseURL(cfg.GitHubAPIURL))
		}
		provider, err := githubapi.NewProvider(opts...)
		if err != nil {
			log.Fatalf("github client failed: %v", err)
		}
		remote = provider
	}

	pads := etherpad.NewClient(etherpad.Options{
		BaseURL:    cfg.PadHost,
		APIKey:     cfg.PadAPIKey,
		APIVersion: cfg.PadAPIVersion,
	})

	var converter render.Converter
	switch strings.TrimSpace(cfg.Converter) {
	case "chrome":
		converter = render.ChromeConverter{}
	default:
		converter = render.ScriptConverter{Command: cfg.ConvertCmd}
	}

	// MinIO - optional, rendered artifacts stay local if not configured
	var renderOpts []render.Option
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		publisher, err := artifacts.New(artifacts.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("artifact store failed: %v", err)
		}
		if err := publisher.EnsureBucket(ctx); err != nil {
			log.Printf("WARNING: artifact bucket unavailable, uploads will fail until it exists: %v", err)
		}
		renderOpts = append(renderOpts, render.WithPublisher(publisher))
	}

	pipeline := render.New(cfg.WorkspaceDir, pads, converter, render.MagickExtractor{Bin: cfg.MagickBin}, renderOpts...)
	service := app.New(cfg, backend, remote, pads, pipeline)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("paperhub listening on %s", cfg.Addr)
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

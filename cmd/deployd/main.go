// deployd is the challenge deployment controller.
// It serves the admin-panel dispatch endpoint, drives the build/push/pull/
// deploy pipeline, and keeps the challenge repository in sync.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/arcs-ctf/deployd/internal/api"
	"github.com/arcs-ctf/deployd/internal/cache"
	"github.com/arcs-ctf/deployd/internal/config"
	"github.com/arcs-ctf/deployd/internal/domain"
	"github.com/arcs-ctf/deployd/internal/emitter"
	"github.com/arcs-ctf/deployd/internal/gitrepo"
	"github.com/arcs-ctf/deployd/internal/image"
	"github.com/arcs-ctf/deployd/internal/orchestrator"
	"github.com/arcs-ctf/deployd/internal/pipeline"
	"github.com/arcs-ctf/deployd/internal/registry"
	"github.com/arcs-ctf/deployd/internal/storage"
)

// validateEnv checks that format-sensitive environment variables parse.
// Missing-variable errors are handled by config.Load; this only catches
// values that are present but malformed.
func validateEnv() []string {
	var errs []string

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Sprintf("LISTEN_ADDR=%q: must be host:port (%v)", addr, err))
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		if _, err := net.LookupPort("tcp", port); err != nil {
			errs = append(errs, fmt.Sprintf("PORT=%q: must be a valid port number", port))
		}
	}

	for _, name := range []string{"WEBHOOK_URL", "S3_URL", "S3_DISPLAY_URL"} {
		if v := os.Getenv(name); v != "" {
			if _, err := url.ParseRequestURI(v); err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q: must be a valid URL (%v)", name, v, err))
			}
		}
	}

	if v := os.Getenv("GIT_SSH_KEY_PATH"); v != "" {
		if _, err := os.Stat(v); err != nil {
			errs = append(errs, fmt.Sprintf("GIT_SSH_KEY_PATH=%q: %v", v, err))
		}
	}

	return errs
}

// warnDefaultCredentials logs when registry or S3 credentials look like
// well-known development defaults.
func warnDefaultCredentials() {
	if os.Getenv("S3_ACCESS_KEY") == "minioadmin" || os.Getenv("S3_SECRET_KEY") == "minioadmin" {
		slog.Warn("S3 credentials are set to default values (minioadmin) — change these for production deployments")
	}
	if os.Getenv("DOCKER_REGISTRY_PASSWORD") == "password" {
		slog.Warn("registry password looks like a placeholder — change it for production deployments")
	}
}

func main() {
	// Built-in healthcheck for scratch containers (no wget/curl available).
	// Usage: /deployd healthcheck
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		resp, err := http.Get("http://localhost:8080/health")
		if err != nil {
			os.Exit(1)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Context-aware slog handler so every record carries request_id when a
	// request context is available.
	baseHandler := slog.NewJSONHandler(os.Stdout, nil)
	slog.SetDefault(slog.New(api.NewContextHandler(baseHandler)))

	if errs := validateEnv(); len(errs) > 0 {
		for _, e := range errs {
			slog.Error("invalid environment variable", "error", e)
		}
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	policy, err := config.Correctness()
	if err != nil {
		slog.Error("failed to load competition policy", "error", err)
		os.Exit(1)
	}

	images, err := image.New(image.Registry{
		Username: cfg.Registry.Username,
		Password: cfg.Registry.Password,
		URL:      cfg.Registry.URL,
	}, cfg.ClusterDockerHost)
	if err != nil {
		slog.Error("failed to create container engine client", "error", err)
		os.Exit(1)
	}

	orch, err := orchestrator.New()
	if err != nil {
		slog.Error("failed to create cluster client", "error", err)
		os.Exit(1)
	}

	// Static files go straight to S3 when credentials are configured,
	// otherwise through the upload hub with the webhook bearer token.
	var uploader pipeline.Uploader
	if cfg.S3.DirectMode() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		s3, err := storage.NewS3Uploader(ctx, cfg.S3.URL, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.Bucket, cfg.S3.UseSSL)
		cancel()
		if err != nil {
			slog.Error("failed to connect to S3", "error", err)
			os.Exit(1)
		}
		uploader = s3
		slog.Info("static file uploads use S3 directly", "endpoint", cfg.S3.URL, "bucket", cfg.S3.Bucket)
	} else {
		uploader = storage.NewHubUploader(cfg.S3.URL, cfg.S3.Token)
		slog.Info("static file uploads go through the upload hub", "url", cfg.S3.URL)
	}

	git := gitrepo.New(cfg.Git.Branch, cfg.Git.Email, cfg.Git.SSHKeyPath)

	reg := registry.New()
	hub := emitter.New(cfg.WebhookURL, cfg.WebhookToken)

	engine := pipeline.New(pipeline.Options{
		Registry:      reg,
		Images:        images,
		Orchestrator:  orch,
		Uploader:      uploader,
		Git:           git,
		Emitter:       hub,
		ChallFolder:   cfg.ChallFolder,
		DeployAddress: cfg.DeployAddress,
		S3DisplayURL:  cfg.S3.DisplayURL,
		Policy:        policy,
	})

	srv := &api.Server{
		Engine:              engine,
		Registry:            reg,
		ServerToken:         cfg.ServerToken,
		GitHubWebhookSecret: cfg.GitHubWebhookSecret,
		NameCache: cache.New[string, []string](cache.Options{
			TTL:        30 * time.Second,
			MaxEntries: 10, // the name list is a single "all" entry
		}),
		OnPush: func() error {
			meta := pushEventMeta()
			_, err := git.EnsureUpToDate(cfg.ChallFolder, meta)
			return err
		},
	}

	if corsEnv := os.Getenv("CORS_ORIGINS"); corsEnv != "" {
		srv.CORSOrigins = strings.Split(corsEnv, ",")
	}

	// Per-IP rate limiting (disable with RATE_LIMIT=0).
	if rl := os.Getenv("RATE_LIMIT"); rl != "0" {
		rlCfg := api.DefaultRateLimitConfig()
		srv.RateLimit = &rlCfg
		slog.Info("rate limiting enabled", "rps", rlCfg.RequestsPerSecond, "burst", rlCfg.Burst)
	}

	// Bring the repository up to date before serving any requests.
	if connected, err := git.EnsureUpToDate(cfg.ChallFolder, pushEventMeta()); err != nil {
		slog.Error("initial repository sync failed", "error", err)
		os.Exit(1)
	} else if !connected {
		slog.Warn("remote unreachable at startup, serving from local repository state")
	}

	warnDefaultCredentials()

	router := api.NewRouter(srv)

	// Listen address: LISTEN_ADDR > PORT (legacy) > default 0.0.0.0:8080.
	// Every route except /health is token-authenticated, so binding wide is
	// safe by default.
	addr := "0.0.0.0:8080"
	if listenAddr := os.Getenv("LISTEN_ADDR"); listenAddr != "" {
		addr = listenAddr
	} else if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	slog.Info("starting deployd", "addr", addr,
		"chall_folder", cfg.ChallFolder, "deploy_address", cfg.DeployAddress)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	// Graceful shutdown: drain HTTP connections (15s timeout). In-flight
	// pipelines keep running on context.WithoutCancel and finish their
	// registry entries before the process exits the drain window.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	if srv.RateLimiterStop != nil {
		srv.RateLimiterStop()
		slog.Info("rate limiter stopped")
	}

	slog.Info("deployd shutdown complete")
}

// pushEventMeta labels git operations that were not triggered by an admin
// request, so repository logs still carry an endpoint name.
func pushEventMeta() domain.RequestMeta {
	return domain.NewRequestMeta(domain.NewPollID(), "", "GIT_SYNC")
}

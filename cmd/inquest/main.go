package main

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/inquest/canon"
	"github.com/hazyhaar/inquest/dbopen"
	"github.com/hazyhaar/inquest/investigation"
	"github.com/hazyhaar/inquest/jobq"
	"github.com/hazyhaar/inquest/observability"
	"github.com/hazyhaar/inquest/vault"
)

func main() {
	cfg, err := loadConfig(env("CONFIG", ""))
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	// Per-instance env overrides.
	cfg.Listen = env("LISTEN", cfg.Listen)
	cfg.DBPath = env("DB_PATH", cfg.DBPath)
	cfg.LogLevel = env("LOG_LEVEL", cfg.LogLevel)
	cfg.Investigator.URL = env("INVESTIGATOR_URL", cfg.Investigator.URL)
	cfg.Investigator.Token = env("INVESTIGATOR_TOKEN", cfg.Investigator.Token)
	cfg.VaultKey = env("VAULT_KEY", cfg.VaultKey)
	if cfg.Investigator.URL == "" {
		slog.Error("INVESTIGATOR_URL (or investigator.url in config) is required")
		os.Exit(1)
	}

	// Logging.
	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Delivery queue.
	queue := jobq.New(db, jobq.Options{
		Visibility:  cfg.LeaseDuration + time.Minute,
		MaxAttempts: cfg.MaxAttempts,
		Logger:      logger,
	})
	if err := queue.EnsureTable(ctx); err != nil {
		slog.Error("jobq table", "error", err)
		os.Exit(1)
	}

	// Lifecycle events + worker liveness.
	events := observability.NewEventLogger(db)
	if err := events.Init(ctx); err != nil {
		slog.Error("observability init", "error", err)
		os.Exit(1)
	}

	investigator, err := newHTTPInvestigator(cfg.Investigator)
	if err != nil {
		slog.Error("investigator", "error", err)
		os.Exit(1)
	}

	opts := []investigation.Option{investigation.WithEvents(events)}
	if cfg.VaultKey != "" {
		// Derive the 32-byte cipher key from whatever string was configured.
		keyHash := sha256.Sum256([]byte(cfg.VaultKey))
		v, err := vault.New(keyHash[:])
		if err != nil {
			slog.Error("vault", "error", err)
			os.Exit(1)
		}
		opts = append(opts, investigation.WithVault(v))
	}
	if cfg.Refetch {
		opts = append(opts, investigation.WithRefetcher(canon.NewRefetcher()))
	}

	svc, err := investigation.New(db, queue, investigator, investigation.Config{
		LeaseDuration:  cfg.LeaseDuration,
		MaxAttempts:    cfg.MaxAttempts,
		SelectorBudget: cfg.SelectorBudget,
	}, logger, opts...)
	if err != nil {
		slog.Error("investigation service", "error", err)
		os.Exit(1)
	}

	// Background loops: sweeper + selector, then the job consumers.
	svc.Start(ctx)
	go queue.Run(ctx, cfg.Workers, svc.HandleJob)

	hb := observability.NewHeartbeatWriter(db, svc.WorkerID(), 15*time.Second)
	hb.Start(ctx)
	defer hb.Stop()

	go retentionLoop(ctx, db, cfg.Retention)

	// Router.
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Post("/api/investigations", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Platform   string  `json:"platform"`
			ExternalID string  `json:"external_id"`
			URL        string  `json:"url"`
			Author     string  `json:"author"`
			Popularity float64 `json:"popularity"`
			Content    string  `json:"content"`
			HTML       bool    `json:"html"`
			Credential *struct {
				Secret     string `json:"secret"`
				Label      string `json:"label"`
				AttachedBy string `json:"attached_by"`
			} `json:"credential"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		ir := investigation.IntakeRequest{
			Platform:   req.Platform,
			ExternalID: req.ExternalID,
			URL:        req.URL,
			Author:     req.Author,
			Popularity: req.Popularity,
			Content:    req.Content,
			HTML:       req.HTML,
		}
		if req.Credential != nil {
			ir.Credential = &investigation.CredentialAttachment{
				Secret:     []byte(req.Credential.Secret),
				Label:      req.Credential.Label,
				AttachedBy: req.Credential.AttachedBy,
			}
		}
		res, err := svc.InvestigateNow(r.Context(), ir)
		if err != nil {
			if errors.Is(err, investigation.ErrInvalidInput) {
				writeError(w, 400, err)
				return
			}
			writeError(w, 500, err)
			return
		}
		code := 200
		if res.Created {
			code = 201
		}
		out := map[string]any{
			"investigation":   res.Investigation,
			"status":          res.Investigation.Status,
			"created":         res.Created,
			"key_attached":    res.KeyAttached,
			"key_fingerprint": res.KeyFingerprint,
		}
		if res.Investigation.Status == investigation.StatusComplete {
			out["claims"] = res.Claims
		}
		writeJSON(w, code, out)
	})

	r.Get("/api/investigations/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		inv, run, err := svc.GetInvestigation(r.Context(), id)
		if err != nil {
			if errors.Is(err, investigation.ErrNotFound) {
				writeError(w, 404, err)
				return
			}
			writeError(w, 500, err)
			return
		}
		out := map[string]any{"investigation": inv, "run": run}
		if inv.Status == investigation.StatusComplete {
			claims, err := svc.Claims(r.Context(), id)
			if err != nil {
				writeError(w, 500, err)
				return
			}
			out["claims"] = claims
		}
		writeJSON(w, 200, out)
	})

	r.Get("/api/investigations/{id}/audits", func(w http.ResponseWriter, r *http.Request) {
		audits, err := svc.Audits(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, audits)
	})

	// HTTP server.
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Listen, "workers", cfg.Workers)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// retentionLoop prunes old events and heartbeats once a day.
func retentionLoop(ctx context.Context, db *sql.DB, cfg retentionConfig) {
	if cfg.EventsDays <= 0 && cfg.HeartbeatsDays <= 0 {
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := observability.Cleanup(ctx, db, observability.RetentionConfig{
				EventsDays:     cfg.EventsDays,
				HeartbeatsDays: cfg.HeartbeatsDays,
			})
			if err != nil {
				slog.Warn("retention cleanup failed", "error", err)
			}
		}
	}
}

// --- Helpers ---

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

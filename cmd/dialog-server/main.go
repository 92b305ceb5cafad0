package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"dialog/internal/catalog"
	"dialog/internal/classify"
	"dialog/internal/config"
	"dialog/internal/domain"
	"dialog/internal/events"
	"dialog/internal/inherit"
	"dialog/internal/kvstore"
	"dialog/internal/sources"
	"dialog/internal/stack"
	"dialog/internal/transfer"
	"dialog/internal/turns"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.Load(os.Getenv("DIALOG_CONFIG"))
	if err != nil {
		logger.Error("load config failed", "error", err)
		os.Exit(1)
	}
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store kvstore.Store
	switch cfg.Storage.Backend {
	case "postgres":
		pg, err := kvstore.NewPostgres(ctx, cfg.Storage.Postgres.DSN)
		if err != nil {
			logger.Error("connect postgres failed", "error", err)
			os.Exit(1)
		}
		if err := pg.Migrate(ctx); err != nil {
			logger.Error("migrate postgres failed", "error", err)
			os.Exit(1)
		}
		store = pg
	case "sqlite":
		sq, err := kvstore.NewSQLite(cfg.Storage.SQLite.Path)
		if err != nil {
			logger.Error("open sqlite failed", "path", cfg.Storage.SQLite.Path, "error", err)
			os.Exit(1)
		}
		store = sq
	default:
		store = kvstore.NewMemory()
	}
	defer store.Close()
	logger.Info("kvstore ready", "backend", cfg.Storage.Backend)

	if sweeper, ok := store.(kvstore.Sweeper); ok && cfg.Storage.SweepInterval() > 0 {
		go runSweeper(ctx, sweeper, cfg.Storage.SweepInterval(), logger)
	}

	registry := catalog.NewRegistry(0)
	var pack config.RulePack
	if cfg.RulePack != "" {
		pack, err = config.LoadRulePack(cfg.RulePack)
		if err != nil {
			logger.Error("load rule pack failed", "path", cfg.RulePack, "error", err)
			os.Exit(1)
		}
		registry.Seed(pack.Definitions())
		logger.Info("rule pack loaded",
			"path", cfg.RulePack,
			"intents", len(pack.Intents),
			"transfer_rules", len(pack.TransferRules),
			"inheritance_rules", len(pack.InheritanceRules),
		)
	}

	var classifier classify.Classifier
	if cfg.Classifier.BaseURL != "" {
		classifier = classify.NewClient(cfg.Classifier.BaseURL, cfg.Classifier.Timeout())
	} else {
		classifier = classify.NewStatic(pack.StaticRules(), classify.Result{Intent: domain.IntentUnknown, Confidence: 0.2})
		logger.Info("no classifier configured, using keyword table", "keywords", len(pack.Keywords))
	}

	stackMgr := stack.New(stack.Config{
		MaxDepth: cfg.Stack.MaxDepth,
		FrameTTL: cfg.Stack.FrameTTL(),
	}, store, registry, logger)

	transfers := transfer.New(transfer.Config{
		SessionTimeout: cfg.Transfer.SessionTimeout(),
		ErrorThreshold: cfg.Transfer.ErrorThreshold,
	}, classifier, stackMgr, logger)
	for _, rule := range pack.Transfers() {
		if _, err := transfers.AddRule(rule); err != nil {
			logger.Error("transfer rule rejected", "rule_id", rule.ID, "error", err)
			os.Exit(1)
		}
	}

	cache := inherit.NewCache(store, cfg.Inherit.CacheTTL(), logger)
	inherits := inherit.New(inherit.NewTransforms(), cache, logger)
	for _, rule := range pack.Inheritances() {
		if _, err := inherits.AddRule(rule); err != nil {
			logger.Error("inheritance rule rejected", "rule_id", rule.ID, "error", err)
			os.Exit(1)
		}
	}

	profiles := sources.NewProfile(store)
	history := sources.NewHistory(store, cfg.Sources.HistoryRetention())
	deps := sources.NewDependency(store, cfg.Sources.DependencyRetention())
	collector := sources.NewCollector(cfg.Sources.Timeout(), []sources.Source{
		sources.NewSession(stackMgr),
		history,
		profiles,
		deps,
		sources.NewDefaults(registry),
	}, logger)

	hub := events.NewHub(events.Config{
		BrokerURL:   cfg.MQTT.BrokerURL,
		ClientID:    cfg.MQTT.ClientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
	}, registry, logger)
	if err := hub.Start(ctx); err != nil {
		logger.Error("start mqtt hub failed", "error", err)
		os.Exit(1)
	}
	if hub.Enabled() {
		go func() {
			reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()
			if _, err := hub.RequestCatalog(reqCtx); err != nil {
				logger.Warn("initial catalog request failed", "error", err)
			}
		}()
	}

	svc := turns.New(stackMgr, transfers, inherits, collector, history, deps, hub, logger)

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Post("/turn", func(w http.ResponseWriter, req *http.Request) {
		var turnReq domain.TurnRequest
		if err := json.NewDecoder(req.Body).Decode(&turnReq); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
			return
		}
		if strings.TrimSpace(turnReq.SessionID) == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "session_id is required"})
			return
		}
		result, err := svc.ProcessTurn(req.Context(), turnReq)
		if err != nil {
			logger.Error("turn failed", "session_id", turnReq.SessionID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	r.Get("/sessions/{sessionID}/stack", func(w http.ResponseWriter, req *http.Request) {
		sessionID := chi.URLParam(req, "sessionID")
		frames, err := stackMgr.Frames(req.Context(), sessionID)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id": sessionID,
			"depth":      len(frames),
			"frames":     frames,
		})
	})

	r.Post("/sessions/{sessionID}/push", func(w http.ResponseWriter, req *http.Request) {
		sessionID := chi.URLParam(req, "sessionID")
		var pushReq struct {
			Intent  string         `json:"intent"`
			UserID  string         `json:"user_id"`
			Context map[string]any `json:"context"`
			Reason  string         `json:"reason"`
		}
		if err := json.NewDecoder(req.Body).Decode(&pushReq); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
			return
		}
		if strings.TrimSpace(pushReq.Intent) == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "intent is required"})
			return
		}
		result, err := stackMgr.Push(req.Context(), sessionID, pushReq.UserID, pushReq.Intent, pushReq.Context, domain.InterruptUser, pushReq.Reason)
		if err != nil {
			if errors.Is(err, stack.ErrStackOverflow) {
				writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	r.Post("/sessions/{sessionID}/pop", func(w http.ResponseWriter, req *http.Request) {
		sessionID := chi.URLParam(req, "sessionID")
		var popReq struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(req.Body).Decode(&popReq); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
			return
		}
		result, err := stackMgr.Pop(req.Context(), sessionID, popReq.Reason)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		if result.Frame == nil {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "stack is empty"})
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	r.Get("/sessions/{sessionID}/statistics", func(w http.ResponseWriter, req *http.Request) {
		sessionID := chi.URLParam(req, "sessionID")
		stats, err := stackMgr.Statistics(req.Context(), sessionID)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})

	r.Get("/cache/statistics", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, cache.Statistics())
	})

	r.Get("/intents", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, domain.CatalogReport{
			CatalogVersion: registry.Version(),
			Intents:        registry.Definitions(),
		})
	})

	r.Post("/catalog/report", func(w http.ResponseWriter, req *http.Request) {
		var report domain.CatalogReport
		if err := json.NewDecoder(req.Body).Decode(&report); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
			return
		}
		if !registry.Apply(report) {
			writeJSON(w, http.StatusConflict, map[string]any{"error": "stale catalog version"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"catalog_version": registry.Version(), "intents": len(report.Intents)})
	})

	r.Post("/rules/transfer", func(w http.ResponseWriter, req *http.Request) {
		var rule domain.TransferRule
		rule.Enabled = true
		if err := json.NewDecoder(req.Body).Decode(&rule); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
			return
		}
		added, err := transfers.AddRule(rule)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, added)
	})

	r.Delete("/rules/transfer/{ruleID}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "ruleID")
		if !transfers.RemoveRule(id) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "rule not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"removed": id})
	})

	r.Post("/rules/inheritance", func(w http.ResponseWriter, req *http.Request) {
		var rule domain.InheritanceRule
		if err := json.NewDecoder(req.Body).Decode(&rule); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
			return
		}
		added, err := inherits.AddRule(rule)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, added)
	})

	r.Delete("/rules/inheritance/{ruleID}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "ruleID")
		if !inherits.RemoveRule(id) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "rule not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"removed": id})
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dialog server started", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
}

func runSweeper(ctx context.Context, sweeper kvstore.Sweeper, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sweeper.DeleteExpired(ctx)
			if err != nil {
				logger.Warn("expired entry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("expired entries swept", "count", n)
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

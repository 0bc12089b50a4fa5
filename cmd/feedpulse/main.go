package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "modernc.org/sqlite"

	"github.com/feedpulse/feedpulse/dbopen"
	"github.com/feedpulse/feedpulse/pulse"
)

func main() {
	port := env("PORT", "8090")
	dbPath := env("PULSE_DB", "db/pulse.db")
	catalogPath := env("CATALOG_FILE", "")
	rulesPath := env("RULES_FILE", "")
	archiveDir := env("ARCHIVE_DIR", "archive")
	logLevel := env("LOG_LEVEL", "info")

	var lvl slog.Level
	switch logLevel {
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

	interval := 15 * time.Minute
	if v := os.Getenv("FETCH_INTERVAL_MINUTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			slog.Error("invalid FETCH_INTERVAL_MINUTES", "value", v)
			os.Exit(1)
		}
		interval = time.Duration(n) * time.Minute
	}

	retention := 90 * 24 * time.Hour
	if v := os.Getenv("RETENTION_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			slog.Error("invalid RETENTION_DAYS", "value", v)
			os.Exit(1)
		}
		retention = time.Duration(n) * 24 * time.Hour
	}

	opts := []pulse.Option{}
	if v := os.Getenv("SIMILARITY_THRESHOLD"); v != "" {
		f, err := similarityThreshold(v)
		if err != nil {
			slog.Error("invalid SIMILARITY_THRESHOLD", "value", v, "error", err)
			os.Exit(1)
		}
		opts = append(opts, pulse.WithSimilarityThreshold(f))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(dbPath, dbopen.WithMkdirAll(), dbopen.WithSchema(pulse.Schema))
	if err != nil {
		slog.Error("open db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	opts = append(opts,
		pulse.WithInterval(interval),
		pulse.WithRetentionHorizon(retention),
		pulse.WithArchiveDir(archiveDir),
		pulse.WithLogger(logger),
	)
	if rulesPath != "" {
		opts = append(opts, pulse.WithRulesFile(rulesPath))
	}
	if catalogPath != "" {
		sources, err := pulse.LoadCatalog(catalogPath)
		if err != nil {
			slog.Error("load catalog", "error", err)
			os.Exit(1)
		}
		opts = append(opts, pulse.WithSources(sources))
	}

	svc, err := pulse.New(ctx, db, opts...)
	if err != nil {
		slog.Error("pulse service", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	svc.Start(ctx)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		h := svc.Health(r.Context())
		if !h.Healthy {
			writeJSON(w, http.StatusServiceUnavailable, h)
			return
		}
		writeJSON(w, http.StatusOK, h)
	})

	r.Post("/fetch-now", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": svc.TriggerCycle()})
	})

	r.Get("/api/items", func(w http.ResponseWriter, r *http.Request) {
		items, err := svc.Items(r.Context(),
			queryInt(r, "window", 0),
			r.URL.Query().Get("category"),
			r.URL.Query().Get("topic"))
		if err != nil {
			writeError(w, 500, err)
			return
		}
		if items == nil {
			items = []*pulse.ItemRow{}
		}
		writeJSON(w, 200, items)
	})

	r.Get("/api/topics", func(w http.ResponseWriter, r *http.Request) {
		counts, err := svc.TopicCounts(r.Context(),
			queryInt(r, "window", 0), r.URL.Query().Get("category"))
		if err != nil {
			writeError(w, 500, err)
			return
		}
		if counts == nil {
			counts = []pulse.TopicCount{}
		}
		writeJSON(w, 200, counts)
	})

	r.Get("/api/directions", func(w http.ResponseWriter, r *http.Request) {
		dirs, err := svc.Directions(r.Context(),
			queryInt(r, "window", 0), r.URL.Query().Get("topic"))
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, dirs)
	})

	r.Get("/api/acceleration", func(w http.ResponseWriter, r *http.Request) {
		rows, err := svc.Acceleration(r.Context(), r.URL.Query().Get("category"))
		if err != nil {
			writeError(w, 500, err)
			return
		}
		if rows == nil {
			rows = []pulse.AccelRow{}
		}
		writeJSON(w, 200, rows)
	})

	r.Get("/api/convergence", func(w http.ResponseWriter, r *http.Request) {
		rows, err := svc.Convergence(r.Context(), r.URL.Query().Get("category"))
		if err != nil {
			writeError(w, 500, err)
			return
		}
		if rows == nil {
			rows = []pulse.ConvRow{}
		}
		writeJSON(w, 200, rows)
	})

	r.Get("/api/clusters", func(w http.ResponseWriter, r *http.Request) {
		rows, err := svc.Clusters(r.Context(), queryInt(r, "window", 0),
			r.URL.Query().Get("category"), r.URL.Query().Get("topic"))
		if err != nil {
			writeError(w, 500, err)
			return
		}
		if rows == nil {
			rows = []*pulse.ClusterRow{}
		}
		writeJSON(w, 200, rows)
	})

	r.Get("/api/sources/health", func(w http.ResponseWriter, r *http.Request) {
		rows, err := svc.SourceHealth(r.Context())
		if err != nil {
			writeError(w, 500, err)
			return
		}
		if rows == nil {
			rows = []*pulse.SourceHealthRow{}
		}
		writeJSON(w, 200, rows)
	})

	r.Post("/admin/cleanup", func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.RunCleanupNow(r.Context())
		if err != nil {
			writeError(w, 500, err)
			return
		}
		vacuumed := false
		if r.URL.Query().Get("vacuum") == "1" {
			if err := svc.VacuumNow(r.Context()); err != nil {
				writeError(w, 500, err)
				return
			}
			vacuumed = true
		}
		writeJSON(w, 200, map[string]any{
			"items_deleted":   stats.Items,
			"tags_deleted":    stats.Tags,
			"signals_deleted": stats.Signals,
			"vacuum_ran":      vacuumed,
		})
	})

	r.Post("/admin/vacuum", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.VacuumNow(r.Context()); err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Post("/admin/archive", func(w http.ResponseWriter, r *http.Request) {
		days := queryInt(r, "days", 0)
		path, stats, err := svc.ArchiveAndDelete(r.Context(), days)
		if err != nil {
			writeError(w, 400, err)
			return
		}
		writeJSON(w, 200, map[string]any{
			"archive": path,
			"items":   stats.Items,
		})
	})

	r.Get("/debug/rules", func(w http.ResponseWriter, r *http.Request) {
		audit, err := svc.RuleHitCounts(r.Context(), queryInt(r, "window", 0))
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, audit)
	})

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", port)
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

// similarityThreshold parses the SIMILARITY_THRESHOLD override. The value is
// a match ratio, so anything outside (0, 1] is rejected.
func similarityThreshold(v string) (float64, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", v)
	}
	if f <= 0 || f > 1 {
		return 0, fmt.Errorf("threshold %v outside (0, 1]", f)
	}
	return f, nil
}

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

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingestion HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		alerter := monitoring.NewAlerter(cfg.Monitoring)
		checker := monitoring.NewChecker(env.Collector, alerter, cfg.Monitoring)
		go checker.Run(ctx)

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.RealIP)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))

		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Post("/v1/ingest", func(w http.ResponseWriter, req *http.Request) {
			var doc model.Document
			if err := json.NewDecoder(req.Body).Decode(&doc); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
				return
			}
			if doc.ID == "" || doc.TenantID == "" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id and tenant_id are required"})
				return
			}

			// The run outlives the request; clients poll /v1/runs/{id}.
			go func() {
				result, err := env.Supervisor.Run(ctx, &doc)
				if err != nil {
					zap.L().Error("ingest failed",
						zap.String("document_id", doc.ID), zap.Error(err))
					return
				}
				zap.L().Info("ingest complete",
					zap.String("document_id", doc.ID),
					zap.String("run_id", result.RunID),
					zap.String("status", string(result.Status)),
				)
			}()

			writeJSON(w, http.StatusAccepted, map[string]string{
				"status":      "accepted",
				"document_id": doc.ID,
			})
		})

		r.Get("/v1/runs/{runID}", func(w http.ResponseWriter, req *http.Request) {
			run, err := env.Store.GetRun(req.Context(), chi.URLParam(req, "runID"))
			if err != nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
				return
			}
			writeJSON(w, http.StatusOK, run)
		})

		r.Get("/v1/runs", func(w http.ResponseWriter, req *http.Request) {
			tenant := req.URL.Query().Get("tenant")
			if tenant == "" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant query parameter is required"})
				return
			}
			runs, err := env.Store.ListRuns(req.Context(), tenant, 50)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list runs failed"})
				return
			}
			writeJSON(w, http.StatusOK, runs)
		})

		r.Get("/v1/metrics", func(w http.ResponseWriter, req *http.Request) {
			snap, err := env.Collector.Collect(req.Context(), cfg.Monitoring.LookbackHours)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "collect failed"})
				return
			}
			writeJSON(w, http.StatusOK, snap)
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			_ = srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

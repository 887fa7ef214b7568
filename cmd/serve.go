package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/coverage-cli/internal/clip"
	"github.com/sells-group/coverage-cli/internal/merge"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for coverage requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		runner, closeFn, err := newRunner()
		if err != nil {
			return err
		}
		defer closeFn()

		mux := http.NewServeMux()

		mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		})

		mux.HandleFunc("POST /coverage", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Lat         float64 `json:"lat"`
				Lon         float64 `json:"lon"`
				RadiusMiles float64 `json:"radius_miles"`
				AsOfDate    string  `json:"as_of_date"`
				State       string  `json:"state"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
				return
			}

			if req.RadiusMiles <= 0 {
				http.Error(w, `{"error":"radius_miles must be positive"}`, http.StatusBadRequest)
				return
			}
			if req.AsOfDate == "" || req.State == "" {
				http.Error(w, `{"error":"as_of_date and state are required"}`, http.StatusBadRequest)
				return
			}

			aoi := clip.AOI{Lat: req.Lat, Lon: req.Lon, RadiusMiles: req.RadiusMiles}

			report, err := runner.Run(r.Context(), aoi, req.AsOfDate, req.State)
			if err != nil {
				zap.L().Error("coverage request failed",
					zap.String("state", req.State),
					zap.String("as_of_date", req.AsOfDate),
					zap.Error(err),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadGateway)
				json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
				return
			}

			features := report.Collection.Features
			if features == nil {
				features = []clip.Feature{}
			}
			w.Header().Set("Content-Type", "application/geo+json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(struct {
				Type     string         `json:"type"`
				Features []clip.Feature `json:"features"`
				Stats    merge.Stats    `json:"stats"`
			}{"FeatureCollection", features, report.Stats})
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

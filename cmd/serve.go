package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Siddhant-K-code/repocache/pkg/repo"
	"github.com/Siddhant-K-code/repocache/pkg/sse"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the repocache HTTP server",
	Long: `Starts an HTTP server answering repository queries from the cache.

Example:
  repocache serve --port 8080
  repocache serve --config repocache.yaml

The server exposes:
  GET  /v1/query?repo=PATH&op=OPERATION  - Cached repository query
  POST /v1/notify                        - Invalidate after an external mutation
  GET  /v1/stats                         - Cache statistics
  POST /v1/clear?pattern=P               - Remove matching entries (all if empty)
  GET  /v1/repositories                  - Opened repositories
  POST /v1/warm?repo=PATH                - Warm repositories, streaming progress (SSE)
  GET  /health                           - Health check
  GET  /metrics                          - Prometheus metrics

Operations: status, branches, tags, commit_history (ref, limit),
file_history (path, limit), file_contributors (path), repository_metrics,
config, remotes.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "HTTP server port")
	serveCmd.Flags().String("host", "127.0.0.1", "HTTP server host")

	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
}

// Server holds the HTTP server state.
type Server struct {
	app *App
}

// NotifyRequest is the JSON request body for /v1/notify.
type NotifyRequest struct {
	Repository string `json:"repository"`
	Mutation   string `json:"mutation"`
}

// QueryResponse is the JSON response for /v1/query.
type QueryResponse struct {
	Repository string `json:"repository"`
	Operation  string `json:"operation"`
	Result     any    `json:"result"`
	LatencyUs  int64  `json:"latency_us"`
}

// RemovedResponse reports how many cache entries were removed.
type RemovedResponse struct {
	Removed int `json:"removed"`
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	app, err := loadApp(ctx)
	if err != nil {
		return err
	}

	for _, path := range app.Config.Repositories {
		if _, err := app.Registry.Get(path); err != nil {
			app.Logger.Warn("failed to open repository", zap.String("path", path), zap.Error(err))
		}
	}

	server := &Server{app: app}
	cfg := app.Config.Server

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-quit
		app.Logger.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			app.Logger.Error("server shutdown error", zap.Error(err))
		}
		if err := app.Close(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		}
		close(done)
	}()

	app.Logger.Info("repocache server starting",
		zap.String("addr", addr),
		zap.Strings("repositories", app.Registry.Paths()))

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		_ = app.Close(ctx)
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/query", s.instrument("/v1/query", s.handleQuery))
	mux.HandleFunc("/v1/notify", s.instrument("/v1/notify", s.handleNotify))
	mux.HandleFunc("/v1/stats", s.instrument("/v1/stats", s.handleStats))
	mux.HandleFunc("/v1/clear", s.instrument("/v1/clear", s.handleClear))
	mux.HandleFunc("/v1/repositories", s.instrument("/v1/repositories", s.handleRepositories))
	mux.HandleFunc("/v1/warm", s.instrument("/v1/warm", s.handleWarm))
	mux.HandleFunc("/health", s.handleHealth)

	if m := s.app.Config.Telemetry.Metrics; m.Enabled {
		mux.Handle(m.Path, s.app.Metrics.Handler())
	}
	return mux
}

// instrument records request metrics and a server span around next.
func (s *Server) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return s.app.Metrics.Middleware(endpoint, func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.app.Tracing.StartRequest(r.Context(), endpoint)
		defer span.End()
		next(w, r.WithContext(ctx))
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	path := q.Get("repo")
	if path == "" {
		writeError(w, platformerrors.New(platformerrors.CodeInvalidInput, "repo parameter is required"))
		return
	}
	op := repo.Operation(q.Get("op"))

	rp, err := s.app.Registry.Get(path)
	if err != nil {
		writeError(w, err)
		return
	}

	start := time.Now()
	result, err := rp.Query(r.Context(), op, map[string]string{
		"ref":   q.Get("ref"),
		"path":  q.Get("path"),
		"limit": q.Get("limit"),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, QueryResponse{
		Repository: rp.ID(),
		Operation:  string(op),
		Result:     result,
		LatencyUs:  time.Since(start).Microseconds(),
	})
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "invalid JSON"))
		return
	}
	if req.Repository == "" {
		writeError(w, platformerrors.New(platformerrors.CodeInvalidInput, "repository is required"))
		return
	}
	m, err := repo.ParseMutation(req.Mutation)
	if err != nil {
		writeError(w, err)
		return
	}

	rp, err := s.app.Registry.Get(req.Repository)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, RemovedResponse{Removed: rp.Notify(r.Context(), m)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Registry.Stats())
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	removed := s.app.Registry.Clear(r.URL.Query().Get("pattern"))
	s.app.Logger.Info("cache cleared",
		zap.String("pattern", r.URL.Query().Get("pattern")),
		zap.Int("removed", removed))
	writeJSON(w, http.StatusOK, RemovedResponse{Removed: removed})
}

func (s *Server) handleRepositories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"repositories": s.app.Registry.Paths()})
}

func (s *Server) handleWarm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	paths := q["repo"]
	if len(paths) == 0 {
		paths = s.app.Config.Repositories
	}
	if len(paths) == 0 {
		writeError(w, platformerrors.New(platformerrors.CodeInvalidInput, "repo parameter is required"))
		return
	}
	historyLimit := 100
	if v := q.Get("history_limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, platformerrors.Newf(platformerrors.CodeInvalidInput, "invalid history_limit %q", v))
			return
		}
		historyLimit = n
	}
	failFast := q.Get("fail_fast") == "true"

	sw := sse.NewWriter(w)
	if sw == nil {
		writeError(w, platformerrors.New(platformerrors.CodeInternal, "streaming not supported"))
		return
	}

	stats, err := warm(r.Context(), s.app, paths, historyLimit, failFast, func(step WarmStep) {
		evt := sse.ProgressEvent{
			Repository: step.Path,
			Operation:  string(step.Operation),
			Done:       step.Done,
			Total:      step.Total,
		}
		if step.Err != nil {
			evt.Error = step.Err.Error()
		}
		_ = sw.SendProgress(evt)
	})
	if err != nil {
		_ = sw.SendError(string(platformerrors.GetCode(err)), err.Error())
		return
	}
	_ = sw.SendComplete(stats, s.app.Cache.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": s.app.Cache.Stats().Backend,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(platformerrors.GetCode(err)), platformerrors.ToJSON(err))
}

func httpStatus(code platformerrors.ErrorCode) int {
	switch code {
	case platformerrors.CodeNotFound:
		return http.StatusNotFound
	case platformerrors.CodeInvalidInput, platformerrors.CodeInvalidConfig:
		return http.StatusBadRequest
	case platformerrors.CodeAlreadyExists, platformerrors.CodeConflict:
		return http.StatusConflict
	case platformerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

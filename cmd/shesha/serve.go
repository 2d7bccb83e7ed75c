package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shesha-run/shesha/internal/application"
	"github.com/shesha-run/shesha/internal/domain/entity"
	"github.com/shesha-run/shesha/internal/interfaces/progress"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose queries and their progress over HTTP/WebSocket",
		RunE:  runServe,
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	return cmd
}

// queryRequest is the POST /query body: a project plus the same arguments
// cmd/shesha query takes from the command line.
type queryRequest struct {
	Project  string   `json:"project"`
	Question string   `json:"question"`
	Papers   []string `json:"papers,omitempty"`
	Model    string   `json:"model,omitempty"`
}

type queryAccepted struct {
	QueryID string `json:"query_id"`
}

// server holds the in-flight/completed query results a client can poll for,
// alongside the progress relay that streams steps as they happen.
type server struct {
	shesha *application.Shesha
	relay  *progress.Relay
	logger *zap.Logger

	mu      sync.Mutex
	results map[string]*entity.QueryResult
	errs    map[string]error
}

func runServe(cmd *cobra.Command, args []string) error {
	s, log, err := newShesha("info")
	if err != nil {
		return err
	}
	defer s.Close()
	defer log.Sync()

	addr, _ := cmd.Flags().GetString("addr")

	srv := &server{
		shesha:  s,
		relay:   progress.NewRelay(log),
		logger:  log,
		results: make(map[string]*entity.QueryResult),
		errs:    make(map[string]error),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/query", srv.handleQuery)
	mux.HandleFunc("/result", srv.handleResult)
	mux.HandleFunc("/progress", srv.relay.ServeWS)

	httpSrv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	log.Info("shesha serve listening", zap.String("addr", addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
	case sig := <-quit:
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("error during shutdown", zap.Error(err))
		}
	}
	return nil
}

func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Project == "" || req.Question == "" {
		http.Error(w, "project and question are required", http.StatusBadRequest)
		return
	}

	queryID := uuid.NewString()
	project := s.shesha.ProjectWithModel(req.Project, req.Model)
	onProgress := s.relay.ProgressFunc(queryID)

	go func() {
		result, err := project.Query(context.Background(), req.Question, onProgress, nil, req.Papers)
		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			s.errs[queryID] = err
			return
		}
		s.results[queryID] = &result
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(queryAccepted{QueryID: queryID})
}

func (s *server) handleResult(w http.ResponseWriter, r *http.Request) {
	queryID := r.URL.Query().Get("query_id")
	if queryID == "" {
		http.Error(w, "missing query_id", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	result, done := s.results[queryID]
	err, failed := s.errs[queryID]
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case failed:
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
	case done:
		json.NewEncoder(w).Encode(result)
	default:
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"status": "running"})
	}
}

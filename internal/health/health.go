package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/pelicanlabs/banter/internal/config"
)

// Snapshot is the operational state exposed at /status.
type Snapshot struct {
	Uptime       string             `json:"uptime"`
	Channels     []string           `json:"channels"`
	QueueDepth   int                `json:"queueDepth"`
	UsageToday   int                `json:"usageToday"`
	UsageBudget  int                `json:"usageBudget"`
	Traits       map[string]float64 `json:"traits"`
	Destinations int                `json:"destinations"`
	Messages     int                `json:"messages"`
	Jobs         map[string]string  `json:"jobs"`
}

// SnapshotFunc produces the current snapshot on demand.
type SnapshotFunc func() (Snapshot, error)

// Server exposes liveness and status over HTTP.
type Server struct {
	srv      *http.Server
	snapshot SnapshotFunc
	started  time.Time
}

func NewServer(cfg config.GatewayConfig, snapshot SnapshotFunc) *Server {
	s := &Server{
		snapshot: snapshot,
		started:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Start() {
	go func() {
		log.Printf("[health] listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[health] server error: %v", err)
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap, err := s.snapshot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	snap.Uptime = time.Since(s.started).Round(time.Second).String()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		log.Printf("[health] encode status: %v", err)
	}
}

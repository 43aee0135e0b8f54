package service

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

// Status is the pipeline state reported by /healthz.
type Status struct {
	State      string `json:"state"`
	Healthy    bool   `json:"healthy"`
	Delivered  int64  `json:"delivered"`
	Failed     int64  `json:"failed"`
	Batches    int64  `json:"batches"`
	QueueDepth int    `json:"queueDepth"`
}

type StatusFunc func() Status

type HealthzServer struct {
	log    log.Logger
	status StatusFunc

	mu     sync.Mutex
	server *http.Server
}

func NewHealthzServer(logger log.Logger, status StatusFunc) *HealthzServer {
	return &HealthzServer{log: logger, status: status}
}

func (h *HealthzServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.Handle).Methods(http.MethodGet)
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})
	return c.Handler(r)
}

func (h *HealthzServer) Start(addr string) error {
	server := &http.Server{
		Handler: h.Handler(),
		Addr:    addr,
	}
	h.mu.Lock()
	h.server = server
	h.mu.Unlock()
	return server.ListenAndServe()
}

func (h *HealthzServer) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	server := h.server
	h.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func (h *HealthzServer) Handle(w http.ResponseWriter, r *http.Request) {
	h.log.Debug("Received health check request", "path", r.URL.Path)
	st := Status{State: "unknown", Healthy: true}
	if h.status != nil {
		st = h.status()
	}
	w.Header().Set("Content-Type", "application/json")
	if !st.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(st); err != nil {
		h.log.Error("failed to write health response", "err", err)
	}
}

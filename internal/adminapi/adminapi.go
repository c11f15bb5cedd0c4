// Package adminapi exposes the process's HTTP control surface:
// /healthz, /metrics, and /debug/pools (SPEC_FULL.md's adminapi
// component).
//
// Grounded on the chi.Router + http.Server lifecycle in
// jekabso21-protokol's adapters/rest/adapter.go (Start/Stop against a
// context, graceful Shutdown on cancellation).
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/adred-codev/layer4lb/internal/metrics"
	"github.com/adred-codev/layer4lb/internal/pool"
)

// PoolsSource is anything able to report the live per-rule backend
// pools; internal/supervisor.Supervisor satisfies it.
type PoolsSource interface {
	Pools() map[string]*pool.BackendPool
}

// Server is the admin HTTP surface.
type Server struct {
	httpServer *http.Server
	logger     zerolog.Logger
}

// New builds the admin router and wraps it in an *http.Server bound to
// addr. Call Start to begin serving.
func New(addr string, registry *metrics.Registry, pools PoolsSource, logger zerolog.Logger) *Server {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", registry.Handler())

	r.Get("/debug/pools", func(w http.ResponseWriter, req *http.Request) {
		writeDebugPools(w, pools)
	})

	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: r},
		logger:     logger.With().Str("component", "adminapi").Logger(),
	}
}

type backendView struct {
	Address string `json:"address"`
	Healthy bool   `json:"healthy"`
	Active  int64  `json:"active"`
}

func writeDebugPools(w http.ResponseWriter, pools PoolsSource) {
	out := make(map[string][]backendView)
	for name, p := range pools.Pools() {
		views := make([]backendView, 0, len(p.Backends()))
		for _, b := range p.Backends() {
			views = append(views, backendView{
				Address: b.Address,
				Healthy: b.Healthy(),
				Active:  b.Active(),
			})
		}
		out[name] = views
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// Start runs the HTTP server until ctx is cancelled, then gracefully
// shuts it down. Mirrors the Start/Stop-on-ctx idiom the rest adapter
// uses.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("admin api listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.httpServer.Shutdown(context.Background())
	}
}

package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/guestlink/internal/service"
	"github.com/1ureka/guestlink/internal/util"
)

// Health is the body served at /healthz.
type Health struct {
	Side     service.Side      `json:"side"`
	Peers    []string          `json:"peers"`
	Services map[string]string `json:"services"` // service → state of the first peer
}

func (rt *Runtime) health() Health {
	h := Health{Side: rt.Side, Services: make(map[string]string)}
	for _, p := range rt.Coord.Peers() {
		h.Peers = append(h.Peers, p.ID)
	}
	slices.Sort(h.Peers)

	for _, svc := range rt.Services.All() {
		id := svc.Descriptor().ID
		state := service.StateDisconnected
		if ep := rt.Coord.Endpoint(id); ep != nil && len(h.Peers) > 0 {
			state = ep.State(h.Peers[0])
		}
		h.Services[id] = state.String()
	}
	return h
}

// NewRouter serves /metrics from reg and /healthz from rt.
func NewRouter(reg *prometheus.Registry, rt *Runtime) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(rt.health()); err != nil {
			util.LogDebug("healthz: %v", err)
		}
	})
	return r
}

// NewRegistry returns a registry with the process and traffic collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	util.RegisterMetrics(reg)
	return reg
}

// ServeMetrics listens on addr until ctx is cancelled.
func ServeMetrics(ctx context.Context, addr string, rt *Runtime) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(NewRegistry(), rt),
		ReadHeaderTimeout: 5 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	util.LogInfo("metrics on http://%s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

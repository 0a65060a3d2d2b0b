// Package metrics exposes the scheduler's running counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "taskmill/pkg/logx"
)

// Set mirrors the scheduler's owned counters as Prometheus collectors.
// A nil *Set is a valid no-op, so callers don't need to guard every update.
type Set struct {
	ticks     prometheus.Counter
	completed prometheus.Counter
	succeeded prometheus.Counter
	inFlight  prometheus.Gauge
}

func NewSet(reg prometheus.Registerer) *Set {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Set{
		ticks: f.NewCounter(prometheus.CounterOpts{
			Name: "taskmill_ticks_total",
			Help: "Dispatch cycles executed.",
		}),
		completed: f.NewCounter(prometheus.CounterOpts{
			Name: "taskmill_tasks_completed_total",
			Help: "Tasks that reached a terminal state.",
		}),
		succeeded: f.NewCounter(prometheus.CounterOpts{
			Name: "taskmill_tasks_succeeded_total",
			Help: "Tasks that completed successfully (with or without warning).",
		}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "taskmill_tasks_in_flight",
			Help: "Tasks currently owned by an execution worker.",
		}),
	}
}

func (s *Set) TickObserved() {
	if s != nil {
		s.ticks.Inc()
	}
}

func (s *Set) TaskCompleted(succeeded bool) {
	if s == nil {
		return
	}
	s.completed.Inc()
	if succeeded {
		s.succeeded.Inc()
	}
}

func (s *Set) SetInFlight(n int) {
	if s != nil {
		s.inFlight.Set(float64(n))
	}
}

// Server serves /metrics and /healthz on a dedicated listener.
type Server struct {
	addr string
	log  logx.Logger
	srv  *http.Server
}

func NewServer(addr string, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{addr: addr, log: log}
}

// Run blocks serving until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{Addr: s.addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()
	s.log.Info("metrics listening", logx.String("addr", s.addr))

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(sctx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

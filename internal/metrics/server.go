package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"walt-sched/internal/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	server *http.Server
}

// NewServer serves the metrics of gatherer on addr under /metrics.
func NewServer(addr string, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Run serves until dying is closed, then shuts the server down.
func (s *Server) Run(dying <-chan struct{}) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln, dying)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ln net.Listener, dying <-chan struct{}) error {
	logger := logging.GetLogger()
	logger.WithField("address", ln.Addr().String()).Info("Starting metrics server")

	errc := make(chan error, 1)
	go func() {
		errc <- s.server.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-dying:
	}

	logger.Info("Shutting down metrics server")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

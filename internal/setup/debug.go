package setup

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// debugServer serves pprof and Prometheus metrics on localhost.
type debugServer struct {
	srv      *http.Server
	listener net.Listener
}

// newDebugMux registers the pprof handlers and the metrics endpoint.
func newDebugMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// startDebugServer initializes and starts the debug HTTP server.
func startDebugServer(port int, logger *zap.Logger) (*debugServer, error) {
	addr := fmt.Sprintf("localhost:%d", port)

	// Create secure server with timeouts
	srv := &http.Server{
		Addr:              addr,
		Handler:           newDebugMux(),
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Only listen on localhost
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	go func() {
		logger.Info("Starting debug server", zap.String("address", addr))
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Debug server failed", zap.Error(err))
		}
	}()

	return &debugServer{
		srv:      srv,
		listener: listener,
	}, nil
}

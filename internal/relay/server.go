package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// relayServer wires the registry into the two listeners: the control
// server ({relayPort}: /tunnel websocket upgrade plus the ops surface) and
// the public gateway ({relayPort + 1}).
type relayServer struct {
	logger    *slog.Logger
	opts      *relayOptions
	registry  *Registry
	metrics   *relayMetrics
	promReg   *prometheus.Registry
	resources *resourceTracker
	upgrader  websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	controlSrv *http.Server
	publicSrv  *http.Server
}

func newRelayServer(logger *slog.Logger, opts *relayOptions) (*relayServer, error) {
	newRequestID, err := opts.requestIDGenerator()
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := newRelayMetrics(promReg)

	registry := NewRegistry(logger, RegistryConfig{
		BaseDomain:   opts.baseDomain,
		QueueSize:    opts.queueSize,
		NewRequestID: newRequestID,
		Metrics:      metrics,
	})

	return &relayServer{
		logger:    logger.With("role", "relay"),
		opts:      opts,
		registry:  registry,
		metrics:   metrics,
		promReg:   promReg,
		resources: newResourceTracker(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout:  handshakeTimeout,
			EnableCompression: false,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

func (s *relayServer) run(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	if s.resources != nil {
		s.resources.start(s.ctx)
	}

	errCh := make(chan error, 1)
	sendErr := func(err error) {
		if err == nil {
			return
		}
		select {
		case errCh <- err:
		default:
		}
	}

	controlMux := http.NewServeMux()
	controlMux.HandleFunc("/tunnel", s.handleTunnel)
	controlMux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	controlMux.HandleFunc("/status.json", s.handleStatusJSON)
	controlMux.HandleFunc("/healthz", s.handleHealthz)

	s.controlSrv = &http.Server{
		Addr:              s.opts.controlListen,
		Handler:           controlMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.logger.Info("control listening", "addr", s.opts.controlListen, "base_domain", s.opts.baseDomain)
		if err := s.controlSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sendErr(fmt.Errorf("control listen: %w", err))
		}
	}()

	s.publicSrv = &http.Server{
		Addr:              s.opts.publicListen,
		Handler:           newGateway(s.logger, s.registry, s.metrics, s.opts.dispatchTimeout),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.logger.Info("public gateway listening", "addr", s.opts.publicListen)
		if err := s.publicSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sendErr(fmt.Errorf("public listen: %w", err))
		}
	}()

	var err error
	select {
	case err = <-errCh:
	case <-s.ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.publicSrv != nil {
		if errShutdown := s.publicSrv.Shutdown(shutdownCtx); errShutdown != nil {
			s.logger.Warn("public shutdown", "error", errShutdown)
		}
	}
	if s.controlSrv != nil {
		if errShutdown := s.controlSrv.Shutdown(shutdownCtx); errShutdown != nil {
			s.logger.Warn("control shutdown", "error", errShutdown)
		}
	}

	for _, session := range s.registry.Sessions() {
		s.registry.Deregister(session)
	}

	return err
}

func (s *relayServer) handleTunnel(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	session := newControlSession(s.registry, s.logger.With("component", "control"), conn, r.RemoteAddr, s.opts.idleTimeout)
	go session.run()
}

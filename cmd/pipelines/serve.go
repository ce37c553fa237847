package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-dispatch/pkg/config"
	"github.com/polisai/polis-dispatch/pkg/domain"
	"github.com/polisai/polis-dispatch/pkg/engine"
	"github.com/polisai/polis-dispatch/pkg/simulator"
	"github.com/polisai/polis-dispatch/pkg/telemetry"
)

const (
	defaultListenAddr       = ":8095"
	gracefulShutdownTimeout = 10 * time.Second
	maxRequestBody          = 1 << 20

	// FingerprintHeader carries the fingerprint of the chain that served a
	// dispatched request.
	FingerprintHeader = "X-Pipeline-Fingerprint"
)

// Context keys populated from dispatched HTTP requests. Query parameters are
// added under their own names unless they collide with these.
const (
	keyMethod      = "method"
	keyPath        = "path"
	keyContentType = "contentType"
	keyHost        = "host"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Dispatch HTTP requests through the manifest pipelines",
		Long: `Serves every request through the pipeline selected for it. The request method,
path, content type, host and query parameters form the context; the pipeline
result is written as the response body.

The manifest is watched and pipelines are rebuilt when it changes. A manifest
that fails to load leaves the previous pipelines in place.

Endpoints:
  GET  /healthz   liveness
  GET  /metrics   Prometheus hop metrics
  POST /explain   resolve a SimulationRequest without running it
  POST /simulate  run a SimulationRequest and return its trace`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().String("listen", defaultListenAddr, "Address to listen on")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cli, initial, logger, err := loadManifest(cmd)
	if err != nil {
		return err
	}
	listenAddr, err := cmd.Flags().GetString("listen")
	if err != nil {
		return fmt.Errorf("failed to get listen flag: %w", err)
	}

	provider, err := config.NewFileProvider(config.FileProviderConfig{Path: cli.Manifest, Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		if err := provider.Close(); err != nil {
			logger.Error("Failed to close manifest provider", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdown, err := setupTelemetry(ctx, initial)
	if err != nil {
		return fmt.Errorf("telemetry initialization failed: %w", err)
	}
	defer shutdownTelemetry(shutdown, logger)

	srv, err := newServer(prometheus.NewRegistry(), logger)
	if err != nil {
		return err
	}
	updates := provider.Subscribe()
	if err := srv.load(ctx, <-updates); err != nil {
		return err
	}
	go srv.watch(ctx, updates)

	var metricsServer *http.Server
	if addr := initial.Telemetry.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", srv.metricsHandler())
		metricsServer, err = listen(addr, mux, logger)
		if err != nil {
			return err
		}
	}

	httpServer, err := listen(listenAddr, srv.handler(initial.Telemetry.MetricsAddr == ""), logger)
	if err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer shutdownCancel()
	for _, s := range []*http.Server{httpServer, metricsServer} {
		if s == nil {
			continue
		}
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Error("Shutdown error", "error", err)
		}
	}
	return nil
}

// listen binds addr and serves handler in the background.
func listen(addr string, handler http.Handler, logger *slog.Logger) (*http.Server, error) {
	server := &http.Server{
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind listener %s: %w", addr, err)
	}

	// Log the actual resolved address (useful when addr is :0)
	logger.Info("Server listening", "addr", listener.Addr().String())

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()
	return server, nil
}

// pipelines is one generation of compiled manifest pipelines.
type pipelines struct {
	sim        *simulator.Simulator
	completion engine.Completion[string]
}

// server dispatches HTTP requests through the current generation of
// pipelines.
type server struct {
	logger   *slog.Logger
	registry *prometheus.Registry
	hops     *telemetry.PrometheusTracker
	current  atomic.Pointer[pipelines]
}

func newServer(registry *prometheus.Registry, logger *slog.Logger) (*server, error) {
	hops, err := telemetry.NewPrometheusTracker(registry)
	if err != nil {
		return nil, err
	}
	return &server{logger: logger, registry: registry, hops: hops}, nil
}

// load compiles m and swaps it in. On failure the current pipelines stay.
func (s *server) load(ctx context.Context, m *config.Manifest) error {
	sim, err := newSimulator(ctx, m, hopTrackers(m, s.logger, s.hops), s.logger)
	if err != nil {
		return err
	}
	s.current.Store(&pipelines{sim: sim, completion: m.CompletionFunc()})
	return nil
}

// watch loads every manifest received until updates closes or ctx ends.
func (s *server) watch(ctx context.Context, updates <-chan *config.Manifest) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-updates:
			if !ok {
				return
			}
			if err := s.load(ctx, m); err != nil {
				s.logger.Error("Failed to build pipelines", "error", err)
				continue
			}
			s.logger.Info("Pipelines updated", "providers", len(m.Providers))
		}
	}
}

func (s *server) metricsHandler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// handler routes the admin endpoints and dispatches everything else. When
// withMetrics is false /metrics is dispatched like any other path.
func (s *server) handler(withMetrics bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if withMetrics {
		mux.Handle("GET /metrics", s.metricsHandler())
	}
	mux.HandleFunc("POST /explain", s.handleSimulation(false))
	mux.HandleFunc("POST /simulate", s.handleSimulation(true))
	mux.Handle("/", otelhttp.NewHandler(http.HandlerFunc(s.dispatch), "pipelines.dispatch"))
	return mux
}

func (s *server) dispatch(w http.ResponseWriter, r *http.Request) {
	p := s.current.Load()
	if p == nil {
		http.Error(w, "pipelines not loaded", http.StatusServiceUnavailable)
		return
	}

	pc := requestContext(r)
	compiled, err := engine.For(r.Context(), p.sim.Manager(), pc, p.completion)
	if err != nil {
		s.logger.Error("Failed to resolve pipeline", "path", r.URL.Path, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set(FingerprintHeader, compiled.Pipeline().Fingerprint())

	result, err := compiled.Invoke(r.Context())
	if err != nil {
		s.logger.Warn("Pipeline failed", "path", r.URL.Path, "error", err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, result+"\n")
}

// statusFor maps binding failures to client errors; everything else is a
// pipeline failure.
func statusFor(err error) int {
	var bindErr *domain.BindingError
	if errors.As(err, &bindErr) {
		return http.StatusBadRequest
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// requestContext builds the dispatch context of r.
func requestContext(r *http.Request) *engine.MapContext {
	pc := engine.NewContext(
		engine.P(keyMethod, r.Method),
		engine.P(keyPath, r.URL.Path),
		engine.P(keyHost, r.Host),
	)
	if ct := r.Header.Get("Content-Type"); ct != "" {
		pc.Set(keyContentType, ct)
	}
	for name, values := range r.URL.Query() {
		if len(values) == 0 {
			continue
		}
		// Reserved keys win over query parameters.
		_ = pc.Add(name, values[0])
	}
	return pc
}

func (s *server) handleSimulation(run bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := s.current.Load()
		if p == nil {
			http.Error(w, "pipelines not loaded", http.StatusServiceUnavailable)
			return
		}

		var req domain.SimulationRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid simulation request: %v", err), http.StatusBadRequest)
			return
		}

		var (
			resp *domain.SimulationResponse
			err  error
		)
		if run {
			resp, err = p.sim.Simulate(r.Context(), req)
		} else {
			resp, err = p.sim.Explain(r.Context(), req)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			s.logger.Error("Failed to encode simulation response", "error", err)
		}
	}
}

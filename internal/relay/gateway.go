package relay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultDispatchTimeout bounds how long the gateway waits for a client's
// correlated response.
const DefaultDispatchTimeout = 30 * time.Second

// gateway serves the public HTTP endpoint: it resolves each request to a
// client session by hostname, forwards the serialized request over the
// control channel and answers with the correlated response or a failure
// status. Per-request failures never abort the listener or unrelated
// requests.
type gateway struct {
	logger   *slog.Logger
	registry *Registry
	metrics  *relayMetrics
	timeout  time.Duration
	tracer   trace.Tracer
}

func newGateway(logger *slog.Logger, registry *Registry, metrics *relayMetrics, timeout time.Duration) *gateway {
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	return &gateway{
		logger:   logger.With("component", "gateway"),
		registry: registry,
		metrics:  metrics,
		timeout:  timeout,
		tracer:   otel.Tracer("github.com/peril-lol/rshare/internal/relay"),
	}
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("request handler panicked", "host", r.Host, "panic", rec)
			writeJSONError(w, http.StatusInternalServerError)
		}
	}()
	g.handle(w, r)
}

func (g *gateway) handle(w http.ResponseWriter, r *http.Request) {
	if r.Host == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	session := g.registry.Lookup(r.Host)
	if session == nil {
		if g.metrics != nil {
			g.metrics.routeMisses.Inc()
		}
		g.logger.Debug("no session for host", "host", r.Host)
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	raw, err := httputil.DumpRequest(r, true)
	if err != nil {
		g.logger.Warn("request serialization failed", "host", r.Host, "error", err)
		writeJSONError(w, http.StatusInternalServerError)
		return
	}

	ctx, span := g.tracer.Start(r.Context(), "relay.dispatch",
		trace.WithAttributes(
			attribute.String("tunnel.client_id", session.ClientID()),
			attribute.String("http.host", r.Host),
			attribute.String("http.method", r.Method),
			attribute.Int("tunnel.request_bytes", len(raw)),
		))
	defer span.End()

	if g.metrics != nil {
		g.metrics.requestsTotal.Inc()
		g.metrics.requestBytes.Add(float64(len(raw)))
	}
	g.logger.Info("forwarding request", "client", session.ClientID(), "method", r.Method, "uri", r.RequestURI)

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	data, err := g.registry.Dispatch(ctx, session, raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.writeDispatchError(ctx, w, r, err)
		return
	}

	writeUpstreamResponse(w, r, data)
}

func (g *gateway) writeDispatchError(ctx context.Context, w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrResponseTimeout):
		if errors.Is(ctx.Err(), context.Canceled) {
			// The public caller went away; nothing to answer.
			return
		}
		http.Error(w, "Request timed out", http.StatusGatewayTimeout)
	case errors.Is(err, ErrClientDisconnected), errors.Is(err, ErrClientReplaced):
		http.Error(w, "Client disconnected", http.StatusBadGateway)
	case errors.Is(err, ErrDispatchQueueFull):
		http.Error(w, "Client overloaded", http.StatusBadGateway)
	case errors.Is(err, ErrLocalBridge):
		http.Error(w, "Client could not reach local service", http.StatusBadGateway)
	default:
		g.logger.Error("dispatch failed", "host", r.Host, "error", err)
		writeJSONError(w, http.StatusInternalServerError)
	}
}

// writeUpstreamResponse relays the client-delivered bytes. When they parse
// as a complete HTTP response the original status and headers are
// propagated; otherwise the bytes are returned verbatim with a 200, which
// is what the wire format guarantees at minimum.
func writeUpstreamResponse(w http.ResponseWriter, r *http.Request, data []byte) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(data)), r)
	if err != nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for key, values := range resp.Header {
		for _, v := range values {
			header.Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func writeJSONError(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, `{"error":"internal server error"}`)
}

// hostOnly strips an optional port from a Host header value.
func hostOnly(hostport string) string {
	if hostport == "" {
		return ""
	}
	if strings.HasPrefix(hostport, "[") {
		if idx := strings.LastIndex(hostport, "]"); idx != -1 {
			return hostport[:idx+1]
		}
	}
	if strings.Contains(hostport, ":") {
		host, _, err := net.SplitHostPort(hostport)
		if err == nil {
			return host
		}
	}
	return hostport
}

package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/peril-lol/rshare/internal/protocol"
)

func newTestGateway(r *Registry, timeout time.Duration) *gateway {
	return newGateway(testLogger(), r, nil, timeout)
}

func publicGet(g *gateway, host, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "http://"+host+path, nil)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	return rec
}

func TestGatewayUnknownHost(t *testing.T) {
	g := newTestGateway(newTestRegistry(RegistryConfig{}), time.Second)

	rec := publicGet(g, "nobody.public.dev.peril.lol", "/")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "Not found" {
		t.Fatalf("body = %q, want %q", got, "Not found")
	}
}

func TestGatewayPropagatesUpstreamResponse(t *testing.T) {
	r := newTestRegistry(RegistryConfig{})
	s, _, err := r.Register("abc", "", "")
	if err != nil {
		t.Fatal(err)
	}

	upstream := "HTTP/1.1 201 Created\r\n" +
		"Content-Type: application/json\r\n" +
		"X-Served-By: local\r\n" +
		"Content-Length: 13\r\n" +
		"\r\n" +
		`{"id":"abcd"}`
	echoClient(t, r, s, func(f *protocol.Frame) ([]byte, string) {
		raw, err := protocol.DecodePayload(f.Payload)
		if err != nil {
			t.Error(err)
		}
		// The gateway forwards the serialized request including its Host
		// header; the client sees the bytes the public caller sent.
		if !strings.Contains(string(raw), "Host: abc.public.dev.peril.lol") {
			t.Errorf("forwarded request missing host header: %q", raw)
		}
		return []byte(upstream), ""
	})

	g := newTestGateway(r, time.Second)
	rec := publicGet(g, "abc.public.dev.peril.lol", "/items")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if got := rec.Header().Get("X-Served-By"); got != "local" {
		t.Fatalf("X-Served-By = %q, want %q", got, "local")
	}
	if got := rec.Body.String(); got != `{"id":"abcd"}` {
		t.Fatalf("body = %q", got)
	}
}

func TestGatewayRawPayloadFallback(t *testing.T) {
	r := newTestRegistry(RegistryConfig{})
	s, _, err := r.Register("abc", "", "")
	if err != nil {
		t.Fatal(err)
	}
	echoClient(t, r, s, func(*protocol.Frame) ([]byte, string) {
		return []byte("plain bytes, not an http response"), ""
	})

	g := newTestGateway(r, time.Second)
	rec := publicGet(g, "abc.public.dev.peril.lol", "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "plain bytes, not an http response" {
		t.Fatalf("body = %q", got)
	}
}

func TestGatewayTimeout(t *testing.T) {
	r := newTestRegistry(RegistryConfig{})
	s, _, err := r.Register("abc", "", "")
	if err != nil {
		t.Fatal(err)
	}
	_ = s // nothing drains the queue, so the response never arrives

	g := newTestGateway(r, 30*time.Millisecond)
	rec := publicGet(g, "abc.public.dev.peril.lol", "/")
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "Request timed out" {
		t.Fatalf("body = %q", got)
	}
	if s.PendingCount() != 0 {
		t.Fatalf("pending count = %d after timeout", s.PendingCount())
	}
}

func TestGatewayClientDisconnected(t *testing.T) {
	r := newTestRegistry(RegistryConfig{})
	s, _, err := r.Register("abc", "", "")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		<-s.Outbound()
		r.Deregister(s)
	}()

	g := newTestGateway(r, time.Second)
	rec := publicGet(g, "abc.public.dev.peril.lol", "/")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "Client disconnected" {
		t.Fatalf("body = %q", got)
	}
}

func TestGatewayQueueFull(t *testing.T) {
	r := newTestRegistry(RegistryConfig{QueueSize: 1})
	s, _, err := r.Register("abc", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.EnqueueKeepAlive(); err != nil {
		t.Fatal(err)
	}

	g := newTestGateway(r, time.Second)
	rec := publicGet(g, "abc.public.dev.peril.lol", "/")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "Client overloaded" {
		t.Fatalf("body = %q", got)
	}
}

func TestGatewayBridgeFailure(t *testing.T) {
	r := newTestRegistry(RegistryConfig{})
	s, _, err := r.Register("abc", "", "")
	if err != nil {
		t.Fatal(err)
	}
	echoClient(t, r, s, func(*protocol.Frame) ([]byte, string) {
		return nil, "dial local service: connection refused"
	})

	g := newTestGateway(r, time.Second)
	rec := publicGet(g, "abc.public.dev.peril.lol", "/")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestGatewayPanicRecovery(t *testing.T) {
	// A nil registry makes the lookup panic; the handler must answer with
	// the opaque JSON 500 instead of tearing the connection down.
	g := newTestGateway(nil, time.Second)
	rec := publicGet(g, "abc.public.dev.peril.lol", "/")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("content-type = %q", got)
	}
	if got := rec.Body.String(); got != `{"error":"internal server error"}` {
		t.Fatalf("body = %q", got)
	}
}

func TestHostOnly(t *testing.T) {
	cases := map[string]string{
		"":                                "",
		"abc.public.dev.peril.lol":        "abc.public.dev.peril.lol",
		"abc.public.dev.peril.lol:8001":   "abc.public.dev.peril.lol",
		"app.example.com:443":             "app.example.com",
		"[::1]:8080":                      "[::1]",
		"plainhost":                       "plainhost",
	}
	for in, want := range cases {
		if got := hostOnly(in); got != want {
			t.Errorf("hostOnly(%q) = %q, want %q", in, got, want)
		}
	}
}

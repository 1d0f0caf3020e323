package tunnel

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peril-lol/rshare/internal/protocol"
)

// stubControl accepts one control connection, completes the register
// handshake and then reads until the agent goes away, closing the
// disconnected channel when it does.
func stubControl(t *testing.T, publicURL string) (wsURL string, disconnected <-chan struct{}) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	done := make(chan struct{})
	var once sync.Once

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := protocol.DecodeFrame(data)
		if err != nil || f.Type != protocol.FrameTypeRegister {
			return
		}
		reply, err := protocol.EncodeFrame(protocol.Registered(publicURL))
		if err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, reply); err != nil {
			return
		}

		// Keepalives keep arriving until the agent is stopped.
		for {
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			if _, _, err := conn.ReadMessage(); err != nil {
				once.Do(func() { close(done) })
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/tunnel", done
}

func TestRelayStrategyStartAndStop(t *testing.T) {
	wsURL, disconnected := stubControl(t, "https://abc.public.dev.peril.lol")

	s := NewRelayStrategy()
	tun, err := s.Start(context.Background(), Options{
		RelayURL:  wsURL,
		LocalPort: 8080,
		ClientID:  "abc",
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	if tun.URL != "https://abc.public.dev.peril.lol" {
		t.Fatalf("tunnel url = %q", tun.URL)
	}

	tun.Stop()
	select {
	case <-disconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("agent still connected after Stop")
	}

	// Stop is idempotent.
	tun.Stop()
}

func TestRelayStrategyStartFailsWithoutRelay(t *testing.T) {
	// A closed listener leaves nothing to dial, so the agent's run loop
	// keeps failing and the caller's context bounds the wait.
	srv := httptest.NewServer(http.NotFoundHandler())
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/tunnel"
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	s := NewRelayStrategy()
	if _, err := s.Start(ctx, Options{
		RelayURL:  wsURL,
		LocalPort: 8080,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}); err == nil {
		t.Fatal("expected Start to fail with no relay listening")
	}
}

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peril-lol/rshare/internal/protocol"
)

const (
	registerTimeout  = 10 * time.Second
	writeTimeout     = 20 * time.Second
	outboundCapacity = 64
	maxMessageSize   = 1 << 20
)

var errSessionClosed = errors.New("agent session closed")

// session is one connected incarnation of the agent: a register handshake
// followed by an inbound pump (forwarded requests, keepalive acks) and an
// outbound pump that owns all writes to the control socket.
type session struct {
	agent  *Agent
	conn   *websocket.Conn
	logger *slog.Logger

	outbound chan *protocol.Frame
	done     chan struct{}
	once     sync.Once
}

func newSession(a *Agent, conn *websocket.Conn) *session {
	return &session{
		agent:    a,
		conn:     conn,
		logger:   a.logger.With("session", time.Now().UnixNano()),
		outbound: make(chan *protocol.Frame, outboundCapacity),
		done:     make(chan struct{}),
	}
}

func (s *session) run(ctx context.Context) error {
	defer s.close()

	s.conn.SetReadLimit(maxMessageSize)

	s.agent.setState(stateRegistering)
	url, err := s.register()
	if err != nil {
		return err
	}
	s.agent.setState(stateActive)
	s.logger.Info("tunnel registered", "url", url)
	s.agent.event("tunnel registered: %s", url)
	if s.agent.opts.OnRegistered != nil {
		s.agent.opts.OnRegistered(url)
	}

	go s.outboundPump()

	readErr := make(chan error, 1)
	go func() {
		readErr <- s.inboundPump()
	}()

	keepalive := time.NewTicker(s.agent.opts.KeepAliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-keepalive.C:
			if err := s.send(protocol.KeepAlive()); err != nil {
				return err
			}
		}
	}
}

// register performs the handshake: send the register frame, await the
// registered reply within a short deadline. Any other reply fails this
// connection attempt.
func (s *session) register() (string, error) {
	data, err := protocol.EncodeFrame(protocol.Register(s.agent.opts.ClientID, s.agent.opts.Domain))
	if err != nil {
		return "", err
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(registerTimeout)); err != nil {
		return "", err
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return "", fmt.Errorf("send register: %w", err)
	}

	if err := s.conn.SetReadDeadline(time.Now().Add(registerTimeout)); err != nil {
		return "", err
	}
	_, reply, err := s.conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("read registered: %w", err)
	}
	f, err := protocol.DecodeFrame(reply)
	if err != nil {
		return "", err
	}
	if f.Type != protocol.FrameTypeRegistered || f.URL == "" {
		return "", fmt.Errorf("unexpected handshake reply %q", f.Type)
	}
	return f.URL, s.refreshReadDeadline()
}

func (s *session) inboundPump() error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if err := s.refreshReadDeadline(); err != nil {
			return err
		}

		f, err := protocol.DecodeFrame(data)
		if err != nil {
			s.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch f.Type {
		case protocol.FrameTypeHTTPRequest:
			// Each forwarded request gets its own bridge; a slow or failing
			// local service never stalls the pump or other requests.
			go s.bridge(f.RequestID, f.Payload)
		case protocol.FrameTypeKeepAlive:
			// Ack of our own keepalive; the read deadline refresh above is
			// the liveness signal. Replying here would echo forever.
			s.logger.Debug("keepalive ack")
		default:
			s.logger.Warn("ignoring unexpected frame", "type", f.Type)
		}
	}
}

func (s *session) outboundPump() {
	for {
		select {
		case f := <-s.outbound:
			data, err := protocol.EncodeFrame(f)
			if err != nil {
				s.logger.Warn("frame encode failed", "type", f.Type, "error", err)
				continue
			}
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				s.close()
				return
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				s.logger.Warn("control write failed", "type", f.Type, "error", err)
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// send queues a frame for the outbound pump. Bridges may block briefly on
// a full queue; a closed session unblocks them immediately.
func (s *session) send(f *protocol.Frame) error {
	select {
	case s.outbound <- f:
		return nil
	case <-s.done:
		return errSessionClosed
	}
}

func (s *session) refreshReadDeadline() error {
	return s.conn.SetReadDeadline(time.Now().Add(s.agent.opts.IdleTimeout))
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

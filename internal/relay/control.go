package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peril-lol/rshare/internal/protocol"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 20 * time.Second
)

// controlSession owns one accepted control-channel connection. It performs
// the register handshake, then runs the two pumps for the session's
// lifetime: the outbound pump is the sole socket writer so queued frames
// are delivered in order and never interleaved, the inbound pump feeds
// responses and keepalives back into the registry.
type controlSession struct {
	registry *Registry
	logger   *slog.Logger
	conn     *websocket.Conn
	remote   string
	idle     time.Duration

	session *ClientSession
}

func newControlSession(registry *Registry, logger *slog.Logger, conn *websocket.Conn, remote string, idle time.Duration) *controlSession {
	return &controlSession{
		registry: registry,
		logger:   logger,
		conn:     conn,
		remote:   remote,
		idle:     idle,
	}
}

func (c *controlSession) run() {
	defer c.conn.Close()

	url, err := c.handshake()
	if err != nil {
		c.logger.Warn("handshake failed", "remote", c.remote, "error", err)
		return
	}

	logger := c.logger.With("client", c.session.clientID)
	logger.Info("client registered", "remote", c.remote, "url", url)

	go c.outboundPump(logger)
	c.inboundPump(logger)

	// Either pump ending tears the whole session down; Deregister closes
	// the done channel, which stops the other pump.
	c.registry.Deregister(c.session)
	logger.Info("client disconnected", "remote", c.remote)
}

// handshake waits for exactly one register frame. Any other first frame,
// or a decode failure, ends the connection without creating a session.
func (c *controlSession) handshake() (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return "", err
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("read register: %w", err)
	}
	f, err := protocol.DecodeFrame(data)
	if err != nil {
		return "", err
	}
	if f.Type != protocol.FrameTypeRegister {
		return "", fmt.Errorf("first frame must be register, got %q", f.Type)
	}

	session, url, err := c.registry.Register(f.ClientID, f.Domain, c.remote)
	if err != nil {
		return "", err
	}
	c.session = session

	// The registered reply is written before the outbound pump starts, so
	// it cannot interleave with queued request frames.
	if err := c.writeFrame(protocol.Registered(url)); err != nil {
		c.registry.Deregister(session)
		return "", fmt.Errorf("send registered: %w", err)
	}

	if err := c.refreshReadDeadline(); err != nil {
		c.registry.Deregister(session)
		return "", err
	}
	return url, nil
}

func (c *controlSession) outboundPump(logger *slog.Logger) {
	for {
		select {
		case f := <-c.session.Outbound():
			if err := c.writeFrame(f); err != nil {
				logger.Warn("control write failed", "type", f.Type, "error", err)
				c.conn.Close()
				c.registry.Deregister(c.session)
				return
			}
		case <-c.session.Done():
			c.conn.Close()
			return
		}
	}
}

func (c *controlSession) inboundPump(logger *slog.Logger) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed) {
				logger.Debug("control channel closed")
			} else {
				logger.Warn("control read failed", "error", err)
			}
			return
		}
		if err := c.refreshReadDeadline(); err != nil {
			return
		}

		f, err := protocol.DecodeFrame(data)
		if err != nil {
			// Malformed frames are dropped; the connection continues.
			logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch f.Type {
		case protocol.FrameTypeHTTPResponse:
			payload, err := protocol.DecodePayload(f.Payload)
			if err != nil {
				logger.Warn("dropping response with bad payload", "request", f.RequestID, "error", err)
				continue
			}
			c.registry.Resolve(c.session, f.RequestID, payload, f.Error)
		case protocol.FrameTypeKeepAlive:
			if err := c.session.EnqueueKeepAlive(); err != nil {
				logger.Debug("keepalive echo dropped", "error", err)
			}
		default:
			logger.Warn("ignoring unexpected frame", "type", f.Type)
		}
	}
}

func (c *controlSession) writeFrame(f *protocol.Frame) error {
	data, err := protocol.EncodeFrame(f)
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *controlSession) refreshReadDeadline() error {
	if c.idle <= 0 {
		return c.conn.SetReadDeadline(time.Time{})
	}
	return c.conn.SetReadDeadline(time.Now().Add(c.idle))
}

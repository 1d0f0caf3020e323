package agent

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"time"

	"github.com/peril-lol/rshare/internal/protocol"
)

const bridgeResponseTimeout = 25 * time.Second

// bridge forwards one http_request frame to the local service over a fresh
// TCP connection and sends the correlated http_response back. Failures are
// contained to this request: the error is reported to the relay so the
// gateway can answer immediately, and the tunnel stays up.
func (s *session) bridge(requestID, payload string) {
	raw, err := protocol.DecodePayload(payload)
	if err != nil {
		s.logger.Warn("request payload decode failed", "request", requestID, "error", err)
		s.respondError(requestID, "malformed request payload")
		return
	}

	response, err := s.forwardLocal(raw)
	if err != nil {
		s.logger.Warn("local bridge failed", "request", requestID, "error", err)
		s.agent.event("forwarding error: %v", err)
		s.respondError(requestID, err.Error())
		return
	}

	if err := s.send(protocol.HTTPResponse(requestID, response, "")); err != nil {
		s.logger.Warn("response send failed", "request", requestID, "error", err)
	}
}

// forwardLocal writes the serialized request to 127.0.0.1:{localPort} and
// reads one complete HTTP response, honoring Content-Length and chunked
// encoding rather than a single bounded read.
func (s *session) forwardLocal(raw []byte) ([]byte, error) {
	// ReadResponse needs the originating request: a HEAD response carries
	// Content-Length but no body, and without the method it would wait for
	// body bytes that never come.
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, fmt.Errorf("parse forwarded request: %w", err)
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(s.agent.opts.LocalPort))
	conn, err := net.DialTimeout("tcp", addr, s.agent.opts.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial local service: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(bridgeResponseTimeout)); err != nil {
		return nil, err
	}
	if _, err := conn.Write(raw); err != nil {
		return nil, fmt.Errorf("write to local service: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return nil, fmt.Errorf("read local response: %w", err)
	}
	defer resp.Body.Close()

	dump, err := httputil.DumpResponse(resp, true)
	if err != nil {
		return nil, fmt.Errorf("serialize local response: %w", err)
	}
	return dump, nil
}

func (s *session) respondError(requestID, message string) {
	if err := s.send(protocol.HTTPResponse(requestID, nil, message)); err != nil {
		s.logger.Debug("error response send failed", "request", requestID, "error", err)
	}
}

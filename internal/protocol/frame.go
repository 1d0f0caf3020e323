package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

type FrameType string

const (
	FrameTypeRegister     FrameType = "register"
	FrameTypeRegistered   FrameType = "registered"
	FrameTypeHTTPRequest  FrameType = "http_request"
	FrameTypeHTTPResponse FrameType = "http_response"
	FrameTypeKeepAlive    FrameType = "keepalive"
)

// Frame is the tunnel wire message exchanged over the control channel.
// Every frame carries an explicit type discriminant; fields not used by a
// given type stay empty and are omitted from the encoding. Decoders ignore
// unknown fields so both ends can evolve independently.
type Frame struct {
	Type      FrameType `json:"type"`
	ClientID  string    `json:"clientId,omitempty"`
	Domain    string    `json:"domain,omitempty"`
	URL       string    `json:"url,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
	Payload   string    `json:"payload,omitempty"`
	Error     string    `json:"error,omitempty"`
}

var knownTypes = map[FrameType]struct{}{
	FrameTypeRegister:     {},
	FrameTypeRegistered:   {},
	FrameTypeHTTPRequest:  {},
	FrameTypeHTTPResponse: {},
	FrameTypeKeepAlive:    {},
}

// EncodeFrame serializes a frame for transmission as one control-channel
// message.
func EncodeFrame(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("encode nil frame")
	}
	if _, ok := knownTypes[f.Type]; !ok {
		return nil, fmt.Errorf("encode frame with unknown type %q", f.Type)
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

// DecodeFrame parses a received message. It is total: malformed input
// yields an error, never a panic, and the caller decides whether to drop
// the frame or the connection.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("decode empty frame")
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type discriminant")
	}
	if _, ok := knownTypes[f.Type]; !ok {
		return nil, fmt.Errorf("unknown frame type %q", f.Type)
	}
	return &f, nil
}

func EncodePayload(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

func DecodePayload(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 payload: %w", err)
	}
	return data, nil
}

// Register builds the handshake frame a client sends first on a new
// control connection.
func Register(clientID, domain string) *Frame {
	return &Frame{Type: FrameTypeRegister, ClientID: clientID, Domain: domain}
}

// Registered builds the handshake acknowledgement carrying the public URL.
func Registered(url string) *Frame {
	return &Frame{Type: FrameTypeRegistered, URL: url}
}

// HTTPRequest wraps a serialized public request for delivery to a client.
func HTTPRequest(requestID string, raw []byte) *Frame {
	return &Frame{Type: FrameTypeHTTPRequest, RequestID: requestID, Payload: EncodePayload(raw)}
}

// HTTPResponse wraps the client's raw response bytes, correlated by
// request id. errMsg is set when the local bridge failed and no response
// bytes exist.
func HTTPResponse(requestID string, raw []byte, errMsg string) *Frame {
	return &Frame{Type: FrameTypeHTTPResponse, RequestID: requestID, Payload: EncodePayload(raw), Error: errMsg}
}

// KeepAlive builds the liveness echo frame.
func KeepAlive() *Frame {
	return &Frame{Type: FrameTypeKeepAlive}
}

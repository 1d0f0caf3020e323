package protocol

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []*Frame{
		Register("abc", ""),
		Register("abc", "demo.example.com"),
		Registered("https://abc.public.dev.peril.lol"),
		HTTPRequest("req-1", []byte("GET / HTTP/1.1\r\nHost: abc\r\n\r\n")),
		HTTPResponse("req-1", []byte("HTTP/1.1 200 OK\r\n\r\nok"), ""),
		HTTPResponse("req-2", nil, "connection refused"),
		KeepAlive(),
	}

	for _, in := range cases {
		data, err := EncodeFrame(in)
		if err != nil {
			t.Fatalf("encode %s: %v", in.Type, err)
		}
		out, err := DecodeFrame(data)
		if err != nil {
			t.Fatalf("decode %s: %v", in.Type, err)
		}
		if *out != *in {
			t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
		}
	}
}

func TestDecodeFrameRejectsMalformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":        nil,
		"not json":     []byte("not-json"),
		"missing type": []byte(`{"clientId":"abc"}`),
		"unknown type": []byte(`{"type":"shutdown"}`),
	}
	for name, data := range cases {
		if _, err := DecodeFrame(data); err == nil {
			t.Errorf("%s: expected decode error", name)
		}
	}
}

func TestDecodeFrameIgnoresUnknownFields(t *testing.T) {
	data := []byte(`{"type":"keepalive","futureField":42,"nested":{"a":1}}`)
	f, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Type != FrameTypeKeepAlive {
		t.Fatalf("unexpected type %q", f.Type)
	}
}

func TestEncodeFrameRejectsUnknownType(t *testing.T) {
	if _, err := EncodeFrame(&Frame{Type: "bogus"}); err == nil {
		t.Fatal("expected encode error for unknown type")
	}
	if _, err := EncodeFrame(nil); err == nil {
		t.Fatal("expected encode error for nil frame")
	}
}

func TestPayloadHelpers(t *testing.T) {
	raw := []byte{0x00, 0x01, 0xff, 'a', 'b'}
	decoded, err := DecodePayload(EncodePayload(raw))
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if !bytes.Equal(decoded, raw) {
		t.Fatalf("payload mismatch: got %v want %v", decoded, raw)
	}

	if EncodePayload(nil) != "" {
		t.Fatal("empty payload must encode to empty string")
	}
	if out, err := DecodePayload(""); err != nil || out != nil {
		t.Fatalf("empty payload decode: %v %v", out, err)
	}
	if _, err := DecodePayload("%%%"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
}

func BenchmarkFrameDecode(b *testing.B) {
	payload := make([]byte, 8*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	data, err := EncodeFrame(HTTPRequest("bench-request", payload))
	if err != nil {
		b.Fatalf("encode failed: %v", err)
	}

	b.ReportAllocs()
	b.SetBytes(int64(len(data)))
	for i := 0; i < b.N; i++ {
		f, err := DecodeFrame(data)
		if err != nil {
			b.Fatalf("decode failed: %v", err)
		}
		if f.RequestID != "bench-request" {
			b.Fatalf("unexpected request id %q", f.RequestID)
		}
	}
}

package tunnel

import "testing"

func TestExtractURL(t *testing.T) {
	cases := []struct {
		name string
		line string
		want string
		ok   bool
	}{
		{
			name: "ngrok forwarding line",
			line: "Forwarding https://ab12cd.ngrok-free.app -> http://localhost:8080",
			want: "https://ab12cd.ngrok-free.app",
			ok:   true,
		},
		{
			name: "cloudflared boxed banner",
			line: "|  https://random-words-here.trycloudflare.com  |",
			want: "https://random-words-here.trycloudflare.com",
			ok:   true,
		},
		{
			name: "json log line",
			line: `{"msg":"started tunnel","url":"https://ab12cd.ngrok-free.app"}`,
			want: "https://ab12cd.ngrok-free.app",
			ok:   true,
		},
		{
			name: "no url",
			line: "INF Starting tunnel connection",
		},
		{
			name: "local endpoint skipped",
			line: "serving https://localhost",
		},
		{
			name: "plain http skipped",
			line: "listening on http://127.0.0.1:4040",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := extractURL(tc.line)
			if ok != tc.ok {
				t.Fatalf("extractURL(%q) ok = %v, want %v", tc.line, ok, tc.ok)
			}
			if got != tc.want {
				t.Fatalf("extractURL(%q) = %q, want %q", tc.line, got, tc.want)
			}
		})
	}
}

func TestForName(t *testing.T) {
	for name, want := range map[string]string{
		"":            "relay",
		"relay":       "relay",
		"ngrok":       "ngrok",
		"cloudflared": "cloudflared",
	} {
		s, err := ForName(name)
		if err != nil {
			t.Fatalf("ForName(%q): %v", name, err)
		}
		if s.Name() != want {
			t.Fatalf("ForName(%q).Name() = %q, want %q", name, s.Name(), want)
		}
	}

	if _, err := ForName("carrier-pigeon"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"time"
)

const execStartTimeout = 30 * time.Second

// Tunnel binaries print their public endpoint somewhere in the startup
// chatter. Scraping the first https URL off stdout/stderr works for both
// ngrok and cloudflared and survives minor output format changes.
var urlPattern = regexp.MustCompile(`https://[^/\s"]+`)

// execStrategy wraps an external tunnel binary. The subprocess keeps
// running until the handle is stopped; its output is streamed to the sink.
type execStrategy struct {
	name string
	args func(opts Options) []string
}

// Ngrok tunnels through a locally installed ngrok binary.
func Ngrok() Strategy {
	return &execStrategy{
		name: "ngrok",
		args: func(opts Options) []string {
			args := []string{"http"}
			if opts.Domain != "" {
				args = append(args, "--domain", opts.Domain)
			}
			return append(args, strconv.Itoa(opts.LocalPort))
		},
	}
}

// Cloudflared tunnels through a locally installed cloudflared binary.
func Cloudflared() Strategy {
	return &execStrategy{
		name: "cloudflared",
		args: func(opts Options) []string {
			args := []string{"tunnel", "--no-autoupdate"}
			if opts.Domain != "" {
				args = append(args, "--hostname", opts.Domain)
			}
			return append(args, "--url", fmt.Sprintf("http://localhost:%d", opts.LocalPort))
		},
	}
}

func (e *execStrategy) Name() string { return e.name }

func (e *execStrategy) Start(ctx context.Context, opts Options) (*Tunnel, error) {
	bin, err := exec.LookPath(e.name)
	if err != nil {
		return nil, fmt.Errorf("%s is not installed or not on PATH", e.name)
	}

	cmd := exec.Command(bin, e.args(opts)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", e.name, err)
	}

	urlCh := make(chan string, 1)
	go e.scan(stdout, opts.Sink, urlCh)
	go e.scan(stderr, opts.Sink, urlCh)

	stop := func() {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		cmd.Wait()
	}

	select {
	case url := <-urlCh:
		return &Tunnel{URL: url, stop: stop}, nil
	case <-time.After(execStartTimeout):
		// Named tunnels (cloudflared with a configured hostname) may not
		// print a URL at all; the hostname itself is the endpoint.
		if opts.Domain != "" {
			return &Tunnel{URL: "https://" + opts.Domain, stop: stop}, nil
		}
		stop()
		return nil, fmt.Errorf("%s did not report a tunnel URL within %s", e.name, execStartTimeout)
	case <-ctx.Done():
		stop()
		return nil, ctx.Err()
	}
}

// scan streams subprocess output to the sink and reports the first public
// URL it sees. Local endpoints the binaries also print are skipped.
func (e *execStrategy) scan(r io.Reader, sink func(string), urlCh chan<- string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if sink != nil {
			sink(fmt.Sprintf("[%s] %s", e.name, line))
		}
		if url, ok := extractURL(line); ok {
			select {
			case urlCh <- url:
			default:
			}
		}
	}
}

func extractURL(line string) (string, bool) {
	url := urlPattern.FindString(line)
	switch {
	case url == "":
		return "", false
	case url == "https://localhost" || url == "https://127.0.0.1":
		return "", false
	}
	return url, true
}

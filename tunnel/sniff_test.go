package tunnel

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"testing/iotest"
	"time"
)

func TestSniff(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		kind     Kind
		target   string
		consumed int
		err      error
	}{
		{
			name:     "connect",
			input:    "CONNECT github.com:443 HTTP/1.1\r\nHost: github.com\r\n\r\n",
			kind:     KindTunnel,
			target:   "github.com:443",
			consumed: len("CONNECT github.com:443 HTTP/1.1\r\nHost: github.com\r\n\r\n"),
		},
		{
			name:     "connect ipv6",
			input:    "CONNECT [2001:db8::1]:8443 HTTP/1.1\r\n\r\n",
			kind:     KindTunnel,
			target:   "[2001:db8::1]:8443",
			consumed: len("CONNECT [2001:db8::1]:8443 HTTP/1.1\r\n\r\n"),
		},
		{
			name:   "absolute uri",
			input:  "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n",
			kind:   KindHTTPProxy,
			target: "example.com:80",
		},
		{
			name:   "absolute uri with port",
			input:  "POST http://github.com:8080/x?y=1 HTTP/1.1\r\nHost: github.com:8080\r\nContent-Length: 0\r\n\r\n",
			kind:   KindHTTPProxy,
			target: "github.com:8080",
		},
		{
			name:  "origin form",
			input: "GET /proxy.pac HTTP/1.1\r\nHost: 127.0.0.1\r\n\r\n",
			kind:  KindNone,
		},
		{
			name:  "tls",
			input: "\x16\x03\x01\x02\x00\x01\x00\x01\xfc\x03\x03",
			kind:  KindNone,
		},
		{
			name:  "lowercase garbage",
			input: "hello world\r\n\r\n",
			kind:  KindNone,
		},
		{
			name:  "asterisk form",
			input: "OPTIONS * HTTP/1.1\r\nHost: 127.0.0.1\r\n\r\n",
			kind:  KindNone,
		},
		{
			name:  "not http version",
			input: "GET http://example.com/ SPDY/3\r\n\r\n",
			err:   ErrBadRequest,
		},
		{
			name:  "space in absolute uri",
			input: "GET http://exa mple.com/ HTTP/1.1\r\nHost: x\r\n\r\n",
			err:   ErrBadRequest,
		},
		{
			name:  "unsupported scheme",
			input: "GET ftp://example.com/ HTTP/1.1\r\n\r\n",
			err:   ErrBadRequest,
		},
		{
			name:  "absolute uri bad port",
			input: "GET http://example.com:0/ HTTP/1.1\r\n\r\n",
			err:   ErrBadRequest,
		},
		{
			name:  "header without colon",
			input: "GET http://example.com/ HTTP/1.1\r\nbroken\r\n\r\n",
			err:   ErrBadRequest,
		},
		{
			name:  "origin form with broken header",
			input: "GET / HTTP/1.1\r\nbroken\r\n\r\n",
			err:   ErrBadRequest,
		},
		{
			name:  "connect without port",
			input: "CONNECT github.com HTTP/1.1\r\n\r\n",
			err:   ErrBadRequest,
		},
		{
			name:  "connect bad port",
			input: "CONNECT github.com:99999 HTTP/1.1\r\n\r\n",
			err:   ErrBadRequest,
		},
		{
			name:  "connect missing version",
			input: "CONNECT github.com:443\r\n\r\n",
			err:   ErrBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bufio.NewReaderSize(strings.NewReader(tt.input), 4096)
			got, err := Sniff(r, 4096)
			if !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}
			if tt.err != nil {
				return
			}
			if got.Kind != tt.kind || got.Target != tt.target || got.Consumed != tt.consumed {
				t.Errorf("Sniff = %+v, want kind=%s target=%q consumed=%d", got, tt.kind, tt.target, tt.consumed)
			}

			rest, _ := io.ReadAll(r)
			if want := tt.input[tt.consumed:]; string(rest) != want {
				t.Errorf("remaining = %q, want %q", rest, want)
			}
		})
	}
}

func TestSniffConnectKeepsPipelinedBytes(t *testing.T) {
	input := "CONNECT github.com:443 HTTP/1.1\r\n\r\n\x16\x03\x01"
	r := bufio.NewReader(strings.NewReader(input))
	got, err := Sniff(r, 0)
	if err != nil || got.Kind != KindTunnel {
		t.Fatalf("Sniff = %+v, %v", got, err)
	}
	rest, _ := io.ReadAll(r)
	if !bytes.Equal(rest, []byte("\x16\x03\x01")) {
		t.Errorf("remaining = %q", rest)
	}
}

func TestSniffSlowClient(t *testing.T) {
	input := "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n"
	r := bufio.NewReader(iotest.OneByteReader(strings.NewReader(input)))
	got, err := Sniff(r, 0)
	if err != nil || got.Kind != KindHTTPProxy {
		t.Fatalf("Sniff = %+v, %v", got, err)
	}
	rest, _ := io.ReadAll(r)
	if string(rest) != input {
		t.Errorf("second read = %q, want identical bytes", rest)
	}
}

func TestSniffHeaderTooLarge(t *testing.T) {
	long := strings.Repeat("a", 200)

	r := bufio.NewReaderSize(strings.NewReader("CONNECT github.com:443 HTTP/1.1\r\nX: "+long+"\r\n\r\n"), 64)
	if _, err := Sniff(r, 64); !errors.Is(err, ErrBadRequest) {
		t.Errorf("oversized CONNECT: err = %v", err)
	}

	r = bufio.NewReaderSize(strings.NewReader("GET http://x/ HTTP/1.1\r\nX: "+long+"\r\n\r\n"), 64)
	if _, err := Sniff(r, 64); !errors.Is(err, ErrBadRequest) {
		t.Errorf("oversized GET: err = %v", err)
	}
}

func TestSniffEOF(t *testing.T) {
	r := bufio.NewReader(strings.NewReader(""))
	if _, err := Sniff(r, 0); !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want EOF", err)
	}

	r = bufio.NewReader(strings.NewReader("GET http://exa"))
	got, err := Sniff(r, 0)
	if err != nil || got.Kind != KindNone {
		t.Errorf("truncated request: %+v, %v", got, err)
	}
}

// The client sends a whole request and then waits for the answer, so the
// sniffer must not block for bytes beyond the header.
func TestSniffDoesNotWaitPastHeader(t *testing.T) {
	tests := []struct {
		name  string
		input string
		kind  Kind
	}{
		{"connect", "CONNECT github.com:443 HTTP/1.1\r\nHost: github.com:443\r\n\r\n", KindTunnel},
		{"proxy get", "GET http://github.com/ HTTP/1.1\r\nHost: github.com\r\n\r\n", KindHTTPProxy},
		{"origin form", "GET /proxy.pac HTTP/1.1\r\nHost: 127.0.0.1\r\n\r\n", KindNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := net.Pipe()
			defer client.Close()
			defer server.Close()
			server.SetReadDeadline(time.Now().Add(3 * time.Second))

			go client.Write([]byte(tt.input))

			start := time.Now()
			got, err := Sniff(bufio.NewReader(server), 0)
			if err != nil || got.Kind != tt.kind {
				t.Fatalf("Sniff = %+v, %v", got, err)
			}
			if elapsed := time.Since(start); elapsed > time.Second {
				t.Errorf("Sniff took %v with the client still open", elapsed)
			}
		})
	}
}

func TestPeekTLS(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"tls 1.0 record", "\x16\x03\x01\x00\x10", true},
		{"tls 1.2 record", "\x16\x03\x03", true},
		{"http", "GET / HTTP/1.1\r\n", false},
		{"alert record", "\x15\x03\x01", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bufio.NewReader(strings.NewReader(tt.input))
			got, err := PeekTLS(r)
			if err != nil || got != tt.want {
				t.Fatalf("PeekTLS = %v, %v; want %v", got, err, tt.want)
			}
			rest, _ := io.ReadAll(r)
			if string(rest) != tt.input {
				t.Errorf("peek consumed input: %q", rest)
			}
		})
	}

	r := bufio.NewReader(strings.NewReader("\x16"))
	if ok, err := PeekTLS(r); ok || err == nil {
		t.Errorf("short input: %v, %v", ok, err)
	}
}

func TestPAC(t *testing.T) {
	pac := PAC([]string{"github.com", "full:api.github.com", "keyword:githubusercontent", "*.githubassets.com"}, "127.0.0.1:38457")
	for _, want := range []string{
		`host == "github.com" || dnsDomainIs(host, ".github.com")`,
		`host == "api.github.com"`,
		`host.indexOf("githubusercontent") >= 0`,
		`dnsDomainIs(host, ".githubassets.com")`,
		`return "PROXY 127.0.0.1:38457";`,
		`return "DIRECT";`,
	} {
		if !strings.Contains(pac, want) {
			t.Errorf("PAC missing %q:\n%s", want, pac)
		}
	}
}

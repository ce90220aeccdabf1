package tunnel

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ghaccel/ghaccel/addrtable"
	"github.com/ghaccel/ghaccel/flow"
	"github.com/ghaccel/ghaccel/metrics"
	"github.com/ghaccel/ghaccel/sni"
)

var unreachable = netip.MustParseAddr("192.0.2.1")

// recordingDial refuses connections to unreachable and remaps port 443 on
// loopback to redirect, if set.
type recordingDial struct {
	mu       sync.Mutex
	attempts []string
	redirect string
}

func (r *recordingDial) dial(ctx context.Context, network, address string) (net.Conn, error) {
	r.mu.Lock()
	r.attempts = append(r.attempts, address)
	r.mu.Unlock()
	if strings.HasPrefix(address, unreachable.String()+":") {
		return nil, errors.New("connection refused")
	}
	if r.redirect != "" && address == "127.0.0.1:443" {
		address = r.redirect
	}
	return (&net.Dialer{}).DialContext(ctx, network, address)
}

func (r *recordingDial) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.attempts)
}

func echoServer(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

func startServer(t *testing.T, d *Dialer, kind ListenerKind) (*Server, string) {
	t.Helper()
	return startServerWith(t, Options{SniffTimeout: 2 * time.Second}, d, kind)
}

func startServerWith(t *testing.T, opts Options, d *Dialer, kind ListenerKind) (*Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := NewServer(opts, d, flow.NewMeter(), metrics.NewCollector(nil))
	go s.Serve(ln, kind)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	return s, ln.Addr().String()
}

func dialProxy(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	c.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConnectFailsOverToNextCandidate(t *testing.T) {
	up := echoServer(t)
	table := addrtable.New(0)
	table.Offer("github.com", unreachable, 10*time.Millisecond)
	table.SetAlternates("github.com", []netip.Addr{unreachable, netip.MustParseAddr("127.0.0.1")})

	rd := &recordingDial{}
	d := &Dialer{Table: table, Matcher: sni.NewMatcher([]string{"github.com"}), Timeout: 2 * time.Second, Dial: rd.dial}
	s, addr := startServer(t, d, ListenerProxy)

	c := dialProxy(t, addr)
	fmt.Fprintf(c, "CONNECT github.com:%d HTTP/1.1\r\nHost: github.com\r\n\r\n", up.Port)

	resp := make([]byte, len(connectEstablished))
	if _, err := io.ReadFull(c, resp); err != nil {
		t.Fatal(err)
	}
	if string(resp) != "HTTP/1.1 200 Connection Established\r\n\r\n" {
		t.Fatalf("response = %q", resp)
	}

	if _, err := c.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	echo := make([]byte, 4)
	if _, err := io.ReadFull(c, echo); err != nil {
		t.Fatalf("relay not established: %v", err)
	}
	if string(echo) != "ping" {
		t.Errorf("echo = %q", echo)
	}

	want := []string{fmt.Sprintf("192.0.2.1:%d", up.Port), fmt.Sprintf("127.0.0.1:%d", up.Port)}
	if got := rd.seen(); !slices.Equal(got, want) {
		t.Errorf("attempts = %v, want %v", got, want)
	}
	if snap := s.metrics.GetSnapshot(); snap.KindDist["tunnel"] != 1 || snap.ActiveConnections != 1 {
		t.Errorf("metrics = %+v", snap)
	}
}

func TestConnectAllCandidatesFail(t *testing.T) {
	table := addrtable.New(0)
	table.Offer("github.com", unreachable, time.Millisecond)
	rd := &recordingDial{}
	d := &Dialer{Table: table, Matcher: sni.NewMatcher([]string{"github.com"}), Dial: rd.dial}
	s, addr := startServer(t, d, ListenerProxy)

	c := dialProxy(t, addr)
	fmt.Fprint(c, "CONNECT github.com:443 HTTP/1.1\r\n\r\n")
	got, _ := io.ReadAll(c)
	if string(got) != string(connectEstablished) {
		t.Errorf("client saw %q, want only the CONNECT response then close", got)
	}
	if snap := s.metrics.GetSnapshot(); snap.FailedSetups != 1 {
		t.Errorf("failed setups = %d", snap.FailedSetups)
	}
}

func TestBadConnect(t *testing.T) {
	d := &Dialer{Matcher: sni.NewMatcher(nil)}
	_, addr := startServer(t, d, ListenerProxy)

	c := dialProxy(t, addr)
	fmt.Fprint(c, "CONNECT github.com HTTP/1.1\r\n\r\n")
	got, _ := io.ReadAll(c)
	if string(got) != "HTTP/1.1 400 Bad Request\r\n\r\n" {
		t.Errorf("response = %q", got)
	}
}

func TestConnectAnsweredBeforeSniffTimeout(t *testing.T) {
	up := echoServer(t)
	d := &Dialer{Matcher: sni.NewMatcher(nil)}
	_, addr := startServerWith(t, Options{SniffTimeout: 4 * time.Second}, d, ListenerProxy)

	c := dialProxy(t, addr)
	start := time.Now()
	fmt.Fprintf(c, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", up, up)
	resp := make([]byte, len(connectEstablished))
	if _, err := io.ReadFull(c, resp); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("CONNECT answered after %v", elapsed)
	}
	if string(resp) != string(connectEstablished) {
		t.Errorf("response = %q", resp)
	}
}

func TestMalformedProxyRequest(t *testing.T) {
	tests := []struct {
		name    string
		request string
	}{
		{"space in uri", "GET http://exa mple.com/ HTTP/1.1\r\nHost: x\r\n\r\n"},
		{"bad version", "GET http://example.com/ HTTP/2.0\r\n\r\n"},
		{"unsupported scheme", "GET ftp://example.com/ HTTP/1.1\r\n\r\n"},
		{"broken header", "POST http://example.com/ HTTP/1.1\r\nnot a header\r\n\r\n"},
	}
	d := &Dialer{Matcher: sni.NewMatcher(nil)}
	_, addr := startServer(t, d, ListenerProxy)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := dialProxy(t, addr)
			fmt.Fprint(c, tt.request)
			got, _ := io.ReadAll(c)
			if string(got) != "HTTP/1.1 400 Bad Request\r\n\r\n" {
				t.Errorf("response = %q", got)
			}
		})
	}
}

func TestConnectionLimitCoversHTTPHandler(t *testing.T) {
	d := &Dialer{Matcher: sni.NewMatcher([]string{"github.com"})}
	s, addr := startServerWith(t, Options{SniffTimeout: 2 * time.Second, MaxConnections: 1}, d, ListenerProxy)

	c := dialProxy(t, addr)
	fmt.Fprint(c, "GET /proxy.pac HTTP/1.1\r\nHost: "+addr+"\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(c), nil)
	if err != nil {
		t.Fatal(err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	// The keep-alive connection is still open in the HTTP handler.
	time.Sleep(50 * time.Millisecond)
	if n := s.ActiveConnections(); n != 1 {
		t.Fatalf("active = %d while the HTTP connection is open", n)
	}
	second := dialProxy(t, addr)
	if _, err := io.ReadAll(second); err != nil {
		t.Fatalf("second connection: %v", err)
	}

	c.Close()
	deadline := time.Now().Add(5 * time.Second)
	for s.ActiveConnections() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("slot not released, active = %d", s.ActiveConnections())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPlainHTTPProxy(t *testing.T) {
	var seenHost string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenHost = r.Host
		fmt.Fprintf(w, "hello %s", r.URL.Path)
	}))
	defer up.Close()
	upURL, _ := url.Parse(up.URL)

	table := addrtable.New(0)
	table.Offer("example.test", netip.MustParseAddr("127.0.0.1"), time.Millisecond)
	d := &Dialer{Table: table, Matcher: sni.NewMatcher([]string{"example.test"})}
	_, addr := startServer(t, d, ListenerProxy)

	proxyURL, _ := url.Parse("http://" + addr)
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   5 * time.Second,
	}
	target := fmt.Sprintf("http://example.test:%s/path", upURL.Port())
	resp, err := client.Get(target)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "hello /path" {
		t.Errorf("status %d body %q", resp.StatusCode, body)
	}
	if seenHost != "example.test:"+upURL.Port() {
		t.Errorf("upstream Host = %q", seenHost)
	}
}

func TestServePAC(t *testing.T) {
	d := &Dialer{Matcher: sni.NewMatcher([]string{"github.com"})}
	_, addr := startServer(t, d, ListenerProxy)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/proxy.pac")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ns-proxy-autoconfig" {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(string(body), "PROXY "+addr) {
		t.Errorf("PAC = %s", body)
	}

	resp, err = client.Get("http://" + addr + "/other")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("non-proxy request status = %d", resp.StatusCode)
	}
}

func TestRawTLSRoutedBySNI(t *testing.T) {
	up := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer up.Close()
	pool := x509.NewCertPool()
	pool.AddCert(up.Certificate())

	table := addrtable.New(0)
	table.Offer("example.com", netip.MustParseAddr("127.0.0.1"), time.Millisecond)
	rd := &recordingDial{redirect: up.Listener.Addr().String()}
	d := &Dialer{Table: table, Matcher: sni.NewMatcher([]string{"example.com"}), Dial: rd.dial}
	_, addr := startServer(t, d, ListenerTLS)

	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool},
			DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, network, addr)
			},
		},
	}
	resp, err := client.Get("https://example.com/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Errorf("body = %q", body)
	}
	if got := rd.seen(); !slices.Equal(got, []string{"127.0.0.1:443"}) {
		t.Errorf("attempts = %v", got)
	}
}

func TestDialerResolve(t *testing.T) {
	table := addrtable.New(0)
	best := netip.MustParseAddr("140.82.112.3")
	alt := netip.MustParseAddr("140.82.112.4")
	table.Offer("github.com", best, 20*time.Millisecond)
	table.SetAlternates("github.com", []netip.Addr{alt, best})
	d := &Dialer{Table: table, Matcher: sni.NewMatcher([]string{"github.com"})}

	tests := []struct {
		host        string
		accelerated bool
		candidates  []netip.Addr
	}{
		{"140.82.114.4", false, []netip.Addr{netip.MustParseAddr("140.82.114.4")}},
		{"[::1]", false, []netip.Addr{netip.MustParseAddr("::1")}},
		{"example.org", false, nil},
		{"github.com", true, []netip.Addr{best, alt}},
		{"GitHub.com.", true, []netip.Addr{best, alt}},
		{"api.github.com", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			r := d.Resolve(tt.host)
			if r.Accelerated != tt.accelerated || !slices.Equal(r.Candidates, tt.candidates) {
				t.Errorf("Resolve(%q) = %+v", tt.host, r)
			}
		})
	}
}

func TestRelay(t *testing.T) {
	clientA, clientB := net.Pipe()
	upA, upB := net.Pipe()
	meter := flow.NewMeter()

	done := make(chan error, 1)
	go func() { done <- Relay(context.Background(), clientB, upA, meter) }()

	go clientA.Write([]byte("hello"))
	buf := make([]byte, 5)
	if _, err := io.ReadFull(upB, buf); err != nil || string(buf) != "hello" {
		t.Fatalf("upstream read %q, %v", buf, err)
	}
	go upB.Write([]byte("bye!"))
	buf = make([]byte, 4)
	if _, err := io.ReadFull(clientA, buf); err != nil || string(buf) != "bye!" {
		t.Fatalf("client read %q, %v", buf, err)
	}

	upB.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Relay = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not end when upstream closed")
	}
	if _, err := clientA.Read(buf); err != io.EOF {
		t.Errorf("client leg still open: %v", err)
	}

	r := meter.Rate()
	if r.ReadTotal != 5 || r.WriteTotal != 4 {
		t.Errorf("rate = %+v", r)
	}
}

func TestRelayCancel(t *testing.T) {
	_, clientB := net.Pipe()
	upA, _ := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Relay(ctx, clientB, upA) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Relay = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay ignored cancellation")
	}
}

func TestBuildStopsWhenNextNotCalled(t *testing.T) {
	var trace []string
	stage := func(name string, cont bool) Stage {
		return StageFunc(func(ctx context.Context, st *State, next Next) {
			trace = append(trace, name)
			if cont {
				next(ctx)
			}
		})
	}
	Build(stage("a", true), stage("b", false), stage("c", true))(context.Background(), &State{})
	if !slices.Equal(trace, []string{"a", "b"}) {
		t.Errorf("trace = %v", trace)
	}
}

func TestPlainTextSentinel(t *testing.T) {
	var during, after bool
	probe := StageFunc(func(ctx context.Context, st *State, next Next) {
		during = st.PlainText
		next(ctx)
	})
	check := StageFunc(func(ctx context.Context, st *State, next Next) {
		after = st.PlainText
	})
	h := Build(StageFunc(markPlainText), probe, StageFunc(restorePlainText), check)

	h(context.Background(), &State{IsTLS: false})
	if !during || after {
		t.Errorf("plain: during=%v after=%v", during, after)
	}
	h(context.Background(), &State{IsTLS: true})
	if during || after {
		t.Errorf("tls: during=%v after=%v", during, after)
	}
}

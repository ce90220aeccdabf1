package tunnel

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ghaccel/ghaccel/log"
	"github.com/ghaccel/ghaccel/sni"
)

// connListener feeds connections that the pipeline hands over to an
// http.Server.
type connListener struct {
	addr  net.Addr
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func newConnListener(addr net.Addr) *connListener {
	return &connListener{addr: addr, conns: make(chan net.Conn), done: make(chan struct{})}
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *connListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *connListener) Addr() net.Addr { return l.addr }

// deliver passes c to the server. It reports false if the listener is
// closed or ctx ends first; c is then still owned by the caller.
func (l *connListener) deliver(ctx context.Context, c net.Conn) bool {
	select {
	case l.conns <- c:
		return true
	case <-l.done:
		return false
	case <-ctx.Done():
		return false
	}
}

type httpHandler struct {
	matcher *sni.Matcher
	proxy   *httputil.ReverseProxy
	// proxyAddr is advertised in the PAC file when the request carries no
	// Host.
	proxyAddr string
}

func newHTTPHandler(dialer *Dialer, matcher *sni.Matcher, proxyAddr string) *httpHandler {
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &httpHandler{
		matcher:   matcher,
		proxyAddr: proxyAddr,
		proxy: &httputil.ReverseProxy{
			Rewrite: func(pr *httputil.ProxyRequest) {
				pr.Out.URL.Scheme = pr.In.URL.Scheme
				if pr.Out.URL.Scheme == "" {
					pr.Out.URL.Scheme = "http"
				}
				pr.Out.URL.Host = pr.In.URL.Host
				if pr.Out.URL.Host == "" {
					pr.Out.URL.Host = pr.In.Host
				}
				pr.Out.Host = pr.In.Host
			},
			Transport: transport,
			ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
				log.Tracef("http proxy: %s %s: %v", r.Method, r.URL, err)
				w.WriteHeader(http.StatusBadGateway)
			},
		},
	}
}

func (h *httpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.IsAbs():
		h.proxy.ServeHTTP(w, r)
	case r.URL.Path == "/proxy.pac":
		h.servePAC(w, r)
	case h.matcher.IsAccelerated(r.Host):
		// port 80 traffic redirected here by the system
		h.proxy.ServeHTTP(w, r)
	default:
		http.Error(w, "not a proxy request", http.StatusBadRequest)
	}
}

func (h *httpHandler) servePAC(w http.ResponseWriter, r *http.Request) {
	addr := r.Host
	if addr == "" {
		addr = h.proxyAddr
	}
	w.Header().Set("Content-Type", "application/x-ns-proxy-autoconfig")
	w.Header().Set("Cache-Control", "no-cache")
	fmt.Fprint(w, PAC(h.matcher.Patterns(), addr))
}

// PAC renders a proxy auto-config script routing hosts that match patterns
// through the proxy at addr.
func PAC(patterns []string, addr string) string {
	var conds []string
	for _, p := range patterns {
		switch {
		case strings.HasPrefix(p, "full:"):
			conds = append(conds, fmt.Sprintf("host == %s", strconv.Quote(strings.TrimPrefix(p, "full:"))))
		case strings.HasPrefix(p, "keyword:"):
			conds = append(conds, fmt.Sprintf("host.indexOf(%s) >= 0", strconv.Quote(strings.TrimPrefix(p, "keyword:"))))
		case strings.HasPrefix(p, "regexp:"):
			conds = append(conds, fmt.Sprintf("new RegExp(%s).test(host)", strconv.Quote(strings.TrimPrefix(p, "regexp:"))))
		case strings.HasPrefix(p, "*."):
			conds = append(conds, fmt.Sprintf("dnsDomainIs(host, %s)", strconv.Quote(p[1:])))
		default:
			d := strconv.Quote(p)
			conds = append(conds, fmt.Sprintf("host == %s || dnsDomainIs(host, %s)", d, strconv.Quote("."+p)))
		}
	}

	var b strings.Builder
	b.WriteString("function FindProxyForURL(url, host) {\n")
	b.WriteString("\thost = host.toLowerCase();\n")
	for _, c := range conds {
		fmt.Fprintf(&b, "\tif (%s) return %s;\n", c, strconv.Quote("PROXY "+addr))
	}
	b.WriteString("\treturn \"DIRECT\";\n}\n")
	return b.String()
}

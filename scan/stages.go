package scan

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ghaccel/ghaccel/log"
	"github.com/ghaccel/ghaccel/sni"
	"golang.org/x/sync/semaphore"
)

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Limiter bounds the number of probes that run the rest of the chain at
// once. The slot is released when next returns, however it returns.
type Limiter struct {
	sem      *semaphore.Weighted
	size     int64
	inFlight atomic.Int64
	peak     atomic.Int64
}

// DefaultLimit is factor probes per CPU.
func DefaultLimit(factor int) int {
	if factor < 1 {
		factor = 4
	}
	return factor * runtime.NumCPU()
}

func NewLimiter(size int) *Limiter {
	if size < 1 {
		size = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

func (l *Limiter) Invoke(ctx context.Context, pc *ProbeContext, next Next) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		pc.Err = err
		return
	}
	defer l.sem.Release(1)

	n := l.inFlight.Add(1)
	defer l.inFlight.Add(-1)
	for {
		p := l.peak.Load()
		if n <= p || l.peak.CompareAndSwap(p, n) {
			break
		}
	}
	next(ctx)
}

func (l *Limiter) Size() int { return int(l.size) }
func (l *Limiter) InFlight() int { return int(l.inFlight.Load()) }
func (l *Limiter) Peak() int { return int(l.peak.Load()) }

// Statistics times the rest of the chain and appends the outcome to the
// probe's history once it finishes, including when a later stage panics.
type Statistics struct {
	// Observe, if set, is called with every finished probe.
	Observe func(pc *ProbeContext, elapsed time.Duration)
}

func (s *Statistics) Invoke(ctx context.Context, pc *ProbeContext, next Next) {
	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		pc.History.Add(Sample{Success: pc.Available, Elapsed: elapsed, At: start})
		if s.Observe != nil {
			s.Observe(pc, elapsed)
		}
	}()
	next(ctx)
}

// TCPProbe checks that the address accepts a TCP connection.
type TCPProbe struct {
	Timeout time.Duration
	Dial    DialFunc
}

func (p *TCPProbe) Invoke(ctx context.Context, pc *ProbeContext, next Next) {
	dial := p.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	dctx, cancel := context.WithTimeout(ctx, p.Timeout)
	conn, err := dial(dctx, "tcp", pc.Endpoint())
	cancel()
	if err != nil {
		pc.Err = err
		log.Tracef("scan: %s tcp failed: %v", pc, err)
		return
	}
	_ = conn.Close()
	next(ctx)
}

// ValidationError reports an HTTPS answer that did not come from the
// expected origin.
type ValidationError struct {
	Domain string
	Server string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s answered with Server %q, response is forged", e.Domain, e.Server)
}

type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("unexpected status %d", e.Code) }

// HTTPSProbe issues GET https://<domain>/ pinned to the candidate address,
// with SNI and Host set to the domain and normal certificate verification.
// Elapsed is the time to the first response byte.
type HTTPSProbe struct {
	Timeout time.Duration
	// ExpectedServer is the Server product token required from domains
	// owned by one of VerifyFor.
	ExpectedServer string
	VerifyFor      []string
	RootCAs        *x509.CertPool
	Dial           DialFunc
}

func (p *HTTPSProbe) Invoke(ctx context.Context, pc *ProbeContext, next Next) {
	elapsed, err := p.probe(ctx, pc)
	if err != nil {
		pc.Err = err
		var ve *ValidationError
		if errors.As(err, &ve) {
			log.Warnf("scan: %s: %v", pc, err)
		} else {
			log.Tracef("scan: %s https failed: %v", pc, err)
		}
		return
	}
	pc.Available = true
	pc.Elapsed = elapsed
	next(ctx)
}

func (p *HTTPSProbe) probe(ctx context.Context, pc *ProbeContext) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	dial := p.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	endpoint := pc.Endpoint()
	tr := &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dial(ctx, network, endpoint)
		},
		TLSClientConfig:       &tls.Config{ServerName: pc.Domain, RootCAs: p.RootCAs},
		TLSHandshakeTimeout:   p.Timeout,
		ResponseHeaderTimeout: p.Timeout,
		DisableKeepAlives:     true,
	}
	defer tr.CloseIdleConnections()

	client := &http.Client{
		Transport: tr,
		Timeout:   p.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	var first time.Time
	trace := &httptrace.ClientTrace{GotFirstResponseByte: func() { first = time.Now() }}
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodGet, "https://"+pc.Domain+"/", nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Host = pc.Domain
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	elapsed := time.Since(start)
	if !first.IsZero() {
		elapsed = first.Sub(start)
	}

	if resp.StatusCode >= 400 {
		return 0, &StatusError{Code: resp.StatusCode}
	}
	if p.ExpectedServer != "" && sni.OwnedBy(pc.Domain, p.VerifyFor) {
		server := resp.Header.Get("Server")
		if !strings.EqualFold(serverProduct(server), p.ExpectedServer) {
			return 0, &ValidationError{Domain: pc.Domain, Server: server}
		}
	}
	return elapsed, nil
}

// serverProduct returns the product name of a Server header value:
// "GitHub.com/1.0 (x)" yields "GitHub.com".
func serverProduct(v string) string {
	v = strings.TrimSpace(v)
	if i := strings.IndexAny(v, "/ "); i >= 0 {
		v = v[:i]
	}
	return v
}

// Logging reports available probes and always continues.
type Logging struct{}

func (Logging) Invoke(ctx context.Context, pc *ProbeContext, next Next) {
	if pc.Available {
		log.Infof("scan: %s available in %v", pc, pc.Elapsed.Round(time.Millisecond))
	}
	next(ctx)
}

// DefaultStages returns the production chain. Statistics wraps both probes
// so that failed probes are recorded too.
func DefaultStages(limiter *Limiter, stats *Statistics, tcp *TCPProbe, https *HTTPSProbe) []Stage {
	return []Stage{limiter, stats, tcp, https, Logging{}}
}

package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghaccel/ghaccel/flow"
	"github.com/ghaccel/ghaccel/log"
	"github.com/ghaccel/ghaccel/metrics"
	"github.com/ghaccel/ghaccel/sni"
	"github.com/google/uuid"
)

const (
	defaultMaxConnections = 1024
	defaultSniffTimeout   = 10 * time.Second
	defaultMaxHeaderBytes = 16 << 10
	tlsRecordMax          = 5 + 16384 + 2048
)

type Options struct {
	BindAddress    string
	HTTPPort       int
	TLSPort        int
	SniffTimeout   time.Duration
	MaxHeaderBytes int
	MaxConnections int
}

// Server accepts client connections on the proxy and raw TLS listeners and
// runs each one through the connection pipeline.
type Server struct {
	opts    Options
	dialer  *Dialer
	matcher *sni.Matcher
	meter   *flow.Meter
	metrics *metrics.Collector
	handler Handler

	mu        sync.Mutex
	listeners []net.Listener
	httpLn    *connListener
	httpOnce  sync.Once
	httpSrv   *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	activeConns atomic.Int64
	connSem     chan struct{}
}

func NewServer(opts Options, dialer *Dialer, meter *flow.Meter, mc *metrics.Collector) *Server {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = defaultMaxConnections
	}
	if opts.SniffTimeout <= 0 {
		opts.SniffTimeout = defaultSniffTimeout
	}
	if opts.MaxHeaderBytes <= 0 {
		opts.MaxHeaderBytes = defaultMaxHeaderBytes
	}
	s := &Server{
		opts:    opts,
		dialer:  dialer,
		matcher: dialer.Matcher,
		meter:   meter,
		metrics: mc,
		httpLn:  newConnListener(&net.TCPAddr{}),
		connSem: make(chan struct{}, opts.MaxConnections),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.handler = Build(
		StageFunc(s.sniff),
		StageFunc(markPlainText),
		StageFunc(s.clientHello),
		StageFunc(restorePlainText),
		StageFunc(s.tunnel),
		StageFunc(s.httpFallback),
	)
	return s
}

// Start binds the configured listeners. A zero port disables that listener.
func (s *Server) Start() error {
	lc := listenConfig()
	var bound []net.Listener
	for _, l := range []struct {
		port int
		kind ListenerKind
	}{{s.opts.HTTPPort, ListenerProxy}, {s.opts.TLSPort, ListenerTLS}} {
		if l.port == 0 {
			continue
		}
		addr := net.JoinHostPort(s.opts.BindAddress, strconv.Itoa(l.port))
		ln, err := lc.Listen(s.ctx, "tcp", addr)
		if err != nil {
			for _, b := range bound {
				b.Close()
			}
			return fmt.Errorf("tunnel %s listen %s: %w", l.kind, addr, err)
		}
		bound = append(bound, ln)
		log.Infof("tunnel %s listener on %s", l.kind, ln.Addr())
		go s.Serve(ln, l.kind)
	}
	return nil
}

// Serve accepts connections on ln until it is closed or the server stops.
func (s *Server) Serve(ln net.Listener, kind ListenerKind) {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		ln.Close()
		return
	}
	s.listeners = append(s.listeners, ln)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if kind == ListenerProxy {
		s.httpOnce.Do(func() { s.startHTTP(ln.Addr().String()) })
	}
	s.acceptLoop(ln, kind)
}

func (s *Server) startHTTP(proxyAddr string) {
	s.httpSrv = &http.Server{
		Handler:           newHTTPHandler(s.dialer, s.matcher, proxyAddr),
		ReadHeaderTimeout: s.opts.SniffTimeout,
		MaxHeaderBytes:    s.opts.MaxHeaderBytes,
		IdleTimeout:       2 * time.Minute,
	}
	srv := s.httpSrv
	go func() {
		if err := srv.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			log.Errorf("tunnel http handler: %v", err)
		}
	}()
}

// Addrs returns the listener addresses in the order they were served.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]net.Addr, 0, len(s.listeners))
	for _, ln := range s.listeners {
		out = append(out, ln.Addr())
	}
	return out
}

func (s *Server) ActiveConnections() int64 { return s.activeConns.Load() }

// Stop closes the listeners, ends every relay and waits for the connection
// goroutines until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.mu.Unlock()

	var firstErr error
	s.httpOnce.Do(func() {})
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.httpSrv.Close()
			firstErr = err
		}
	}
	s.httpLn.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if firstErr == nil {
			firstErr = ctx.Err()
		}
	}
	return firstErr
}

func (s *Server) acceptLoop(ln net.Listener, kind ListenerKind) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Errorf("tunnel %s accept: %v", kind, err)
			continue
		}

		select {
		case s.connSem <- struct{}{}:
		default:
			log.Tracef("tunnel connection limit reached, rejecting %s", conn.RemoteAddr())
			conn.Close()
			continue
		}

		s.activeConns.Add(1)
		release := sync.OnceFunc(func() {
			<-s.connSem
			s.activeConns.Add(-1)
		})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if !s.serveConn(s.ctx, conn, kind, release) {
				release()
			}
		}()
	}
}

// ServeConn runs one accepted connection through the pipeline. The
// connection is closed on return unless the HTTP handler took it over.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn, kind ListenerKind) {
	s.serveConn(ctx, conn, kind, nil)
}

// serveConn reports whether the HTTP handler took the connection over. In
// that case release runs when the handler closes it.
func (s *Server) serveConn(ctx context.Context, conn net.Conn, kind ListenerKind, release func()) (handedOff bool) {
	st := &State{
		ID:       uuid.New().String(),
		Listener: kind,
		Client:   conn,
		Reader:   bufio.NewReaderSize(conn, max(s.opts.MaxHeaderBytes, tlsRecordMax)),
		release:  release,
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("tunnel %s: panic: %v", st, r)
		}
		if !st.HandedOff {
			conn.Close()
		}
		handedOff = st.HandedOff
	}()
	s.handler(ctx, st)
	return st.HandedOff
}

func (s *Server) sniff(ctx context.Context, st *State, next Next) {
	st.Client.SetReadDeadline(time.Now().Add(s.opts.SniffTimeout))

	res, err := Sniff(st.Reader, s.opts.MaxHeaderBytes)
	if errors.Is(err, ErrBadRequest) {
		log.Tracef("tunnel %s: bad proxy request", st)
		st.Client.Write(badRequest)
		return
	}
	if err != nil {
		log.Tracef("tunnel %s: sniff: %v", st, err)
		return
	}
	st.Sniffed = res
	st.Target = res.Target

	if res.Kind == KindNone {
		if st.IsTLS, err = PeekTLS(st.Reader); err != nil {
			log.Tracef("tunnel %s: peek: %v", st, err)
			return
		}
	}
	st.Client.SetReadDeadline(time.Time{})
	log.Debugf("tunnel %s: %s target=%q tls=%v", st, res.Kind, res.Target, st.IsTLS)
	next(ctx)
}

func markPlainText(ctx context.Context, st *State, next Next) {
	if !st.IsTLS {
		st.PlainText = true
	}
	next(ctx)
}

// clientHello reads the server name of a raw TLS connection without
// consuming the record.
func (s *Server) clientHello(ctx context.Context, st *State, next Next) {
	if st.PlainText || st.Sniffed.Kind != KindNone {
		next(ctx)
		return
	}

	st.Client.SetReadDeadline(time.Now().Add(s.opts.SniffTimeout))
	hdr, err := st.Reader.Peek(5)
	if err != nil {
		log.Tracef("tunnel %s: read TLS header: %v", st, err)
		return
	}
	n, err := sni.RecordLen(hdr)
	if err != nil {
		log.Tracef("tunnel %s: %v", st, err)
		return
	}
	rec, err := st.Reader.Peek(n)
	if err != nil {
		log.Tracef("tunnel %s: read ClientHello: %v", st, err)
		return
	}
	name, err := sni.ParseClientHelloSNI(rec)
	if err != nil {
		log.Tracef("tunnel %s: %v", st, err)
		return
	}
	st.Client.SetReadDeadline(time.Time{})
	st.ServerName = name
	st.Target = net.JoinHostPort(name, "443")
	next(ctx)
}

func restorePlainText(ctx context.Context, st *State, next Next) {
	st.PlainText = false
	next(ctx)
}

func (s *Server) tunnel(ctx context.Context, st *State, next Next) {
	var kind string
	switch {
	case st.Sniffed.Kind == KindTunnel:
		kind = "tunnel"
	case st.Sniffed.Kind == KindNone && st.IsTLS && st.Target != "":
		kind = "tls"
	default:
		next(ctx)
		return
	}

	host := sni.StripPort(st.Target)
	if kind == "tunnel" {
		if _, err := st.Client.Write(connectEstablished); err != nil {
			log.Tracef("tunnel %s: write CONNECT response: %v", st, err)
			return
		}
	}

	upstream, err := s.dialer.DialContext(ctx, "tcp", st.Target)
	if err != nil {
		log.Infof("tunnel %s: %v", st, err)
		s.metrics.RecordSetupFailure(host, err)
		return
	}

	s.metrics.RecordConnection(kind, host, st.Client.RemoteAddr().String(), upstream.RemoteAddr().String())
	defer s.metrics.CloseConnection()

	perConn := flow.NewMeter()
	start := time.Now()
	err = Relay(ctx, st.Conn(), upstream, perConn, s.meter)
	rate := perConn.Rate()
	log.Tracef("tunnel %s: %s closed after %v, up %d down %d bytes (err %v)",
		st, st.Target, time.Since(start).Round(time.Millisecond), rate.ReadTotal, rate.WriteTotal, err)
}

// httpFallback hands plain HTTP connections to the shared HTTP handler.
func (s *Server) httpFallback(ctx context.Context, st *State, next Next) {
	if st.IsTLS {
		log.Tracef("tunnel %s: nothing to do, closing", st)
		return
	}
	s.httpOnce.Do(func() { s.startHTTP("") })
	s.metrics.RecordConnection("http", sni.StripPort(st.Target), st.Client.RemoteAddr().String(), "")
	pc := &peekedConn{Conn: st.Client, r: st.Reader, onClose: func() {
		s.metrics.CloseConnection()
		if st.release != nil {
			st.release()
		}
	}}
	if !s.httpLn.deliver(ctx, flow.NewMeteredConn(pc, s.meter)) {
		s.metrics.CloseConnection()
		return
	}
	st.HandedOff = true
}

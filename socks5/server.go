package socks5

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghaccel/ghaccel/config"
	"github.com/ghaccel/ghaccel/flow"
	"github.com/ghaccel/ghaccel/log"
	"github.com/ghaccel/ghaccel/metrics"
	"github.com/ghaccel/ghaccel/sni"
	gosocks5 "github.com/things-go/go-socks5"
)

const (
	maxConnections = 1024
	handshakeTime  = 30 * time.Second
)

// DialFunc is the upstream dialer, normally tunnel.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Server is a SOCKS5 front-end whose CONNECT requests go through the
// accelerated dialer.
type Server struct {
	cfg     *config.Socks5Config
	dial    DialFunc
	meter   *flow.Meter
	metrics *metrics.Collector
	socks   *gosocks5.Server

	mu       sync.Mutex
	listener net.Listener

	activeConns atomic.Int64
	connSem     chan struct{} // semaphore for connection limiting
	wg          sync.WaitGroup
}

func NewServer(cfg *config.Socks5Config, dial DialFunc, meter *flow.Meter, mc *metrics.Collector) *Server {
	s := &Server{
		cfg:     cfg,
		dial:    dial,
		meter:   meter,
		metrics: mc,
		connSem: make(chan struct{}, maxConnections),
	}

	opts := []gosocks5.Option{
		gosocks5.WithLogger(logAdapter{}),
		gosocks5.WithResolver(deferredResolver{}),
		gosocks5.WithDial(s.dialUpstream),
	}
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, gosocks5.WithAuthMethods([]gosocks5.Authenticator{
			gosocks5.UserPassAuthenticator{Credentials: gosocks5.StaticCredentials{cfg.Username: cfg.Password}},
		}))
	}
	s.socks = gosocks5.NewServer(opts...)
	return s
}

// Start begins listening for SOCKS5 connections. Returns nil immediately if disabled.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		log.Infof("SOCKS5 server disabled")
		return nil
	}
	addr := net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("SOCKS5 listen: %w", err)
	}
	log.Infof("SOCKS5 server listening on %s", ln.Addr())
	go s.Serve(ln)
	return nil
}

// Serve accepts connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Errorf("SOCKS5 accept: %v", err)
			continue
		}

		select {
		case s.connSem <- struct{}{}:
		default:
			log.Tracef("SOCKS5 connection limit reached, rejecting %s", conn.RemoteAddr())
			conn.Close()
			continue
		}

		s.activeConns.Add(1)
		s.wg.Add(1)
		go func() {
			defer func() {
				conn.Close()
				<-s.connSem
				s.activeConns.Add(-1)
				s.wg.Done()
			}()
			conn.SetDeadline(time.Now().Add(handshakeTime))
			hc := &handshakeConn{Conn: conn}
			if err := s.socks.ServeConn(flow.NewMeteredConn(hc, s.meter)); err != nil {
				log.Tracef("SOCKS5 %s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// Stop closes the listener and waits for open sessions until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (s *Server) dialUpstream(ctx context.Context, network, addr string) (net.Conn, error) {
	host := sni.StripPort(addr)
	c, err := s.dial(ctx, network, addr)
	if err != nil {
		s.metrics.RecordSetupFailure(host, err)
		return nil, err
	}
	log.Tracef("SOCKS5 relay to %s via %s", addr, c.RemoteAddr())
	s.metrics.RecordConnection("socks5", host, "", c.RemoteAddr().String())
	return &upstreamConn{Conn: c, onClose: s.metrics.CloseConnection}, nil
}

// handshakeConn clears the handshake deadline once the request reply has
// been written. Method and auth replies are two bytes; the request reply is
// the first write of at least ten.
type handshakeConn struct {
	net.Conn
	done bool
}

func (c *handshakeConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if !c.done && len(p) >= 10 {
		c.done = true
		c.Conn.SetDeadline(time.Time{})
	}
	return n, err
}

// upstreamConn reports its close once.
type upstreamConn struct {
	net.Conn
	onClose func()
	once    sync.Once
}

func (c *upstreamConn) Close() error {
	c.once.Do(c.onClose)
	return c.Conn.Close()
}

// deferredResolver leaves names unresolved so the dialer can route
// accelerated domains by name.
type deferredResolver struct{}

func (deferredResolver) Resolve(ctx context.Context, name string) (context.Context, net.IP, error) {
	return ctx, nil, nil
}

type logAdapter struct{}

func (logAdapter) Errorf(format string, args ...interface{}) {
	log.Tracef("SOCKS5 "+format, args...)
}

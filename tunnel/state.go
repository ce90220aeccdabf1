package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
)

// ListenerKind tells which local listener accepted a connection.
type ListenerKind int

const (
	// ListenerProxy accepts CONNECT tunnels and plain proxy requests.
	ListenerProxy ListenerKind = iota
	// ListenerTLS accepts raw TLS redirected from port 443.
	ListenerTLS
)

func (k ListenerKind) String() string {
	if k == ListenerTLS {
		return "tls"
	}
	return "proxy"
}

// State is the per-connection record the pipeline stages share.
type State struct {
	ID       string
	Listener ListenerKind
	Client   net.Conn
	Reader   *bufio.Reader

	Sniffed Sniffed
	IsTLS   bool
	// PlainText is set while the connection is known not to carry TLS, so
	// the ClientHello stage leaves it alone.
	PlainText  bool
	ServerName string
	Target     string

	// HandedOff is set once another owner (the HTTP server) is responsible
	// for closing Client.
	HandedOff bool

	// release frees the connection's slot under the server limit.
	release func()
}

func (st *State) String() string {
	id := st.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s %s %s", id, st.Listener, st.Client.RemoteAddr())
}

// Conn returns the client connection with reads going through the sniffing
// buffer, so bytes that were only peeked are not lost.
func (st *State) Conn() net.Conn {
	return &peekedConn{Conn: st.Client, r: st.Reader}
}

type peekedConn struct {
	net.Conn
	r io.Reader

	onClose func()
	once    sync.Once
}

func (c *peekedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *peekedConn) Close() error {
	err := c.Conn.Close()
	if c.onClose != nil {
		c.once.Do(c.onClose)
	}
	return err
}

func (c *peekedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Next continues the connection pipeline.
type Next func(ctx context.Context)

type Stage interface {
	Invoke(ctx context.Context, st *State, next Next)
}

type StageFunc func(ctx context.Context, st *State, next Next)

func (f StageFunc) Invoke(ctx context.Context, st *State, next Next) { f(ctx, st, next) }

type Handler func(ctx context.Context, st *State)

// Build chains stages in order. A stage that returns without calling next
// ends the pipeline for that connection.
func Build(stages ...Stage) Handler {
	h := Handler(func(context.Context, *State) {})
	for i := len(stages) - 1; i >= 0; i-- {
		stage, inner := stages[i], h
		h = func(ctx context.Context, st *State) {
			stage.Invoke(ctx, st, func(ctx context.Context) { inner(ctx, st) })
		}
	}
	return h
}

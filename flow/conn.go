package flow

import "net"

// MeteredConn reports every successful Read and Write to its meters. Reads
// are what the peer sent us; writes are what we sent the peer.
type MeteredConn struct {
	net.Conn
	meters []*Meter
}

func NewMeteredConn(c net.Conn, meters ...*Meter) *MeteredConn {
	return &MeteredConn{Conn: c, meters: meters}
}

func (c *MeteredConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.record(Read, n)
	return n, err
}

func (c *MeteredConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.record(Write, n)
	return n, err
}

// CloseWrite half-closes the underlying connection when it supports it.
func (c *MeteredConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

func (c *MeteredConn) record(d Direction, n int) {
	for _, m := range c.meters {
		m.OnFlow(d, n)
	}
}

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/ghaccel/ghaccel/addrtable"
	"github.com/ghaccel/ghaccel/log"
	"github.com/ghaccel/ghaccel/sni"
)

const defaultDialTimeout = 10 * time.Second

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Dialer connects to upstream hosts, routing accelerated domains to the
// addresses the scanner found.
type Dialer struct {
	Table   *addrtable.Table
	Matcher *sni.Matcher
	// Timeout bounds every single connect attempt.
	Timeout time.Duration
	// Mark is the firewall mark set on upstream sockets (linux only).
	Mark int
	// Dial performs the actual connect. Defaults to a net.Dialer.
	Dial DialFunc
}

// Route is the outcome of resolving a host for tunneling.
type Route struct {
	Host        string
	Accelerated bool
	// Candidates is empty when the host is left to system resolution.
	Candidates []netip.Addr
}

// Resolve picks the addresses to try for host, best first.
func (d *Dialer) Resolve(host string) Route {
	host = strings.TrimSuffix(strings.Trim(host, "[]"), ".")
	r := Route{Host: host}
	if ip, err := netip.ParseAddr(host); err == nil {
		r.Candidates = []netip.Addr{ip.Unmap()}
		return r
	}
	if !d.Matcher.IsAccelerated(host) {
		return r
	}
	r.Accelerated = true
	if d.Table != nil {
		r.Candidates = d.Table.Candidates(host)
	}
	if len(r.Candidates) == 0 {
		log.Tracef("tunnel: no scanned address for %s, using system resolver", host)
	}
	return r
}

// DialContext connects to address, trying each candidate in turn.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	route := d.Resolve(host)
	if len(route.Candidates) == 0 {
		return d.attempt(ctx, network, address)
	}

	var errs []error
	for _, ip := range route.Candidates {
		target := net.JoinHostPort(ip.String(), port)
		c, err := d.attempt(ctx, network, target)
		if err == nil {
			if route.Accelerated {
				log.Tracef("tunnel: %s via %s", address, target)
			}
			return c, nil
		}
		log.Tracef("tunnel: connect %s for %s failed: %v", target, host, err)
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("dial %s: all %d candidates failed: %w", address, len(route.Candidates), errors.Join(errs...))
}

func (d *Dialer) attempt(ctx context.Context, network, address string) (net.Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dial := d.Dial
	if dial == nil {
		dial = markedDialer(d.Mark).DialContext
	}
	return dial(ctx, network, address)
}

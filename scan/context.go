// Package scan probes candidate addresses through an ordered chain of
// stages and feeds the verified, fastest ones into the address table.
package scan

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"time"
)

// ProbeContext is the state of one probe of one (domain, address) pair.
// A stage that declines to call next leaves Available false.
type ProbeContext struct {
	Domain    string
	Address   netip.Addr
	Port      int
	Available bool
	Elapsed   time.Duration
	History   *History
	Err       error
}

// HasElapsed reports whether the HTTPS stage recorded a latency.
func (pc *ProbeContext) HasElapsed() bool { return pc.Elapsed > 0 }

func (pc *ProbeContext) Endpoint() string {
	port := pc.Port
	if port == 0 {
		port = 443
	}
	return net.JoinHostPort(pc.Address.String(), strconv.Itoa(port))
}

func (pc *ProbeContext) String() string {
	return pc.Domain + "@" + pc.Address.String()
}

// Handler runs a fully composed chain.
type Handler func(ctx context.Context, pc *ProbeContext)

// Next continues with the rest of the chain.
type Next func(ctx context.Context)

// Stage is one step of the chain. It may do work before and after next, or
// return without calling it to stop the chain.
type Stage interface {
	Invoke(ctx context.Context, pc *ProbeContext, next Next)
}

type StageFunc func(ctx context.Context, pc *ProbeContext, next Next)

func (f StageFunc) Invoke(ctx context.Context, pc *ProbeContext, next Next) { f(ctx, pc, next) }

// Build composes stages so that stages[0] runs first. The innermost next is
// a no-op.
func Build(stages ...Stage) Handler {
	h := Handler(func(context.Context, *ProbeContext) {})
	for i := len(stages) - 1; i >= 0; i-- {
		s, inner := stages[i], h
		h = func(ctx context.Context, pc *ProbeContext) {
			s.Invoke(ctx, pc, func(ctx context.Context) { inner(ctx, pc) })
		}
	}
	return h
}

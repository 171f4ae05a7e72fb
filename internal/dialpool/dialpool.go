// Package dialpool provides an outbound dialer that sources TCP connections
// from a rotating pool of local addresses, for deployments that front
// several public IPs (commonly an IPv6 /64) and want proxy traffic spread
// across them rather than always leaving from the default route's address.
package dialpool

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// Pool dials outbound TCP connections, rotating the local source address
// through a configured list. An empty pool falls back to the zero-value
// net.Dialer behavior (the OS picks the source address), so handler
// behavior is identical whether or not a pool is configured.
type Pool struct {
	addrs   []net.IP
	timeout time.Duration
	next    atomic.Uint64
}

// New creates a Pool. addrs may be empty. connectTimeout of 0 means no
// per-dial timeout beyond ctx's own deadline.
func New(addrs []net.IP, connectTimeout time.Duration) *Pool {
	cp := make([]net.IP, len(addrs))
	copy(cp, addrs)
	return &Pool{addrs: cp, timeout: connectTimeout}
}

// Dial is DialContext with a background context, for callers that don't
// need cancellation. The handlers' Dialer interfaces use DialContext.
func (p *Pool) Dial(network, address string) (net.Conn, error) {
	return p.DialContext(context.Background(), network, address)
}

// DialContext dials address, sourcing the connection from the next address
// in the pool (round-robin) when the pool is non-empty.
func (p *Pool) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	d := &net.Dialer{Control: setSocketOptions}

	if len(p.addrs) > 0 {
		ip := p.pick()
		d.LocalAddr = &net.TCPAddr{IP: ip}
	}

	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dialpool: dial %s %s: %w", network, address, err)
	}
	return conn, nil
}

// pick returns the next address in round-robin order.
func (p *Pool) pick() net.IP {
	i := p.next.Add(1) - 1
	return p.addrs[int(i%uint64(len(p.addrs)))]
}

// Len reports how many addresses are configured in the pool.
func (p *Pool) Len() int {
	return len(p.addrs)
}

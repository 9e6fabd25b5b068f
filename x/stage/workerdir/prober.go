package workerdir

import (
	"context"
	"net"
	"net/url"
	"time"
)

// DialProber implements Prober by opening and immediately closing a TCP
// connection to the node's address. It never sends an application-level
// probe: is_active() only needs to know the channel is reachable, not that
// the worker is idle, since the result is advisory and the subsequent RPC
// is the real liveness check.
type DialProber struct {
	Timeout time.Duration
}

func NewDialProber(timeout time.Duration) DialProber {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return DialProber{Timeout: timeout}
}

func (p DialProber) IsActive(ctx context.Context, n Node) bool {
	addr := n.Addr
	if u, err := url.Parse(n.Addr); err == nil && u.Host != "" {
		addr = u.Host
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

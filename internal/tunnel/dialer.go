package tunnel

import (
	"context"
	"io"
	"net"
)

// NetDialer is the production Dialer: a thin adapter over net.Dialer so
// bypass-routed CONNECTs reach the network directly, without tunnel
// depending on *net.Dialer's concrete method set in tests.
type NetDialer struct {
	net.Dialer
}

// DialContext implements Dialer.
func (d NetDialer) DialContext(ctx context.Context, network, address string) (io.ReadWriteCloser, error) {
	return d.Dialer.DialContext(ctx, network, address)
}

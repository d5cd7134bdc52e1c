// Package dispatch implements the server-side half of the tunnel: it
// accepts bidirectional streams and UDP datagrams on an inbound QUIC
// connection, decodes the request frame, dials the requested destination
// (resolving domains through a resolver.Resolver when necessary), and
// splices traffic.
package dispatch

import (
	"context"
	"net"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"quics-go/internal/resolver"
	"quics-go/internal/supply"
	"quics-go/internal/wire"
)

// Dispatcher fetches inbound streams and serves each one as a CONNECT
// request, plus, per connection, one UDP datagram relay session.
type Dispatcher struct {
	resolver resolver.Resolver
}

// New builds a Dispatcher. res resolves domain requests to IPs; dial
// targets that are already IP literals never reach it.
func New(res resolver.Resolver) *Dispatcher {
	return &Dispatcher{resolver: res}
}

// Run drains streams until ctx is cancelled or the stream supply is
// exhausted, spawning one goroutine per stream so many concurrent
// requests on one connection are served independently instead of
// queueing behind each other.
func (d *Dispatcher) Run(ctx context.Context, streams *supply.Supply[quic.Stream]) error {
	logger := log.With().Str("component", "dispatch").Logger()

	for {
		stream, ok := streams.Fetch(ctx)
		if !ok {
			return nil
		}
		go d.handleStream(ctx, stream, logger)
	}
}

func (d *Dispatcher) handleStream(ctx context.Context, stream quic.Stream, logger zerolog.Logger) {
	defer stream.Close()

	req, err := wire.ReadRequest(stream)
	if err != nil {
		logger.Debug().Err(err).Msg("failed to read request frame")
		return
	}

	switch req.Type {
	case wire.RequestTCPConnect:
		d.handleTCPConnect(ctx, stream, req.Address, logger)
	default:
		logger.Debug().Msg("unsupported request type")
		wire.ResponseNoAcceptableMethod.WriteTo(stream)
	}
}

func (d *Dispatcher) handleTCPConnect(ctx context.Context, stream quic.Stream, addr wire.SocketAddress, logger zerolog.Logger) {
	target, err := d.dial(ctx, addr)
	if err != nil {
		// No response frame on a dial failure -- the stream reset is the
		// only signal the client gets, the same as any other mid-tunnel
		// failure.
		logger.Debug().Err(err).Str("target", addr.String()).Msg("failed to reach target")
		return
	}
	defer target.Close()

	if err := wire.ResponseSucceed.WriteTo(stream); err != nil {
		return
	}

	logger.Debug().Str("target", addr.String()).Msg("dispatching connection")
	if err := splice(stream, target); err != nil {
		logger.Debug().Err(err).Str("target", addr.String()).Msg("connection closed")
	}
}

func (d *Dispatcher) dial(ctx context.Context, addr wire.SocketAddress) (net.Conn, error) {
	var dialer net.Dialer

	if addr.Kind != wire.AddressDomain {
		return dialer.DialContext(ctx, "tcp", addr.String())
	}

	resolved, err := d.resolver.Lookup(ctx, addr.Domain, addr.Port)
	if err != nil {
		return nil, err
	}
	return dialer.DialContext(ctx, "tcp", resolved.String())
}

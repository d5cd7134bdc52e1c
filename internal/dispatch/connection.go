package dispatch

import (
	"context"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"quics-go/internal/supply"
)

// NewInboundStreamSupply accepts bidirectional streams on an already
// established inbound connection until AcceptStream fails (connection
// closed or ctx cancelled) -- the server-side mirror of the client's
// NewStreamSupply, which opens instead of accepts.
func NewInboundStreamSupply(ctx context.Context, conn quic.Connection) *supply.Supply[quic.Stream] {
	items := make(chan quic.Stream, 1)
	logger := log.With().Str("supply", "inbound-stream").Logger()

	go func() {
		defer close(items)
		for {
			stream, err := conn.AcceptStream(ctx)
			if err != nil {
				logger.Debug().Err(err).Msg("no longer accepting streams on this connection")
				return
			}
			select {
			case items <- stream:
			case <-ctx.Done():
				return
			}
		}
	}()

	return supply.New[quic.Stream](items)
}

// ServeConnection runs one inbound connection end to end: its stream
// supply feeds Run, and its datagram extension feeds ServeDatagrams,
// concurrently, until either ends or ctx is cancelled.
func (d *Dispatcher) ServeConnection(ctx context.Context, conn quic.Connection) error {
	defer conn.CloseWithError(0, "closing")

	logger := log.With().Str("component", "dispatch").Str("remote", conn.RemoteAddr().String()).Logger()

	streams := NewInboundStreamSupply(ctx, conn)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(gctx, streams) })
	g.Go(func() error { return d.ServeDatagrams(gctx, conn, logger) })

	return g.Wait()
}

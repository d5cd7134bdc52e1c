package supply

import (
	"context"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"
)

// NewStreamSupply builds a stream supply: for each connection fetched from
// connSupply, open bidirectional streams until opening fails, then move to
// the next connection -- transitively driving
// connSupply's reconnect loop. Streams produced from connection k appear
// strictly before any stream produced from connection k+1, since a single
// goroutine drains connSupply serially.
//
// ctx cancellation is this supply's way of observing "downstream gone": Go
// channels carry no signal when a receiver stops reading, so callers that
// stop fetching must cancel ctx to let this goroutine (and, transitively,
// connSupply's) exit.
func NewStreamSupply(ctx context.Context, connSupply *Supply[quic.Connection]) *Supply[quic.Stream] {
	items := make(chan quic.Stream, 1)
	logger := log.With().Str("supply", "stream").Logger()

	go func() {
		defer close(items)

		for {
			conn, ok := connSupply.Fetch(ctx)
			if !ok {
				return
			}

			for {
				stream, err := conn.OpenStreamSync(ctx)
				if err != nil {
					logger.Error().Err(err).Msg("failed to open bidirectional stream, discarding connection")
					break
				}

				logger.Debug().Int64("stream", int64(stream.StreamID())).Msg("opened bidirectional stream")

				select {
				case items <- stream:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return New[quic.Stream](items)
}

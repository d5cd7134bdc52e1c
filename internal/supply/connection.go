package supply

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"
)

// ConnectionDialer establishes one QUIC connection to the server. Callers
// wrap quic.DialAddr (and whatever TLS/quic.Config the command-line flags
// produced) behind this so the supply's reconnect loop has no TLS/transport
// concerns of its own.
type ConnectionDialer interface {
	Dial(ctx context.Context) (quic.Connection, error)
}

// ConnectionDialerFunc adapts a function to ConnectionDialer.
type ConnectionDialerFunc func(ctx context.Context) (quic.Connection, error)

// Dial implements ConnectionDialer.
func (f ConnectionDialerFunc) Dial(ctx context.Context) (quic.Connection, error) {
	return f(ctx)
}

// Backoff configures the bounded exponential backoff with jitter applied
// between failed connect() attempts, so a server outage doesn't turn the
// client into a reconnect tight loop.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff is used when a Backoff is not otherwise supplied.
func DefaultBackoff() Backoff {
	return Backoff{Initial: 200 * time.Millisecond, Max: 10 * time.Second}
}

func (b Backoff) next(attempt int) time.Duration {
	d := b.Initial << attempt
	if d <= 0 || d > b.Max { // overflow or past the cap
		d = b.Max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d/2 + jitter
}

// NewConnectionSupply runs a state machine that dials, keeps exactly one
// live connection in flight downstream, and reconnects on failure. It runs
// until ctx is cancelled; a consumer that stops fetching leaves it blocked
// on delivery until then.
//
// Keep-alive needs no separate state here: quic-go enables it declaratively
// via quic.Config.KeepAlivePeriod at dial time rather than through a
// post-connect call, so there is no separate step to fail after a
// successful dial.
func NewConnectionSupply(ctx context.Context, dialer ConnectionDialer, backoff Backoff) *Supply[quic.Connection] {
	items := make(chan quic.Connection, 1)
	logger := log.With().Str("supply", "connection").Logger()

	go func() {
		defer close(items)

		attempt := 0
		for {
			if ctx.Err() != nil {
				return
			}

			conn, err := dialer.Dial(ctx)
			if err != nil {
				logger.Error().Err(err).Int("attempt", attempt).Msg("failed to establish connection")
				attempt++
				select {
				case <-time.After(backoff.next(attempt)):
					continue
				case <-ctx.Done():
					return
				}
			}
			attempt = 0

			id := uuid.New()
			logger.Debug().
				Str("connection", id.String()).
				Str("remote", conn.RemoteAddr().String()).
				Msg("established connection")

			select {
			case items <- conn:
				// Delivered into the capacity-1 channel; the next dial
				// starts now, and its send blocks until downstream takes
				// this one, so at most one connection waits in flight.
			case <-ctx.Done():
				conn.CloseWithError(0, "shutting down")
				return
			}
		}
	}()

	return New[quic.Connection](items)
}

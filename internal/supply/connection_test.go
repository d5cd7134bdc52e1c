package supply_test

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"

	"quics-go/internal/supply"
)

// fakeConn is a minimal quic.Connection test double: it embeds the real
// interface (nil) so it satisfies quic.Connection at compile time, and
// overrides only the methods the connection/stream supplies actually call.
type fakeConn struct {
	quic.Connection
	closed int32
}

func (f *fakeConn) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433}
}

func (f *fakeConn) CloseWithError(quic.ApplicationErrorCode, string) error {
	atomic.StoreInt32(&f.closed, 1)
	return nil
}

func TestConnectionSupplyDeliversOnSuccess(t *testing.T) {
	conn := &fakeConn{}
	dialer := supply.ConnectionDialerFunc(func(ctx context.Context) (quic.Connection, error) {
		return conn, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := supply.NewConnectionSupply(ctx, dialer, supply.Backoff{Initial: time.Millisecond, Max: 10 * time.Millisecond})

	got, ok := s.Fetch(ctx)
	require.True(t, ok)
	require.Same(t, conn, got)
}

func TestConnectionSupplyRetriesAfterDialFailure(t *testing.T) {
	var attempts int32
	good := &fakeConn{}

	dialer := supply.ConnectionDialerFunc(func(ctx context.Context) (quic.Connection, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return nil, errors.New("connection refused")
		}
		return good, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := supply.NewConnectionSupply(ctx, dialer, supply.Backoff{Initial: time.Millisecond, Max: 10 * time.Millisecond})

	got, ok := s.Fetch(ctx)
	require.True(t, ok)
	require.Same(t, good, got)
	require.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
}

func TestConnectionSupplyStopsOnContextCancel(t *testing.T) {
	dialer := supply.ConnectionDialerFunc(func(ctx context.Context) (quic.Connection, error) {
		return nil, errors.New("always fails")
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := supply.NewConnectionSupply(ctx, dialer, supply.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond})

	cancel()

	_, ok := s.Fetch(context.Background())
	require.False(t, ok)
}

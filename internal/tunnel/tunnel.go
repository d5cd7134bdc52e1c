// Package tunnel implements the client-side tunnel: it drains CONNECT
// requests from the SOCKS5 edge and streams from the stream supply, pairs
// them one-to-one, and splices traffic between the SOCKS5 client and the
// QUIC stream once the server confirms the connection succeeded. The
// SOCKS5 reply itself is already sent by the edge by the time a request
// reaches here, so every failure path below just closes the client
// connection rather than sending a second reply.
package tunnel

import (
	"context"
	"io"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"quics-go/internal/socksedge"
	"quics-go/internal/supply"
	"quics-go/internal/wire"
)

// Dialer opens a direct (non-tunneled) TCP connection, used for bypass
// routing. It exists as an interface purely so tests can substitute a
// fake without binding a real listening socket.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (io.ReadWriteCloser, error)
}

// Tunnel pairs SOCKS5 CONNECT requests with tunnel streams and splices
// traffic between them.
type Tunnel struct {
	requests *supply.Supply[socksedge.ConnectRequest]
	streams  *supply.Supply[quic.Stream]
	bypass   *BypassRouter
	dial     Dialer
}

// New builds a Tunnel. bypass may be nil to tunnel every request; dial is
// used only when bypass routes a request directly.
func New(requests *supply.Supply[socksedge.ConnectRequest], streams *supply.Supply[quic.Stream], bypass *BypassRouter, dial Dialer) *Tunnel {
	return &Tunnel{requests: requests, streams: streams, bypass: bypass, dial: dial}
}

// Run drains requests until ctx is cancelled or the request supply is
// exhausted, spawning one goroutine per CONNECT to splice it independently
// so many concurrent CONNECTs over one QUIC connection are all served at
// once instead of queueing behind each other.
func (t *Tunnel) Run(ctx context.Context) error {
	logger := log.With().Str("component", "tunnel").Logger()

	for {
		req, ok := t.requests.Fetch(ctx)
		if !ok {
			return nil
		}
		go t.handle(ctx, req, logger)
	}
}

func (t *Tunnel) handle(ctx context.Context, req socksedge.ConnectRequest, logger zerolog.Logger) {
	defer req.Conn.Close()

	hostname := req.Address.Domain
	if hostname == "" {
		hostname = req.Address.IP.String()
	}

	if t.bypass != nil && t.bypass.ShouldBypass(hostname) {
		t.handleDirect(ctx, req, logger)
		return
	}
	t.handleTunneled(ctx, req, logger)
}

func (t *Tunnel) handleTunneled(ctx context.Context, req socksedge.ConnectRequest, logger zerolog.Logger) {
	stream, ok := t.streams.Fetch(ctx)
	if !ok {
		return
	}
	defer stream.Close()

	request := wire.NewTCPConnectRequest(req.Address)
	if err := request.WriteTo(stream); err != nil {
		logger.Error().Err(err).Msg("failed to write request frame")
		return
	}

	resp, err := wire.ReadResponse(stream)
	if err != nil || resp != wire.ResponseSucceed {
		logger.Debug().Str("target", req.Address.String()).Msg("server declined connect")
		return
	}

	logger.Debug().Str("target", req.Address.String()).Msg("tunneling connection")
	if err := splice(req.Conn, stream); err != nil && err != io.EOF {
		logger.Debug().Err(err).Str("target", req.Address.String()).Msg("tunnel closed")
	}
}

func (t *Tunnel) handleDirect(ctx context.Context, req socksedge.ConnectRequest, logger zerolog.Logger) {
	if t.dial == nil {
		return
	}

	target, err := t.dial.DialContext(ctx, "tcp", req.Address.String())
	if err != nil {
		logger.Debug().Err(err).Str("target", req.Address.String()).Msg("direct dial failed")
		return
	}
	defer target.Close()

	logger.Debug().Str("target", req.Address.String()).Msg("bypassing tunnel, dialing directly")
	if err := splice(req.Conn, target); err != nil && err != io.EOF {
		logger.Debug().Err(err).Str("target", req.Address.String()).Msg("direct connection closed")
	}
}

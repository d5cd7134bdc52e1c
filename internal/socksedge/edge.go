// Package socksedge implements the client-facing SOCKS5 listener: it
// speaks just enough SOCKS5 to learn what a connecting application wants
// (CONNECT to an address, or ASSOCIATE a UDP relay) and hands CONNECT
// requests off to the tunnel through a Supply[T], the same
// producer/consumer abstraction the connection and stream supplies use.
package socksedge

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"quics-go/internal/supply"
	"quics-go/internal/wire"
)

// ConnectRequest pairs the accepted SOCKS5 client connection with the
// CONNECT target it asked for; the tunnel owns both ends of the pairing
// from here (it writes the request frame and copies data). The SOCKS5
// reply has already been written onto Conn by the edge.
type ConnectRequest struct {
	Conn    net.Conn
	Address wire.SocketAddress
}

// DatagramRelay is the subset of quic.Connection the edge needs to ferry
// UDP ASSOCIATE traffic: datagrams in, datagrams out. The tunnel supplies
// the live QUIC connection's datagram methods through this so the edge
// never depends on quic-go or the connection supply directly.
type DatagramRelay interface {
	SendDatagram([]byte) error
	ReceiveDatagram(ctx context.Context) ([]byte, error)
}

// Edge accepts SOCKS5 connections and turns CONNECT requests into a
// Supply[ConnectRequest] the tunnel drains, while handling UDP ASSOCIATE
// sessions itself.
type Edge struct {
	listener net.Listener
	relay    DatagramRelay
	requests chan ConnectRequest
}

// NewEdge wraps an already-listening SOCKS5 socket. relay may be nil; UDP
// ASSOCIATE requests then fail with replyGeneralFailure instead of
// relaying, which lets callers that only need CONNECT skip wiring one up.
func NewEdge(listener net.Listener, relay DatagramRelay) *Edge {
	return &Edge{
		listener: listener,
		relay:    relay,
		requests: make(chan ConnectRequest, 1),
	}
}

// Requests exposes accepted CONNECT requests as a Supply, matching the
// connection/stream supplies' shape so the tunnel can treat all three
// pipeline stages uniformly.
func (e *Edge) Requests() *supply.Supply[ConnectRequest] {
	return supply.New[ConnectRequest](e.requests)
}

// Serve accepts connections until ctx is cancelled or the listener errors.
func (e *Edge) Serve(ctx context.Context) error {
	defer close(e.requests)

	logger := log.With().Str("component", "socksedge").Logger()

	go func() {
		<-ctx.Done()
		e.listener.Close()
	}()

	for {
		conn, err := e.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go e.handleConn(ctx, conn, logger)
	}
}

func (e *Edge) handleConn(ctx context.Context, conn net.Conn, logger zerolog.Logger) {
	if err := negotiateNoAuth(conn); err != nil {
		logger.Debug().Err(err).Msg("socks5 handshake failed")
		conn.Close()
		return
	}

	command, addr, err := readCommandRequest(conn)
	if err != nil {
		logger.Debug().Err(err).Msg("failed to read socks5 request")
		conn.Close()
		return
	}

	switch command {
	case commandConnect:
		// The reply is sent now, before the target is even dialed: the
		// bound address it carries is meaningless once traffic moves
		// over the tunnel, so there's nothing worth waiting on the
		// actual outcome for, and a CONNECT that never resolves (or
		// whose target refuses) resolves as a plain closed stream
		// instead of a second, redundant failure reply.
		if err := writeReply(conn, replySucceeded); err != nil {
			logger.Debug().Err(err).Msg("failed to send socks5 reply")
			conn.Close()
			return
		}
		select {
		case e.requests <- ConnectRequest{Conn: conn, Address: addr}:
		case <-ctx.Done():
			conn.Close()
		}

	case commandAssociate:
		e.handleAssociate(ctx, conn, logger)

	default:
		logger.Debug().Uint8("command", command).Msg("unsupported socks5 command")
		writeReply(conn, replyCommandNotSupported)
		conn.Close()
	}
}

// handleAssociate binds a UDP socket facing the SOCKS5 client, tells the
// client where it is, then relays datagrams between that socket and the
// live QUIC connection's datagram extension until the control TCP
// connection closes. A single local socket is enough here -- unlike the
// server side, the client never talks to an upstream target directly, so
// there's no second socket to dial out from.
func (e *Edge) handleAssociate(ctx context.Context, conn net.Conn, logger zerolog.Logger) {
	defer conn.Close()

	if e.relay == nil {
		writeReply(conn, replyGeneralFailure)
		return
	}

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		logger.Error().Err(err).Msg("failed to open udp associate relay socket")
		writeReply(conn, replyGeneralFailure)
		return
	}
	defer udpConn.Close()

	if err := writeAssociateReply(conn, udpConn.LocalAddr().(*net.UDPAddr)); err != nil {
		logger.Debug().Err(err).Msg("failed to send udp associate reply")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var clientAddr atomicUDPAddr

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		buf := make([]byte, 65535)
		for {
			udpConn.SetReadDeadline(time.Now().Add(time.Second))
			n, from, err := udpConn.ReadFromUDP(buf)
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					continue
				}
				return err
			}
			clientAddr.store(from)
			if err := e.relay.SendDatagram(append([]byte(nil), buf[:n]...)); err != nil {
				logger.Debug().Err(err).Msg("failed to forward datagram into tunnel")
			}
		}
	})

	g.Go(func() error {
		for {
			data, err := e.relay.ReceiveDatagram(gctx)
			if err != nil {
				return err
			}
			if to := clientAddr.load(); to != nil {
				if _, err := udpConn.WriteToUDP(data, to); err != nil {
					logger.Debug().Err(err).Msg("failed to deliver datagram to socks5 client")
				}
			}
		}
	})

	g.Go(func() error {
		// A control-connection read only ever returns once the client
		// closes it (it sends no further TCP data after ASSOCIATE), so
		// this goroutine's sole purpose is to unblock the two relay
		// loops above via gctx once that happens.
		one := make([]byte, 1)
		_, err := conn.Read(one)
		return err
	})

	g.Wait()
}

// atomicUDPAddr is a type-safe atomic.Value wrapper: the UDP read loop
// updates the client's address on every packet (it may rebind its source
// port), and the write loop reads it lock-free.
type atomicUDPAddr struct {
	v atomic.Value
}

func (a *atomicUDPAddr) store(addr *net.UDPAddr) {
	a.v.Store(addr)
}

func (a *atomicUDPAddr) load() *net.UDPAddr {
	addr, _ := a.v.Load().(*net.UDPAddr)
	return addr
}

package dispatch

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
)

// The socks5UDP* constants mirror the ATYP values SOCKS5 uses on the wire of a UDP
// ASSOCIATE packet -- the same numbering the client's socksedge package
// reads off the local SOCKS5 client, since the datagram payload crosses
// the tunnel byte-for-byte.
const (
	socks5UDPIPv4   byte = 0x01
	socks5UDPDomain byte = 0x03
	socks5UDPIPv6   byte = 0x04
)

// ServeDatagrams relays SOCKS5 UDP ASSOCIATE traffic carried as QUIC
// datagrams: one dedicated outbound UDP socket per connection, datagrams
// in are unwrapped and sent to their destination, replies are wrapped
// back into the SOCKS5 UDP header and sent back as a QUIC datagram.
func (d *Dispatcher) ServeDatagrams(ctx context.Context, conn quic.Connection, logger zerolog.Logger) error {
	udpConn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return fmt.Errorf("opening udp relay egress: %w", err)
	}
	defer udpConn.Close()

	errCh := make(chan error, 2)

	go func() {
		for {
			data, err := conn.ReceiveDatagram(ctx)
			if err != nil {
				errCh <- err
				return
			}
			if len(data) == 0 {
				continue
			}

			targetAddr, payload, err := parseSOCKS5UDPHeader(data)
			if err != nil {
				logger.Debug().Err(err).Msg("malformed udp associate datagram")
				continue
			}

			if _, err := udpConn.WriteToUDP(payload, targetAddr); err != nil {
				logger.Debug().Err(err).Str("target", targetAddr.String()).Msg("failed to forward udp payload")
			}
		}
	}()

	go func() {
		buf := make([]byte, 65535)
		for {
			n, from, err := udpConn.ReadFromUDP(buf)
			if err != nil {
				errCh <- err
				return
			}
			packet := buildSOCKS5UDPHeader(from, buf[:n])
			if err := conn.SendDatagram(packet); err != nil {
				logger.Debug().Err(err).Msg("failed to send udp reply datagram")
			}
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// parseSOCKS5UDPHeader splits a SOCKS5 UDP ASSOCIATE packet
// (RSV(2)+FRAG(1)+ATYP(1)+DST.ADDR+DST.PORT+DATA) into its destination
// and payload.
func parseSOCKS5UDPHeader(data []byte) (*net.UDPAddr, []byte, error) {
	if len(data) < 4 {
		return nil, nil, errors.New("dispatch: udp packet shorter than header")
	}

	atyp := data[3]
	switch atyp {
	case socks5UDPIPv4:
		if len(data) < 10 {
			return nil, nil, errors.New("dispatch: truncated ipv4 udp header")
		}
		ip := net.IP(append([]byte(nil), data[4:8]...))
		port := binary.BigEndian.Uint16(data[8:10])
		return &net.UDPAddr{IP: ip, Port: int(port)}, data[10:], nil

	case socks5UDPDomain:
		if len(data) < 5 {
			return nil, nil, errors.New("dispatch: truncated domain udp header")
		}
		domainLen := int(data[4])
		end := 5 + domainLen
		if domainLen == 0 || len(data) < end+2 {
			return nil, nil, errors.New("dispatch: truncated domain udp header")
		}
		domain := string(data[5:end])
		port := binary.BigEndian.Uint16(data[end : end+2])
		ipAddr, err := net.ResolveIPAddr("ip", domain)
		if err != nil {
			return nil, nil, fmt.Errorf("resolving udp target domain %q: %w", domain, err)
		}
		return &net.UDPAddr{IP: ipAddr.IP, Port: int(port)}, data[end+2:], nil

	case socks5UDPIPv6:
		if len(data) < 22 {
			return nil, nil, errors.New("dispatch: truncated ipv6 udp header")
		}
		ip := net.IP(append([]byte(nil), data[4:20]...))
		port := binary.BigEndian.Uint16(data[20:22])
		return &net.UDPAddr{IP: ip, Port: int(port)}, data[22:], nil

	default:
		return nil, nil, fmt.Errorf("dispatch: unsupported udp address type %d", atyp)
	}
}

// buildSOCKS5UDPHeader wraps payload from source into a SOCKS5 UDP
// ASSOCIATE packet, filling DST.ADDR/DST.PORT with source so the client
// sees who actually replied.
func buildSOCKS5UDPHeader(source *net.UDPAddr, payload []byte) []byte {
	header := []byte{0x00, 0x00, 0x00}

	ip4 := source.IP.To4()
	if ip4 != nil {
		header = append(header, socks5UDPIPv4)
		header = append(header, ip4...)
	} else {
		header = append(header, socks5UDPIPv6)
		header = append(header, source.IP.To16()...)
	}
	header = binary.BigEndian.AppendUint16(header, uint16(source.Port))

	return append(header, payload...)
}

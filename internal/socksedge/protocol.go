package socksedge

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"quics-go/internal/wire"
)

const (
	socksVersion5 byte = 0x05

	methodNoAuth        byte = 0x00
	methodNoAcceptable  byte = 0xFF

	commandConnect   byte = 0x01
	commandAssociate byte = 0x03

	socksAddrIPv4   byte = 0x01
	socksAddrDomain byte = 0x03
	socksAddrIPv6   byte = 0x04

	replySucceeded               byte = 0x00
	replyGeneralFailure          byte = 0x01
	replyCommandNotSupported     byte = 0x07
	replyAddressTypeNotSupported byte = 0x08
)

// negotiateNoAuth consumes the method-selection request (VER, NMETHODS,
// METHODS) and replies that "no authentication" is the chosen method; this
// edge never offers or accepts any other authentication method.
func negotiateNoAuth(rw io.ReadWriter) error {
	var header [2]byte
	if _, err := io.ReadFull(rw, header[:]); err != nil {
		return err
	}
	if header[0] != socksVersion5 {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, header[0])
	}

	methods := make([]byte, int(header[1]))
	if _, err := io.ReadFull(rw, methods); err != nil {
		return err
	}

	_, err := rw.Write([]byte{socksVersion5, methodNoAuth})
	return err
}

// readCommandRequest reads the command header (VER, CMD, RSV, ATYP) and
// decodes the address that follows, returning the raw command byte so
// callers can dispatch on CONNECT vs ASSOCIATE vs "everything else".
func readCommandRequest(r io.Reader) (command byte, addr wire.SocketAddress, err error) {
	var header [4]byte
	if _, err = io.ReadFull(r, header[:]); err != nil {
		return 0, wire.SocketAddress{}, err
	}
	if header[0] != socksVersion5 {
		return 0, wire.SocketAddress{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, header[0])
	}

	addr, err = readSocksAddress(r, header[3])
	return header[1], addr, err
}

func readSocksAddress(r io.Reader, atyp byte) (wire.SocketAddress, error) {
	switch atyp {
	case socksAddrIPv4:
		var buf [4 + 2]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return wire.SocketAddress{}, err
		}
		port := binary.BigEndian.Uint16(buf[4:])
		return wire.NewIPv4Address(net.IP(buf[:4]), port), nil

	case socksAddrIPv6:
		var buf [16 + 2]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return wire.SocketAddress{}, err
		}
		port := binary.BigEndian.Uint16(buf[16:])
		return wire.NewIPv6Address(net.IP(buf[:16]), port), nil

	case socksAddrDomain:
		var lenBuf [1]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return wire.SocketAddress{}, err
		}
		rest := make([]byte, int(lenBuf[0])+2)
		if _, err := io.ReadFull(r, rest); err != nil {
			return wire.SocketAddress{}, err
		}
		port := binary.BigEndian.Uint16(rest[lenBuf[0]:])
		return wire.NewDomainAddress(string(rest[:lenBuf[0]]), port)

	default:
		return wire.SocketAddress{}, fmt.Errorf("%w: %d", ErrUnsupportedAddressType, atyp)
	}
}

// writeReply emits a SOCKS5 reply with BND.ADDR/BND.PORT fixed at
// 0.0.0.0:0 -- the bound address is meaningless once traffic is tunneled
// over QUIC.
func writeReply(w io.Writer, reply byte) error {
	_, err := w.Write([]byte{socksVersion5, reply, 0x00, socksAddrIPv4, 0, 0, 0, 0, 0, 0})
	return err
}

// writeAssociateReply replies to UDP ASSOCIATE with the local relay
// socket's address so the client knows where to send UDP datagrams.
func writeAssociateReply(w io.Writer, bound *net.UDPAddr) error {
	ip4 := bound.IP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	buf := []byte{socksVersion5, replySucceeded, 0x00, socksAddrIPv4}
	buf = append(buf, ip4...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(bound.Port))
	_, err := w.Write(buf)
	return err
}

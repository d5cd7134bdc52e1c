package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"unicode/utf8"
)

// AddressKind discriminates the ATYP octet of a SocketAddress. These values
// are the inner-protocol's own numbering and deliberately differ from
// SOCKS5's ATYP values (0x01/0x03/0x04) -- the SOCKS5 edge translates
// between the two.
type AddressKind byte

const (
	AddressDomain AddressKind = 0x01
	AddressIPv4   AddressKind = 0x02
	AddressIPv6   AddressKind = 0x03
)

// SocketAddress is a tagged union: a domain name plus port, or a concrete
// IPv4/IPv6 address plus port.
type SocketAddress struct {
	Kind   AddressKind
	Domain string
	IP     net.IP
	Port   uint16
}

// NewDomainAddress builds a domain SocketAddress, rejecting names whose
// UTF-8 encoding exceeds the single-byte length prefix.
func NewDomainAddress(domain string, port uint16) (SocketAddress, error) {
	if len(domain) > 255 {
		return SocketAddress{}, fmt.Errorf("%w: %d octets", ErrDomainTooLong, len(domain))
	}
	return SocketAddress{Kind: AddressDomain, Domain: domain, Port: port}, nil
}

// NewIPv4Address builds an IPv4 SocketAddress from a 4-byte (or 4-in-16)
// address.
func NewIPv4Address(ip net.IP, port uint16) SocketAddress {
	return SocketAddress{Kind: AddressIPv4, IP: ip.To4(), Port: port}
}

// NewIPv6Address builds an IPv6 SocketAddress. Flow info and scope id are
// not carried -- the wire format has no field for either.
func NewIPv6Address(ip net.IP, port uint16) SocketAddress {
	return SocketAddress{Kind: AddressIPv6, IP: ip.To16(), Port: port}
}

// WriteTo encodes the address as ATYP + ADDR + PORT.
func (a SocketAddress) WriteTo(w io.Writer) error {
	switch a.Kind {
	case AddressDomain:
		if len(a.Domain) > 255 {
			return fmt.Errorf("%w: %d octets", ErrDomainTooLong, len(a.Domain))
		}
		buf := make([]byte, 0, 1+1+len(a.Domain)+2)
		buf = append(buf, byte(AddressDomain), byte(len(a.Domain)))
		buf = append(buf, a.Domain...)
		buf = binary.BigEndian.AppendUint16(buf, a.Port)
		_, err := w.Write(buf)
		return err

	case AddressIPv4:
		ip4 := a.IP.To4()
		if ip4 == nil {
			return fmt.Errorf("%w: not a valid IPv4 address", ErrUnsupportedAddressType)
		}
		buf := make([]byte, 0, 1+4+2)
		buf = append(buf, byte(AddressIPv4))
		buf = append(buf, ip4...)
		buf = binary.BigEndian.AppendUint16(buf, a.Port)
		_, err := w.Write(buf)
		return err

	case AddressIPv6:
		ip6 := a.IP.To16()
		if ip6 == nil {
			return fmt.Errorf("%w: not a valid IPv6 address", ErrUnsupportedAddressType)
		}
		buf := make([]byte, 0, 1+16+2)
		buf = append(buf, byte(AddressIPv6))
		buf = append(buf, ip6...)
		buf = binary.BigEndian.AppendUint16(buf, a.Port)
		_, err := w.Write(buf)
		return err

	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedAddressType, a.Kind)
	}
}

// ReadAddress decodes an ATYP + ADDR + PORT triple. A leading read that
// consumes zero bytes before hitting end-of-stream surfaces io.EOF
// unmodified; a read that is cut short mid-address surfaces
// io.ErrUnexpectedEOF, so callers can tell a clean disconnect apart from a
// truncated frame.
func ReadAddress(r io.Reader) (SocketAddress, error) {
	var kindBuf [1]byte
	if _, err := io.ReadFull(r, kindBuf[:]); err != nil {
		return SocketAddress{}, err
	}
	truncated := func(err error) error {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}

	switch AddressKind(kindBuf[0]) {
	case AddressDomain:
		var lenBuf [1]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return SocketAddress{}, truncated(err)
		}
		rest := make([]byte, int(lenBuf[0])+2)
		if _, err := io.ReadFull(r, rest); err != nil {
			return SocketAddress{}, truncated(err)
		}
		domainBytes, portBytes := rest[:lenBuf[0]], rest[lenBuf[0]:]
		if !utf8.Valid(domainBytes) {
			return SocketAddress{}, ErrInvalidDomain
		}
		return SocketAddress{
			Kind:   AddressDomain,
			Domain: string(domainBytes),
			Port:   binary.BigEndian.Uint16(portBytes),
		}, nil

	case AddressIPv4:
		var buf [4 + 2]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return SocketAddress{}, truncated(err)
		}
		return SocketAddress{
			Kind: AddressIPv4,
			IP:   net.IP(append([]byte(nil), buf[:4]...)),
			Port: binary.BigEndian.Uint16(buf[4:]),
		}, nil

	case AddressIPv6:
		var buf [16 + 2]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return SocketAddress{}, truncated(err)
		}
		return SocketAddress{
			Kind: AddressIPv6,
			IP:   net.IP(append([]byte(nil), buf[:16]...)),
			Port: binary.BigEndian.Uint16(buf[16:]),
		}, nil

	default:
		return SocketAddress{}, fmt.Errorf("%w: %d", ErrUnsupportedAddressType, kindBuf[0])
	}
}

// String renders the address the way net.JoinHostPort would, for logging.
func (a SocketAddress) String() string {
	switch a.Kind {
	case AddressDomain:
		return net.JoinHostPort(a.Domain, fmt.Sprint(a.Port))
	default:
		return net.JoinHostPort(a.IP.String(), fmt.Sprint(a.Port))
	}
}

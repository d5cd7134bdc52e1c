package wire

import (
	"fmt"
	"io"
)

// RequestType is the RTYP octet. Adding a new request variant only requires
// a new constant here plus matching arms in WriteTo/ReadRequest and the
// server dispatcher -- the supply pipeline upstream of the codec is
// variant-agnostic.
type RequestType byte

const (
	RequestTCPConnect RequestType = 0x01
)

// Request is the frame written as the first bytes of every QUIC stream,
// client to server.
//
//	+------+------+----------+------+
//	| RTYP | ATYP |   ADDR   | PORT |
//	+------+------+----------+------+
//	|  1   |  1   | Variable |  2   |
//	+------+------+----------+------+
type Request struct {
	Type    RequestType
	Address SocketAddress
}

// NewTCPConnectRequest builds a TCPConnect request frame.
func NewTCPConnectRequest(addr SocketAddress) Request {
	return Request{Type: RequestTCPConnect, Address: addr}
}

// WriteTo encodes the request frame.
func (r Request) WriteTo(w io.Writer) error {
	switch r.Type {
	case RequestTCPConnect:
		if _, err := w.Write([]byte{byte(RequestTCPConnect)}); err != nil {
			return err
		}
		return r.Address.WriteTo(w)
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedRequestType, r.Type)
	}
}

// ReadRequest decodes a Request frame from the front of a stream.
func ReadRequest(r io.Reader) (Request, error) {
	var typeBuf [1]byte
	if _, err := io.ReadFull(r, typeBuf[:]); err != nil {
		return Request{}, err
	}

	switch RequestType(typeBuf[0]) {
	case RequestTCPConnect:
		addr, err := ReadAddress(r)
		if err != nil {
			return Request{}, err
		}
		return Request{Type: RequestTCPConnect, Address: addr}, nil
	default:
		return Request{}, fmt.Errorf("%w: %d", ErrUnsupportedRequestType, typeBuf[0])
	}
}

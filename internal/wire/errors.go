// Package wire implements the binary request/response framing that rides on
// the first bytes of every QUIC stream between client and server.
package wire

import "errors"

// Protocol violations. These are never retried: the stream is closed and,
// per spec, the server sends no response frame back.
var (
	ErrUnsupportedRequestType = errors.New("wire: unsupported request type")
	ErrUnsupportedAddressType = errors.New("wire: unsupported address type")
	ErrInvalidDomain          = errors.New("wire: domain is not valid UTF-8")
	ErrDomainTooLong          = errors.New("wire: domain name exceeds 255 octets")
)

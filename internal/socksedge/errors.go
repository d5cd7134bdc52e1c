package socksedge

import "errors"

var (
	// ErrUnsupportedVersion is returned when the client doesn't speak
	// SOCKS5, the only version this edge accepts.
	ErrUnsupportedVersion = errors.New("socksedge: unsupported protocol version")

	// ErrUnsupportedAddressType is returned for a SOCKS5 ATYP byte outside
	// {IPv4, domain, IPv6}.
	ErrUnsupportedAddressType = errors.New("socksedge: unsupported address type")
)

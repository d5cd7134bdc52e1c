package wire_test

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"quics-go/internal/wire"
)

func TestRequestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		addr wire.SocketAddress
	}{
		{"domain", mustDomain(t, "example.com", 443)},
		{"domain-empty", mustDomain(t, "", 80)},
		{"domain-max-length", mustDomain(t, strings.Repeat("a", 255), 80)},
		{"ipv4", wire.NewIPv4Address(net.IPv4(192, 0, 2, 1), 8080)},
		{"ipv6", wire.NewIPv6Address(net.ParseIP("2001:db8::1"), 53)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := wire.NewTCPConnectRequest(tc.addr)

			var buf bytes.Buffer
			require.NoError(t, req.WriteTo(&buf))

			got, err := wire.ReadRequest(&buf)
			require.NoError(t, err)
			require.Equal(t, req.Type, got.Type)
			require.Equal(t, tc.addr.Kind, got.Address.Kind)
			require.Equal(t, tc.addr.Port, got.Address.Port)

			switch tc.addr.Kind {
			case wire.AddressDomain:
				require.Equal(t, tc.addr.Domain, got.Address.Domain)
			default:
				require.True(t, tc.addr.IP.Equal(got.Address.IP))
			}
		})
	}
}

func TestDomainTooLongRejectedAtEncode(t *testing.T) {
	_, err := wire.NewDomainAddress(strings.Repeat("a", 256), 80)
	require.ErrorIs(t, err, wire.ErrDomainTooLong)
}

func TestUnsupportedRequestType(t *testing.T) {
	buf := bytes.NewReader([]byte{0xEE, 0x02, 127, 0, 0, 1, 0, 80})
	_, err := wire.ReadRequest(buf)
	require.ErrorIs(t, err, wire.ErrUnsupportedRequestType)
}

func TestUnsupportedAddressType(t *testing.T) {
	buf := bytes.NewReader([]byte{byte(wire.RequestTCPConnect), 0x09, 0, 0})
	_, err := wire.ReadRequest(buf)
	require.ErrorIs(t, err, wire.ErrUnsupportedAddressType)
}

func TestInvalidDomainUTF8(t *testing.T) {
	frame := []byte{byte(wire.RequestTCPConnect), byte(wire.AddressDomain), 0x02, 0xFF, 0xFE, 0x00, 0x50}
	_, err := wire.ReadRequest(bytes.NewReader(frame))
	require.ErrorIs(t, err, wire.ErrInvalidDomain)
}

func TestReadRequestEOFDistinctFromProtocolError(t *testing.T) {
	_, err := wire.ReadRequest(bytes.NewReader(nil))
	require.True(t, errors.Is(err, io.EOF))

	// truncated mid-frame: RTYP+ATYP present, address bytes missing
	_, err = wire.ReadRequest(bytes.NewReader([]byte{byte(wire.RequestTCPConnect), byte(wire.AddressIPv4), 1, 2}))
	require.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestResponseRoundTrip(t *testing.T) {
	for _, r := range []wire.Response{wire.ResponseSucceed, wire.ResponseNoAcceptableMethod} {
		var buf bytes.Buffer
		require.NoError(t, r.WriteTo(&buf))

		got, err := wire.ReadResponse(&buf)
		require.NoError(t, err)
		require.Equal(t, r, got)
	}
}

func TestResponseUnknownByteIsNoAcceptableMethod(t *testing.T) {
	got, err := wire.ReadResponse(bytes.NewReader([]byte{0x42}))
	require.NoError(t, err)
	require.Equal(t, wire.ResponseNoAcceptableMethod, got)
}

func mustDomain(t *testing.T, name string, port uint16) wire.SocketAddress {
	t.Helper()
	addr, err := wire.NewDomainAddress(name, port)
	require.NoError(t, err)
	return addr
}

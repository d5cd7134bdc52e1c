package wire

import "io"

// Response is the single-octet frame written as the first byte of the
// server's side of a stream.
type Response byte

const (
	ResponseSucceed            Response = 0x01
	ResponseNoAcceptableMethod Response = 0xFF
)

// WriteTo encodes the response frame.
func (r Response) WriteTo(w io.Writer) error {
	_, err := w.Write([]byte{byte(r)})
	return err
}

// ReadResponse decodes a Response frame. Any octet other than
// ResponseSucceed decodes as ResponseNoAcceptableMethod, matching the
// original source: the response frame carries no payload to disambiguate
// further failure reasons.
func ReadResponse(r io.Reader) (Response, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	if Response(buf[0]) == ResponseSucceed {
		return ResponseSucceed, nil
	}
	return ResponseNoAcceptableMethod, nil
}

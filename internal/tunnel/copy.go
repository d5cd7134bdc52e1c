package tunnel

import (
	"io"
	"sync"

	"golang.org/x/sync/errgroup"
)

// bufPool recycles the 32KiB buffers used to splice SOCKS5 client traffic
// with tunnel streams.
var bufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 32*1024)
		return &buf
	},
}

func copyBuffer(dst io.Writer, src io.Reader) (int64, error) {
	bufPtr := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufPtr)
	return io.CopyBuffer(dst, src, *bufPtr)
}

// splice copies in both directions between a and b concurrently and returns
// once either direction ends. Closing both ends as soon as one direction
// finishes unblocks the other's pending read or write immediately instead
// of leaving it running until its own stream times out.
func splice(a, b io.ReadWriteCloser) error {
	g := new(errgroup.Group)

	g.Go(func() error {
		_, err := copyBuffer(a, b)
		a.Close()
		return err
	})
	g.Go(func() error {
		_, err := copyBuffer(b, a)
		b.Close()
		return err
	})

	return g.Wait()
}

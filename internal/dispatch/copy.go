package dispatch

import (
	"io"
	"sync"

	"golang.org/x/sync/errgroup"
)

// bufPool mirrors the tunnel package's splice buffers: 32KiB on both the
// client and server side.
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

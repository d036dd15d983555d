// Package iobuf provides pooled buffers for staging the kernel and guest
// image copies.
package iobuf

import (
	"context"
	"io"
	"sync"
)

// BufferSize is large enough that copying a multi-hundred-megabyte image
// takes few context checks.
const BufferSize = 1 << 20

var pool = sync.Pool{
	New: func() any {
		buf := make([]byte, BufferSize)
		return &buf
	},
}

// Get returns a pooled BufferSize buffer.
func Get() *[]byte {
	return pool.Get().(*[]byte)
}

// Put returns a buffer to the pool.
func Put(buf *[]byte) {
	if buf == nil {
		return
	}
	pool.Put(buf)
}

// Copy copies src to dst through a pooled buffer and stops with ctx's error
// once ctx is done. It returns the number of bytes written.
func Copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := Get()
	defer Put(buf)

	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(*buf)
		if n > 0 {
			w, werr := dst.Write((*buf)[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
			if w != n {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

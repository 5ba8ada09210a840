package transport

import (
	"io"
	"sync/atomic"
)

// CountingWriter counts bytes that reach the underlying writer and reports
// each successful write to OnWrite, if set.
type CountingWriter struct {
	W       io.Writer
	OnWrite func(n int)

	n atomic.Int64
}

func (c *CountingWriter) Write(p []byte) (int, error) {
	n, err := c.W.Write(p)
	if n > 0 {
		c.n.Add(int64(n))
		if c.OnWrite != nil {
			c.OnWrite(n)
		}
	}
	return n, err
}

// Flush flushes the underlying writer when it supports it.
func (c *CountingWriter) Flush() error {
	if f, ok := c.W.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// Count returns the number of bytes written so far.
func (c *CountingWriter) Count() int64 {
	return c.n.Load()
}

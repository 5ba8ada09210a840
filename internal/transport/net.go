package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
)

// datagramSize is the payload of one UDP or SRT datagram: seven 188-byte
// transport stream packets.
const datagramSize = 188 * 7

func hostPort(dest string) (string, error) {
	u, err := url.Parse(dest)
	if err != nil {
		return "", err
	}
	if u.Host == "" || u.Port() == "" {
		return "", fmt.Errorf("destination %q needs host:port", dest)
	}
	return u.Host, nil
}

func openDatagram(ctx context.Context, dest string, _ Options) (io.WriteCloser, error) {
	addr, err := hostPort(dest)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, err
	}
	return newChunkedWriter(conn, datagramSize), nil
}

func openStream(ctx context.Context, dest string, _ Options) (io.WriteCloser, error) {
	addr, err := hostPort(dest)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// chunkedWriter splits and coalesces writes into fixed-size chunks so each
// underlying write is one full datagram. Close flushes the tail.
type chunkedWriter struct {
	wc   io.WriteCloser
	size int
	buf  []byte
}

func newChunkedWriter(wc io.WriteCloser, size int) *chunkedWriter {
	return &chunkedWriter{wc: wc, size: size, buf: make([]byte, 0, size)}
}

func (w *chunkedWriter) Write(p []byte) (int, error) {
	var n int
	for len(p) > 0 {
		k := min(w.size-len(w.buf), len(p))
		w.buf = append(w.buf, p[:k]...)
		p = p[k:]
		n += k
		if len(w.buf) == w.size {
			if err := w.Flush(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// Flush sends any partial chunk as a short datagram.
func (w *chunkedWriter) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	_, err := w.wc.Write(w.buf)
	w.buf = w.buf[:0]
	return err
}

func (w *chunkedWriter) Close() error {
	ferr := w.Flush()
	if err := w.wc.Close(); err != nil {
		return err
	}
	return ferr
}

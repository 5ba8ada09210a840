package transport

import (
	"context"
	"fmt"
	"io"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// defaultSRTLatency matches the ingest listener.
const defaultSRTLatency = 120 * time.Millisecond

// openSRT dials an SRT listener in caller mode. srtgo.Dial does not take a
// context, so the dial runs in a goroutine and a connection that completes
// after ctx is done is closed.
func openSRT(ctx context.Context, dest string, opts Options) (io.WriteCloser, error) {
	addr, err := hostPort(dest)
	if err != nil {
		return nil, err
	}

	cfg := srtgo.DefaultConfig()
	cfg.Latency = defaultSRTLatency
	if opts.Latency > 0 {
		cfg.Latency = opts.Latency
	}
	cfg.StreamID = opts.StreamID

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(addr, cfg)
		ch <- dialResult{conn, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("srt dial: %w", res.err)
		}
		return newChunkedWriter(res.conn, datagramSize), nil
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

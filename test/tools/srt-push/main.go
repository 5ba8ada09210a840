// Command srt-push publishes an MPEG-TS file to an SRT listener in real
// time, looping forever, for exercising "pushmux serve".
//
// Usage:
//
//	srt-push --addr 127.0.0.1:6000 --key cam1 input.ts
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	srt "github.com/zsiec/srtgo"
)

const (
	tsPacketSize = 188
	chunkSize    = tsPacketSize * 7
	// defaultDuration is assumed when the file carries no usable video PTS.
	defaultDuration = 60 * time.Second
)

func main() {
	keyFlag := flag.String("key", "", "stream key (default: file name without extension)")
	addrFlag := flag.String("addr", "127.0.0.1:6000", "SRT server address")
	durationFlag := flag.Duration("duration", 0, "file duration (default: derived from video PTS)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: srt-push [--addr host:port] [--key name] <file.ts>")
		os.Exit(2)
	}
	path := flag.Arg(0)

	key := *keyFlag
	if key == "" {
		base := filepath.Base(path)
		key = strings.TrimSuffix(base, filepath.Ext(base))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		slog.Error("read input", "error", err)
		os.Exit(1)
	}
	if len(data)%tsPacketSize != 0 {
		slog.Warn("file size is not a multiple of the TS packet size", "size", len(data))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	entries, firstPTS, lastPTS := scanTimestamps(data)
	duration := selectDuration(*durationFlag, firstPTS, lastPTS)
	p := &pusher{
		log:         slog.Default().With("stream_id", "live/"+key),
		streamID:    "live/" + key,
		data:        data,
		entries:     entries,
		loopTicks:   int64(duration.Seconds() * 90000),
		bytesPerSec: float64(len(data)) / duration.Seconds(),
	}
	p.log.Info("pushing", "file", path, "packets", len(data)/tsPacketSize, "duration", duration)
	p.run(ctx, *addrFlag)
}

// selectDuration prefers an explicit override, then the video PTS span,
// then defaultDuration.
func selectDuration(override time.Duration, firstPTS, lastPTS int64) time.Duration {
	if override > 0 {
		return override
	}
	if firstPTS >= 0 && lastPTS > firstPTS {
		return time.Duration(lastPTS-firstPTS) * time.Second / 90000
	}
	return defaultDuration
}

type pusher struct {
	log         *slog.Logger
	streamID    string
	data        []byte
	entries     []ptsEntry
	loopTicks   int64
	bytesPerSec float64
}

// run connects and streams, reconnecting after failures, until ctx ends.
func (p *pusher) run(ctx context.Context, addr string) {
	for ctx.Err() == nil {
		cfg := srt.DefaultConfig()
		cfg.StreamID = p.streamID
		conn, err := srt.Dial(addr, cfg)
		if err != nil {
			p.log.Warn("connect failed, retrying", "addr", addr, "error", err)
			sleepCtx(ctx, time.Second)
			continue
		}
		p.log.Info("connected", "addr", addr)
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		err = p.stream(conn)
		stop()
		conn.Close()
		if err != nil && ctx.Err() == nil {
			p.log.Warn("connection lost, reconnecting", "error", err)
			sleepCtx(ctx, time.Second)
		}
	}
}

// stream writes the file in a loop, paced against a global clock so there
// is no burst at the seam. Each loop shifts every timestamp by the file
// duration to keep them increasing.
func (p *pusher) stream(conn *srt.Conn) error {
	start := time.Now()
	var sent int64
	lastLog := start

	for loop := 1; ; loop++ {
		if loop > 1 {
			addTimestampOffset(p.data, p.entries, p.loopTicks)
			p.log.Info("loop complete", "loop", loop-1, "sent_mb", float64(sent)/(1<<20))
		}
		for i := 0; i < len(p.data); i += chunkSize {
			end := min(i+chunkSize, len(p.data))
			if _, err := conn.Write(p.data[i:end]); err != nil {
				return err
			}
			sent += int64(end - i)

			expected := time.Duration(float64(sent) / p.bytesPerSec * float64(time.Second))
			if elapsed := time.Since(start); expected > elapsed {
				time.Sleep(expected - elapsed)
			}
			if time.Since(lastLog) >= 10*time.Second {
				rate := float64(sent) / time.Since(start).Seconds()
				p.log.Info("progress", "loop", loop, "rate_bps", int64(rate), "target_bps", int64(p.bytesPerSec))
				lastLog = time.Now()
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

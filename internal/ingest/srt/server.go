package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/pushmux/internal/ingest"
)

// Protocol is the ingest protocol label for SRT streams.
const Protocol = "srt"

// readBufferSize is the read buffer for SRT socket reads: ten 1316-byte
// payloads of seven TS packets each.
const readBufferSize = 1316 * 10

// DefaultLatency is the SRT receiver latency used when none is set.
const DefaultLatency = 120 * time.Millisecond

// Server accepts SRT publish connections and registers them with the
// ingest registry.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *ingest.Registry

	// Latency is the receiver latency. Zero means DefaultLatency.
	Latency time.Duration
}

// NewServer creates an SRT server that listens on addr. If log is nil,
// slog.Default() is used.
func NewServer(addr string, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		registry: registry,
	}
}

// Start accepts connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyOrDefault(s.Latency)

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr, "latency", cfg.Latency)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		if _, live := s.registry.Get(extractStreamKey(req.StreamID)); live {
			s.log.Warn("rejecting duplicate publish", "stream_id", req.StreamID)
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		streamKey := extractStreamKey(conn.StreamID())
		s.log.Info("publish", "stream_key", streamKey, "remote", conn.RemoteAddr())
		go s.handleConnection(ctx, conn, streamKey)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn, streamKey string) {
	defer conn.Close()

	stream, err := s.registry.Register(streamKey, Protocol)
	if err != nil {
		s.log.Warn("publish refused", "stream_key", streamKey, "error", err)
		return
	}
	stream.SetRemoteAddr(conn.RemoteAddr().String())
	defer s.registry.Unregister(streamKey)

	// Shutdown must unblock a pending Read or pipe Write.
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
		stream.CloseWrite()
	})
	defer stop()

	copyStream(ctx, s.log, conn, stream)

	stats := stream.Stats()
	s.log.Info("connection closed", "stream_key", streamKey,
		"bytes", stats.BytesReceived, "reads", stats.ReadCount,
		"uptime_ms", stats.Uptime.Milliseconds())
}

// copyStream moves bytes from an SRT connection into an ingest stream
// until either side fails or ctx ends.
func copyStream(ctx context.Context, log *slog.Logger, conn io.Reader, stream *ingest.Stream) {
	buf := make([]byte, readBufferSize)
	for ctx.Err() == nil {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := stream.Write(buf[:n]); werr != nil {
				log.Debug("pipe write error", "stream_key", stream.Key, "error", werr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("read error", "stream_key", stream.Key, "error", err)
			}
			return
		}
	}
}

func latencyOrDefault(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return DefaultLatency
}

// extractStreamKey maps an SRT stream id such as "/live/cam1" to a stream
// key. The "#!::r=cam1,m=publish" access-control form is understood too.
func extractStreamKey(streamID string) string {
	if rest, ok := strings.CutPrefix(streamID, "#!::"); ok {
		streamID = ""
		for _, kv := range strings.Split(rest, ",") {
			if v, ok := strings.CutPrefix(kv, "r="); ok {
				streamID = v
				break
			}
		}
	}
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}

// Package transport opens the byte sink a container is written to. Openers
// are looked up by URL scheme; bare paths and file:// URLs go to the local
// filesystem.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"
)

// FlashVer is the client identification string sent in the RTMP connect
// handshake. Common media servers expect an encoder-style value.
const FlashVer = "FMLE/3.0 (compatible; FMSc/1.0)"

// ErrNoOpener is returned when no opener is registered for a scheme.
var ErrNoOpener = errors.New("transport: no opener for scheme")

// Options carries protocol metadata for opening a destination.
type Options struct {
	// TCURL is the RTMP tcUrl: the destination up to its last path segment.
	TCURL string
	// FlashVer is the RTMP client identification string.
	FlashVer string
	// FlushPackets asks the muxer to flush after every packet.
	FlushPackets bool
	// StreamID is the SRT stream id, taken from the "streamid" query value.
	StreamID string
	// Latency is the SRT receiver latency. Zero keeps the default.
	Latency time.Duration
}

// Opener opens a destination for writing.
type Opener interface {
	Open(ctx context.Context, dest string, opts Options) (io.WriteCloser, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, dest string, opts Options) (io.WriteCloser, error)

func (f OpenerFunc) Open(ctx context.Context, dest string, opts Options) (io.WriteCloser, error) {
	return f(ctx, dest, opts)
}

// Registry maps URL schemes to openers. The zero value is not usable; use
// NewRegistry.
type Registry struct {
	log *slog.Logger

	mu      sync.RWMutex
	openers map[string]Opener
}

// NewRegistry returns a registry with openers for local files, srt, udp and
// tcp. rtmp and rtmps have no default opener. If log is nil, slog.Default()
// is used.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		log:     log.With("component", "transport"),
		openers: make(map[string]Opener),
	}
	r.Register("", OpenerFunc(openFile))
	r.Register("file", OpenerFunc(openFile))
	r.Register("srt", OpenerFunc(openSRT))
	r.Register("udp", OpenerFunc(openDatagram))
	r.Register("tcp", OpenerFunc(openStream))
	return r
}

// Register installs o for scheme, replacing any previous opener.
func (r *Registry) Register(scheme string, o Opener) {
	r.mu.Lock()
	r.openers[strings.ToLower(scheme)] = o
	r.mu.Unlock()
}

// Open opens dest with the opener registered for its scheme.
func (r *Registry) Open(ctx context.Context, dest string, opts Options) (io.WriteCloser, error) {
	scheme := Scheme(dest)

	r.mu.RLock()
	o, ok := r.openers[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoOpener, scheme)
	}

	r.log.Debug("opening destination", "dest", dest, "scheme", scheme)
	w, err := o.Open(ctx, dest, opts)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dest, err)
	}
	return w, nil
}

// Scheme returns the lower-cased URL scheme of dest, or "" for a bare path.
// Single-letter schemes are treated as Windows drive letters.
func Scheme(dest string) string {
	i := strings.Index(dest, "://")
	if i <= 1 {
		return ""
	}
	return strings.ToLower(dest[:i])
}

// IsRTMP reports whether dest is an rtmp or rtmps URL.
func IsRTMP(dest string) bool {
	s := Scheme(dest)
	return s == "rtmp" || s == "rtmps"
}

// HandshakeOptions derives the protocol options for dest. RTMP destinations
// get a tcUrl, the client identification string and per-packet flushing.
// SRT destinations get their stream id. Other destinations carry none.
func HandshakeOptions(dest string) Options {
	var opts Options
	switch Scheme(dest) {
	case "rtmp", "rtmps":
		opts.TCURL = dest
		if i := strings.LastIndex(dest, "/"); i > len(Scheme(dest))+len("://") {
			opts.TCURL = dest[:i]
		}
		opts.FlashVer = FlashVer
		opts.FlushPackets = true
	case "srt":
		if u, err := url.Parse(dest); err == nil {
			opts.StreamID = u.Query().Get("streamid")
			if ms := u.Query().Get("latency"); ms != "" {
				if d, err := time.ParseDuration(ms + "ms"); err == nil {
					opts.Latency = d
				}
			}
		}
	}
	return opts
}

// Package ingest tracks live input connections by stream key and hands each
// new one to a callback that builds its push pipeline. Protocol listeners
// write received bytes into the stream; the callback reads them.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/pushmux/internal/metrics"
)

// KeyPlaceholder is replaced by the stream key in output templates.
const KeyPlaceholder = "{key}"

var (
	// ErrDuplicateKey is returned by Register when the key is already live.
	ErrDuplicateKey = errors.New("ingest: stream key already active")
	// ErrBadTemplate is returned when an output template has no key
	// placeholder.
	ErrBadTemplate = errors.New("ingest: output template lacks " + KeyPlaceholder)
	// ErrBadKey is returned for stream keys that cannot name an output.
	ErrBadKey = errors.New("ingest: invalid stream key")
)

// Stats captures connection-level counters for an ingest stream.
type Stats struct {
	BytesReceived int64
	ReadCount     int64
	ConnectedAt   time.Time
	Uptime        time.Duration
	RemoteAddr    string
}

// Stream is one live input connection. Bytes written to it by the protocol
// receiver are read by the pipeline.
type Stream struct {
	Key       string
	Protocol  string
	StartedAt time.Time

	input io.ReadCloser
	pw    *io.PipeWriter
	done  chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// Write forwards received bytes to the pipeline. It blocks until the
// pipeline reads them.
func (s *Stream) Write(p []byte) (int, error) {
	n, err := s.pw.Write(p)
	if n > 0 {
		s.bytesReceived.Add(int64(n))
		s.readCount.Add(1)
		metrics.RecordBytesIn(s.Protocol, n)
	}
	return n, err
}

// CloseWrite ends the stream's input with EOF and fails any Write blocked
// on the pipeline. Unregister does this too.
func (s *Stream) CloseWrite() {
	s.pw.Close()
}

// SetRemoteAddr records the peer address for diagnostics.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Done is closed when the stream is unregistered.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Stats returns a snapshot of the connection counters.
func (s *Stream) Stats() Stats {
	addr, _ := s.remoteAddr.Load().(string)
	return Stats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt,
		Uptime:        time.Since(s.StartedAt),
		RemoteAddr:    addr,
	}
}

// Registry tracks live streams by key and dispatches each new stream to
// the onStream callback.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream

	onStream func(s *Stream, input io.Reader)
}

// NewRegistry creates a Registry. onStream, if not nil, runs on its own
// goroutine for every registered stream and should read input until EOF.
func NewRegistry(onStream func(s *Stream, input io.Reader)) *Registry {
	return &Registry{
		streams:  make(map[string]*Stream),
		onStream: onStream,
	}
}

// Register creates a stream for key. The returned Stream is the writer the
// protocol receiver feeds.
func (r *Registry) Register(key, protocol string) (*Stream, error) {
	pr, pw := io.Pipe()
	stream := &Stream{
		Key:       key,
		Protocol:  protocol,
		StartedAt: time.Now(),
		input:     pr,
		pw:        pw,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if _, exists := r.streams[key]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	}
	r.streams[key] = stream
	r.mu.Unlock()

	if r.onStream != nil {
		go r.onStream(stream, pr)
	}
	return stream, nil
}

// Unregister removes the stream for key, ending its input with EOF and
// closing Done.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	stream, ok := r.streams[key]
	if ok {
		delete(r.streams, key)
	}
	r.mu.Unlock()

	if ok {
		stream.pw.Close()
		close(stream.done)
	}
}

// Get returns the stream for key.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// Keys returns the live stream keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.streams))
	for k := range r.streams {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	slices.Sort(keys)
	return keys
}

// ExpandTemplate substitutes key into an output template such as
// "out/{key}.flv" or "rtmp://origin/live/{key}". For templates without a
// URL scheme the key names a file, so path separators in it become "_".
func ExpandTemplate(tmpl, key string) (string, error) {
	if !strings.Contains(tmpl, KeyPlaceholder) {
		return "", ErrBadTemplate
	}
	if key == "" || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q", ErrBadKey, key)
	}
	if !strings.Contains(tmpl, "://") {
		key = strings.NewReplacer("/", "_", `\`, "_").Replace(key)
	}
	return strings.ReplaceAll(tmpl, KeyPlaceholder, key), nil
}

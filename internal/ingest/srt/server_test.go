package srt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/zsiec/pushmux/internal/ingest"
)

func TestExtractStreamKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		streamID string
		want     string
	}{
		{name: "simple key", streamID: "camera1", want: "camera1"},
		{name: "leading slash", streamID: "/camera1", want: "camera1"},
		{name: "live prefix", streamID: "live/camera1", want: "camera1"},
		{name: "slash and live prefix", streamID: "/live/camera1", want: "camera1"},
		{name: "empty returns default", streamID: "", want: "default"},
		{name: "just live/ returns default", streamID: "live/", want: "default"},
		{name: "nested path preserved", streamID: "studio/camera1", want: "studio/camera1"},
		{name: "live in name preserved", streamID: "liveshow", want: "liveshow"},
		{name: "access control resource", streamID: "#!::r=live/cam2,m=publish", want: "cam2"},
		{name: "access control without resource", streamID: "#!::m=publish", want: "default"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := extractStreamKey(tc.streamID); got != tc.want {
				t.Errorf("extractStreamKey(%q) = %q, want %q", tc.streamID, got, tc.want)
			}
		})
	}
}

// chunkReader returns its chunks one per Read, then err.
type chunkReader struct {
	chunks []string
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, r.err
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

func TestCopyStream(t *testing.T) {
	t.Parallel()

	got := make(chan string, 1)
	reg := ingest.NewRegistry(func(_ *ingest.Stream, input io.Reader) {
		b, _ := io.ReadAll(input)
		got <- string(b)
	})
	stream, err := reg.Register("cam1", Protocol)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	src := &chunkReader{chunks: []string{"abc", "def"}, err: errors.New("connection reset")}
	copyStream(context.Background(), discardLogger(), src, stream)
	reg.Unregister("cam1")

	select {
	case b := <-got:
		if b != "abcdef" {
			t.Errorf("forwarded %q, want %q", b, "abcdef")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reader never finished")
	}
	if n := stream.Stats().BytesReceived; n != 6 {
		t.Errorf("bytes received: got %d, want 6", n)
	}
}

func TestPullValidation(t *testing.T) {
	t.Parallel()

	c := NewCaller(ingest.NewRegistry(nil), nil)
	tests := []struct {
		req  PullRequest
		want string
	}{
		{PullRequest{StreamKey: "k"}, "address"},
		{PullRequest{Address: "host:9000"}, "stream key"},
	}
	for _, tt := range tests {
		err := c.Pull(context.Background(), tt.req)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("Pull(%+v): got %v, want error mentioning %q", tt.req, err, tt.want)
		}
	}
	if err := c.Stop("missing"); err == nil {
		t.Error("Stop of unknown pull: got nil error")
	}
	if got := c.ActivePulls(); len(got) != 0 {
		t.Errorf("active pulls: got %d, want 0", len(got))
	}
}

func TestLatencyOrDefault(t *testing.T) {
	t.Parallel()

	if got := latencyOrDefault(0); got != DefaultLatency {
		t.Errorf("zero: got %s", got)
	}
	if got := latencyOrDefault(300 * time.Millisecond); got != 300*time.Millisecond {
		t.Errorf("explicit: got %s", got)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

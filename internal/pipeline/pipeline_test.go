package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/zsiec/pushmux/internal/mediatest"
	"github.com/zsiec/pushmux/media"
	"github.com/zsiec/pushmux/writer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSink struct {
	mu       sync.Mutex
	startErr error
	tracks   []media.Track
	frames   []media.Packet
	started  bool
	stops    int
}

func (s *fakeSink) RegisterTrack(kind media.Kind, id int32, info media.TrackInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, media.Track{ID: id, Info: info})
	return nil
}

func (s *fakeSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.started = true
	return nil
}

func (s *fakeSink) WriteFrame(id int32, pts, dts int64, key bool, f media.BitstreamFormat, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, media.Packet{TrackID: id, PTS: pts, DTS: dts, KeyFrame: key, Format: f, Payload: payload})
	return nil
}

func (s *fakeSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

// writeTS produces a two-track transport stream file with the writer.
func writeTS(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "in.ts")
	w := writer.New(writer.WithMetrics(false))
	if err := w.Configure(path, ""); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := w.RegisterTrack(media.KindVideo, 1, media.TrackInfo{Codec: media.CodecH264, TimeBase: media.MPEGTSClock}); err != nil {
		t.Fatalf("RegisterTrack video: %v", err)
	}
	audio := media.TrackInfo{Codec: media.CodecAAC, TimeBase: media.MPEGTSClock, SampleRate: 48000, Channels: 2}
	if err := w.RegisterTrack(media.KindAudio, 2, audio); err != nil {
		t.Fatalf("RegisterTrack audio: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 6; i++ {
		ts := int64(i) * 3000
		frame := mediatest.AnnexB(mediatest.Slice(byte(i)))
		if i%3 == 0 {
			frame = mediatest.AnnexB(mediatest.SPS, mediatest.PPS, mediatest.IDR(byte(i)))
		}
		if err := w.WriteFrame(1, ts, ts, i%3 == 0, media.FormatAnnexB, frame); err != nil {
			t.Fatalf("video %d: %v", i, err)
		}
		ats := int64(i) * 1920
		if err := w.WriteFrame(2, ats, ats, true, media.FormatADTS, mediatest.ADTS(mediatest.AAC(byte(i)))); err != nil {
			t.Fatalf("audio %d: %v", i, err)
		}
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	return path
}

func runPipeline(t *testing.T, p *Pipeline) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return p.Run(ctx)
}

func TestRunRemuxesToFLV(t *testing.T) {
	t.Parallel()

	in, err := os.Open(writeTS(t))
	if err != nil {
		t.Fatalf("open input: %v", err)
	}
	defer in.Close()

	outPath := filepath.Join(t.TempDir(), "out.flv")
	out := writer.New(writer.WithMetrics(false))
	if err := out.Configure(outPath, ""); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	p := New("test-stream", in, out)
	if err := runPipeline(t, p); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := out.State(); got != writer.StateStopped {
		t.Errorf("writer state: got %s, want stopped", got)
	}

	stats := p.Stats()
	if stats.Tracks != 2 {
		t.Errorf("tracks: got %d, want 2", stats.Tracks)
	}
	if stats.Forwarded != 12 || stats.Rejected != 0 {
		t.Errorf("forwarded %d rejected %d, want 12 and 0", stats.Forwarded, stats.Rejected)
	}

	b, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	tags, err := mediatest.ReadFLV(b)
	if err != nil {
		t.Fatalf("ReadFLV: %v", err)
	}
	var video, audio int
	for _, tag := range tags {
		if tag.PacketType() != 1 {
			continue
		}
		switch tag.Type {
		case mediatest.FLVTagVideo:
			if video == 0 && !bytes.Contains(tag.Payload(), mediatest.IDR(0)) {
				t.Error("first video tag is not the leading IDR")
			}
			video++
		case mediatest.FLVTagAudio:
			audio++
		}
	}
	if video != 6 || audio != 6 {
		t.Errorf("media tags: got %d video, %d audio, want 6 each", video, audio)
	}
}

func TestFanOutSkipsFailedSink(t *testing.T) {
	t.Parallel()

	in, err := os.Open(writeTS(t))
	if err != nil {
		t.Fatalf("open input: %v", err)
	}
	defer in.Close()

	good := &fakeSink{}
	bad := &fakeSink{startErr: errors.New("refused")}
	if err := runPipeline(t, New("fan-out", in, bad, good)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(good.tracks) != 2 || len(bad.tracks) != 2 {
		t.Errorf("registered tracks: good %d bad %d, want 2 each", len(good.tracks), len(bad.tracks))
	}
	if len(good.frames) != 12 {
		t.Errorf("good sink frames: got %d, want 12", len(good.frames))
	}
	if len(bad.frames) != 0 {
		t.Errorf("failed sink received %d frames", len(bad.frames))
	}
	if good.stops != 1 || bad.stops != 1 {
		t.Errorf("stops: good %d bad %d, want 1 each", good.stops, bad.stops)
	}
	for _, tr := range good.tracks {
		if tr.Info.TimeBase != media.MPEGTSClock {
			t.Errorf("track %d time base: got %s", tr.ID, tr.Info.TimeBase)
		}
	}
}

func TestRunNoSinkStarts(t *testing.T) {
	t.Parallel()

	in, err := os.Open(writeTS(t))
	if err != nil {
		t.Fatalf("open input: %v", err)
	}
	defer in.Close()

	bad := &fakeSink{startErr: errors.New("refused")}
	if err := runPipeline(t, New("none", in, bad)); !errors.Is(err, ErrNoSinks) {
		t.Errorf("Run: got %v, want ErrNoSinks", err)
	}
}

func TestRunWithEmptyInput(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	if err := runPipeline(t, New("empty", strings.NewReader(""), sink)); err == nil {
		t.Error("Run with empty input: got nil error")
	}
	if sink.started || len(sink.tracks) != 0 {
		t.Error("sink touched without input tracks")
	}
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := New("cancelled", strings.NewReader(""), &fakeSink{}).Run(ctx); err != nil {
		t.Errorf("Run with cancelled context: got %v, want nil", err)
	}
}

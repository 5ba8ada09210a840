package demux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/asticode/go-astits"

	"github.com/zsiec/pushmux/internal/bitstream"
	"github.com/zsiec/pushmux/internal/mediatest"
	"github.com/zsiec/pushmux/internal/muxer"
	"github.com/zsiec/pushmux/media"
)

// buildTS muxes a short H.264 + AAC program. The first video frame is a
// non-IDR slice without parameter sets.
func buildTS(t *testing.T) []byte {
	t.Helper()

	c, err := muxer.NewContext(muxer.FormatMPEGTS, nil)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	c.AddStream(muxer.Stream{Kind: media.KindVideo, Codec: media.CodecH264, TimeBase: media.MPEGTSClock})
	c.AddStream(muxer.Stream{
		Kind: media.KindAudio, Codec: media.CodecAAC, TimeBase: media.MPEGTSClock,
		SampleRate: 48000, Channels: 2, Extradata: mediatest.ASC,
	})

	var buf bytes.Buffer
	if err := c.WriteHeader(&buf, muxer.Options{}); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	video := []muxer.Packet{
		{DTS: 0, Data: mediatest.AnnexB(mediatest.Slice(0))},
		{DTS: 3000, KeyFrame: true, Data: mediatest.AnnexB(mediatest.SPS, mediatest.PPS, mediatest.IDR(1))},
		{DTS: 6000, Data: mediatest.AnnexB(mediatest.Slice(2))},
		{DTS: 9000, Data: mediatest.AnnexB(mediatest.Slice(3))},
	}
	for i, p := range video {
		p.Stream, p.PTS, p.Format = 0, p.DTS, media.FormatAnnexB
		if err := c.WriteInterleaved(p); err != nil {
			t.Fatalf("video %d: %v", i, err)
		}
		ts := int64(i) * 1920
		err := c.WriteInterleaved(muxer.Packet{Stream: 1, PTS: ts, DTS: ts, Format: media.FormatADTS, Data: mediatest.ADTS(mediatest.AAC(byte(i)))})
		if err != nil {
			t.Fatalf("audio %d: %v", i, err)
		}
	}
	if err := c.WriteTrailer(); err != nil {
		t.Fatalf("WriteTrailer: %v", err)
	}
	return buf.Bytes()
}

func TestDemuxerTracksAndPackets(t *testing.T) {
	t.Parallel()

	d := NewDemuxer(bytes.NewReader(buildTS(t)), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()

	select {
	case <-d.Ready():
	case err := <-errc:
		t.Fatalf("Run returned before ready: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for tracks")
	}

	tracks := d.Tracks()
	if len(tracks) != 2 {
		t.Fatalf("tracks: got %d, want 2", len(tracks))
	}
	var video, audio media.Track
	for _, tr := range tracks {
		switch tr.Info.Kind {
		case media.KindVideo:
			video = tr
		case media.KindAudio:
			audio = tr
		}
	}
	if video.Info.Codec != media.CodecH264 || audio.Info.Codec != media.CodecAAC {
		t.Fatalf("codecs: got %s, %s", video.Info.Codec, audio.Info.Codec)
	}
	if video.ID == audio.ID {
		t.Error("tracks share an id")
	}
	sps, pps, err := bitstream.ParseAVCDecoderConfig(video.Info.Extradata)
	if err != nil {
		t.Fatalf("video extradata: %v", err)
	}
	if !bytes.Equal(sps, mediatest.SPS) || !bytes.Equal(pps, mediatest.PPS) {
		t.Error("video extradata does not carry the in-band parameter sets")
	}
	if video.Info.Width != 1280 || video.Info.Height != 720 {
		t.Errorf("dimensions: got %dx%d, want 1280x720", video.Info.Width, video.Info.Height)
	}
	if !bytes.Equal(audio.Info.Extradata, mediatest.ASC) {
		t.Errorf("audio config: got %x, want %x", audio.Info.Extradata, mediatest.ASC)
	}
	if audio.Info.SampleRate != 48000 || audio.Info.Channels != 2 {
		t.Errorf("audio params: got %d Hz %d ch", audio.Info.SampleRate, audio.Info.Channels)
	}
	if err := audio.Info.Validate(); err != nil {
		t.Errorf("audio info invalid: %v", err)
	}

	var vpkts, apkts []media.Packet
	for p := range d.Packets() {
		switch p.TrackID {
		case video.ID:
			vpkts = append(vpkts, p)
		case audio.ID:
			apkts = append(apkts, p)
		}
	}
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(vpkts) != 3 {
		t.Fatalf("video packets: got %d, want 3 (leading slice dropped)", len(vpkts))
	}
	first := vpkts[0]
	if !first.KeyFrame || first.DTS != 3000 || first.Format != media.FormatAnnexB {
		t.Errorf("first video packet: key=%v dts=%d format=%s", first.KeyFrame, first.DTS, first.Format)
	}
	if !bytes.Contains(first.Payload, mediatest.IDR(1)) {
		t.Error("first video packet lacks the IDR slice")
	}
	if vpkts[1].KeyFrame {
		t.Error("non-IDR frame flagged as key frame")
	}

	if len(apkts) != 4 {
		t.Fatalf("audio packets: got %d, want 4", len(apkts))
	}
	for i, p := range apkts {
		if p.Format != media.FormatRaw || !bytes.Equal(p.Payload, mediatest.AAC(byte(i))) {
			t.Errorf("audio %d: format %s payload %x", i, p.Format, p.Payload)
		}
		if want := int64(i) * 1920; p.PTS != want {
			t.Errorf("audio %d pts: got %d, want %d", i, p.PTS, want)
		}
	}
}

func TestDemuxerEmptyInput(t *testing.T) {
	t.Parallel()

	d := NewDemuxer(bytes.NewReader(nil), nil)
	if err := d.Run(context.Background()); err == nil {
		t.Error("Run on empty input: got nil error")
	}
	if _, ok := <-d.Packets(); ok {
		t.Error("packet channel not closed")
	}
}

func TestDemuxerIncomplete(t *testing.T) {
	t.Parallel()

	// Video that never carries parameter sets.
	c, err := muxer.NewContext(muxer.FormatMPEGTS, nil)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	c.AddStream(muxer.Stream{Kind: media.KindVideo, Codec: media.CodecH264, TimeBase: media.MPEGTSClock})
	var buf bytes.Buffer
	if err := c.WriteHeader(&buf, muxer.Options{}); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	for i := 0; i < 3; i++ {
		ts := int64(i) * 3000
		if err := c.WriteInterleaved(muxer.Packet{Stream: 0, PTS: ts, DTS: ts, Format: media.FormatAnnexB, Data: mediatest.AnnexB(mediatest.Slice(byte(i)))}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	c.WriteTrailer()

	d := NewDemuxer(bytes.NewReader(buf.Bytes()), nil)
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	for range d.Packets() {
		t.Error("packet delivered without configuration")
	}
	if err := <-done; !errors.Is(err, ErrIncomplete) {
		t.Errorf("Run: got %v, want ErrIncomplete", err)
	}
	select {
	case <-d.Ready():
		t.Error("ready closed without configuration")
	default:
	}
}

func TestAACFrameTicks(t *testing.T) {
	t.Parallel()

	tests := []struct{ rate, want int }{
		{48000, 1920},
		{44100, 2089},
		{0, 0},
	}
	for _, tt := range tests {
		if got := aacFrameTicks(tt.rate); got != tt.want {
			t.Errorf("aacFrameTicks(%d): got %d, want %d", tt.rate, got, tt.want)
		}
	}
}

func TestEndOfInput(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want bool
	}{
		{astits.ErrNoMorePackets, true},
		{io.EOF, true},
		{fmt.Errorf("read: %w", io.ErrUnexpectedEOF), true},
		{errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := endOfInput(tt.err); got != tt.want {
			t.Errorf("endOfInput(%v): got %v, want %v", tt.err, got, tt.want)
		}
	}
}

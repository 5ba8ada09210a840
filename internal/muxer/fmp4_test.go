package muxer

import (
	"bytes"
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/zsiec/pushmux/internal/mediatest"
	"github.com/zsiec/pushmux/media"
)

// readFMP4 decodes the init segment and every fragment that follows it.
func readFMP4(t *testing.T, b []byte) (*fmp4.Init, fmp4.Parts) {
	t.Helper()
	var init fmp4.Init
	if err := init.Unmarshal(bytes.NewReader(b)); err != nil {
		t.Fatalf("init segment: %v", err)
	}
	var parts fmp4.Parts
	if err := parts.Unmarshal(b); err != nil {
		t.Fatalf("fragments: %v", err)
	}
	return &init, parts
}

// firstBaseTimes maps track id to the tfdt of its first fragment.
func firstBaseTimes(parts fmp4.Parts) map[int]uint64 {
	base := make(map[int]uint64)
	for _, p := range parts {
		for _, tr := range p.Tracks {
			if _, ok := base[tr.ID]; !ok {
				base[tr.ID] = tr.BaseTime
			}
		}
	}
	return base
}

func TestFMP4FragmentsAtKeyframes(t *testing.T) {
	t.Parallel()

	c := newTestContext(t, FormatMP4)
	v := h264Stream()
	v.TimeBase = media.MPEGTSClock
	c.AddStream(v)
	c.AddStream(aacStream())

	var buf bytes.Buffer
	if err := c.WriteHeader(&buf, Options{}); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if got := c.Streams()[1].TimeBase; got != (media.Rational{1, 48000}) {
		t.Errorf("audio time base: got %s, want 1/48000", got)
	}

	for i := 0; i < 4; i++ {
		dts := int64(i) * 3000
		err := c.WriteInterleaved(Packet{
			Stream: 0, PTS: dts, DTS: dts, KeyFrame: i%2 == 0,
			Format: media.FormatLengthPrefixed,
			Data:   mediatest.LengthPrefixed(mediatest.IDR(byte(i))),
		})
		if err != nil {
			t.Fatalf("video %d: %v", i, err)
		}
		ats := int64(i) * 1600
		err = c.WriteInterleaved(Packet{Stream: 1, PTS: ats, DTS: ats, Format: media.FormatRaw, Data: mediatest.AAC(byte(i))})
		if err != nil {
			t.Fatalf("audio %d: %v", i, err)
		}
	}
	if err := c.WriteTrailer(); err != nil {
		t.Fatalf("WriteTrailer: %v", err)
	}

	init, parts := readFMP4(t, buf.Bytes())
	if len(init.Tracks) != 2 {
		t.Fatalf("tracks: got %d, want 2", len(init.Tracks))
	}
	if _, ok := init.Tracks[0].Codec.(*mp4.CodecH264); !ok {
		t.Errorf("track 1 codec: got %T, want *mp4.CodecH264", init.Tracks[0].Codec)
	}
	if _, ok := init.Tracks[1].Codec.(*mp4.CodecMPEG4Audio); !ok {
		t.Errorf("track 2 codec: got %T, want *mp4.CodecMPEG4Audio", init.Tracks[1].Codec)
	}
	if init.Tracks[0].TimeScale != 90000 || init.Tracks[1].TimeScale != 48000 {
		t.Errorf("time scales: got %d, %d, want 90000, 48000", init.Tracks[0].TimeScale, init.Tracks[1].TimeScale)
	}
	if len(parts) != 2 {
		t.Errorf("fragments: got %d, want 2", len(parts))
	}

	var mdat []byte
	for _, p := range parts {
		for _, tr := range p.Tracks {
			for _, smp := range tr.Samples {
				mdat = append(mdat, smp.Payload...)
			}
		}
	}
	for i := 0; i < 4; i++ {
		if !bytes.Contains(mdat, mediatest.LengthPrefixed(mediatest.IDR(byte(i)))) {
			t.Errorf("video sample %d missing from mdat", i)
		}
		if !bytes.Contains(mdat, mediatest.AAC(byte(i))) {
			t.Errorf("audio sample %d missing from mdat", i)
		}
	}
}

func TestFMP4AudioOnlyFragments(t *testing.T) {
	t.Parallel()

	c := newTestContext(t, FormatMP4)
	c.AddStream(aacStream())

	var buf bytes.Buffer
	if err := c.WriteHeader(&buf, Options{}); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	for i := 0; i < 120; i++ {
		ts := int64(i) * 1024
		if err := c.WriteInterleaved(Packet{Stream: 0, PTS: ts, DTS: ts, Format: media.FormatRaw, Data: mediatest.AAC(byte(i))}); err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
	}
	if err := c.WriteTrailer(); err != nil {
		t.Fatalf("WriteTrailer: %v", err)
	}

	_, parts := readFMP4(t, buf.Bytes())
	if len(parts) != 3 {
		t.Errorf("fragments: got %d, want 3", len(parts))
	}
	if base := firstBaseTimes(parts); base[1] != 0 {
		t.Errorf("audio tfdt: got %d, want 0", base[1])
	}
}

func TestFMP4SharedStartOffset(t *testing.T) {
	t.Parallel()

	c := newTestContext(t, FormatMP4)
	v := h264Stream()
	v.TimeBase = media.MPEGTSClock
	c.AddStream(v)
	c.AddStream(aacStream())

	var buf bytes.Buffer
	if err := c.WriteHeader(&buf, Options{}); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}

	// Video opens one frame before zero, audio at zero.
	for i := 0; i < 4; i++ {
		dts := int64(i)*3000 - 3003
		err := c.WriteInterleaved(Packet{
			Stream: 0, PTS: dts + 3003, DTS: dts, KeyFrame: i%2 == 0,
			Format: media.FormatLengthPrefixed,
			Data:   mediatest.LengthPrefixed(mediatest.IDR(byte(i))),
		})
		if err != nil {
			t.Fatalf("video %d: %v", i, err)
		}
		ats := int64(i) * 1600
		err = c.WriteInterleaved(Packet{Stream: 1, PTS: ats, DTS: ats, Format: media.FormatRaw, Data: mediatest.AAC(byte(i))})
		if err != nil {
			t.Fatalf("audio %d: %v", i, err)
		}
	}
	if err := c.WriteTrailer(); err != nil {
		t.Fatalf("WriteTrailer: %v", err)
	}

	_, parts := readFMP4(t, buf.Bytes())
	base := firstBaseTimes(parts)
	// 3003 ticks at 90 kHz is 1601.6 ticks at 48 kHz.
	tests := []struct {
		track int
		want  uint64
	}{
		{1, 0},
		{2, 1602},
	}
	for _, tt := range tests {
		if got, ok := base[tt.track]; !ok || got != tt.want {
			t.Errorf("track %d first tfdt: got %d (present %v), want %d", tt.track, got, ok, tt.want)
		}
	}
}

func TestDefaultSampleDuration(t *testing.T) {
	t.Parallel()

	audio := &Stream{Kind: media.KindAudio, TimeBase: media.Rational{1, 48000}, SampleRate: 48000}
	if got := defaultSampleDuration(audio); got != 1024 {
		t.Errorf("audio: got %d, want 1024", got)
	}
	video := &Stream{Kind: media.KindVideo, TimeBase: media.MPEGTSClock}
	if got := defaultSampleDuration(video); got != 3000 {
		t.Errorf("video: got %d, want 3000", got)
	}
}

package muxer

import (
	"testing"
	"time"
)

func drainAll(il *interleaver, flush bool) []*Packet {
	var out []*Packet
	for {
		p, ok := il.pop(flush)
		if !ok {
			return out
		}
		out = append(out, p)
	}
}

func TestInterleaverWaitsForAllStreams(t *testing.T) {
	t.Parallel()

	il := newInterleaver(2, 10*time.Second)
	il.push(&Packet{Stream: 0, DTS: 0}, 0)
	il.push(&Packet{Stream: 0, DTS: 40}, 40*time.Millisecond)

	if got := drainAll(il, false); len(got) != 0 {
		t.Fatalf("released %d packets before stream 1 arrived", len(got))
	}

	il.push(&Packet{Stream: 1, DTS: 20}, 20*time.Millisecond)
	got := drainAll(il, false)
	// 0@0 and 1@20 are released; 0@40 waits for more of stream 1.
	if len(got) != 2 {
		t.Fatalf("got %d packets, want 2", len(got))
	}
	if got[0].Stream != 0 || got[1].Stream != 1 {
		t.Errorf("order: got streams %d,%d, want 0,1", got[0].Stream, got[1].Stream)
	}
	if il.len() != 1 {
		t.Errorf("queued: got %d, want 1", il.len())
	}
}

func TestInterleaverOrdersByTime(t *testing.T) {
	t.Parallel()

	il := newInterleaver(2, 10*time.Second)
	il.push(&Packet{Stream: 1, DTS: 3}, 30*time.Millisecond)
	il.push(&Packet{Stream: 0, DTS: 2}, 20*time.Millisecond)
	il.push(&Packet{Stream: 1, DTS: 1}, 10*time.Millisecond)
	il.push(&Packet{Stream: 0, DTS: 1}, 10*time.Millisecond)

	got := drainAll(il, true)
	want := []struct {
		stream int
		dts    int64
	}{{0, 1}, {1, 1}, {0, 2}, {1, 3}}
	if len(got) != len(want) {
		t.Fatalf("got %d packets, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Stream != w.stream || got[i].DTS != w.dts {
			t.Errorf("packet %d: got stream %d dts %d, want stream %d dts %d",
				i, got[i].Stream, got[i].DTS, w.stream, w.dts)
		}
	}
}

func TestInterleaverMaxDelta(t *testing.T) {
	t.Parallel()

	il := newInterleaver(2, time.Second)
	for i := 0; i <= 10; i++ {
		il.push(&Packet{Stream: 0, DTS: int64(i)}, time.Duration(i)*100*time.Millisecond)
	}
	// Span is exactly 1s: nothing exceeds the delta yet.
	if got := drainAll(il, false); len(got) != 0 {
		t.Fatalf("released %d packets at the delta boundary", len(got))
	}

	il.push(&Packet{Stream: 0, DTS: 11}, 1100*time.Millisecond)
	got := drainAll(il, false)
	if len(got) != 1 || got[0].DTS != 0 {
		t.Fatalf("got %d packets, want only dts 0", len(got))
	}
}

func TestInterleaverUnbounded(t *testing.T) {
	t.Parallel()

	il := newInterleaver(2, -1)
	for i := 0; i < 100; i++ {
		il.push(&Packet{Stream: 0, DTS: int64(i)}, time.Duration(i)*time.Second)
	}
	if got := drainAll(il, false); len(got) != 0 {
		t.Fatalf("released %d packets with delta disabled", len(got))
	}
	if got := drainAll(il, true); len(got) != 100 {
		t.Errorf("flush: got %d packets, want 100", len(got))
	}
}

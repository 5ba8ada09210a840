package muxer

import (
	"sort"
	"time"
)

type queued struct {
	pkt *Packet
	at  time.Duration
}

// interleaver orders packets across streams by decode time. A packet is
// released once every stream has something queued, or once the queue spans
// more than maxDelta, so a silent stream cannot stall the output forever.
type interleaver struct {
	maxDelta time.Duration
	queue    []queued
	pending  []int
	waiting  int
}

func newInterleaver(streams int, maxDelta time.Duration) *interleaver {
	return &interleaver{
		maxDelta: maxDelta,
		pending:  make([]int, streams),
		waiting:  streams,
	}
}

func (il *interleaver) push(p *Packet, at time.Duration) {
	i := sort.Search(len(il.queue), func(i int) bool {
		q := il.queue[i]
		if q.at != at {
			return q.at > at
		}
		return q.pkt.Stream > p.Stream
	})
	il.queue = append(il.queue, queued{})
	copy(il.queue[i+1:], il.queue[i:])
	il.queue[i] = queued{pkt: p, at: at}

	if il.pending[p.Stream] == 0 {
		il.waiting--
	}
	il.pending[p.Stream]++
}

func (il *interleaver) pop(flush bool) (*Packet, bool) {
	if len(il.queue) == 0 {
		return nil, false
	}
	head := il.queue[0]
	ready := flush || il.waiting == 0
	if !ready && il.maxDelta >= 0 {
		ready = il.queue[len(il.queue)-1].at-head.at > il.maxDelta
	}
	if !ready {
		return nil, false
	}

	il.queue[0] = queued{}
	il.queue = il.queue[1:]
	il.pending[head.pkt.Stream]--
	if il.pending[head.pkt.Stream] == 0 {
		il.waiting++
	}
	return head.pkt, true
}

func (il *interleaver) len() int {
	return len(il.queue)
}

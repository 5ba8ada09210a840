// Package muxer serializes timed packets into FLV, fragmented MP4 or
// MPEG-TS. A Context owns one container instance: streams are added, the
// header is written to an output, packets are interleaved by decode time
// across streams, and the trailer flushes everything still buffered.
//
// FLV is produced with joy4, fragmented MP4 and MPEG-TS with mediacommon.
// Packets must already be in the framing Format.Convention reports.
package muxer

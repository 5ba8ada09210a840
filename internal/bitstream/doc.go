// Package bitstream converts packet payloads between the framing
// conventions containers expect: Annex-B and length-prefixed NAL units for
// H.264/H.265, ADTS and raw access units for AAC. It also builds and parses
// the decoder configuration records carried as track extradata.
//
// The Normalize dispatch table decides, per container convention and codec,
// whether a payload passes through untouched or goes through a transform.
package bitstream

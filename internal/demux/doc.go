// Package demux reads an MPEG-TS byte stream and turns it into
// [media.Packet] values with one [media.Track] per elementary stream.
//
// H.264, H.265, AAC and Opus streams are recognised. Track ids are the
// elementary stream PIDs and timestamps stay on the 90 kHz MPEG clock.
// Video decoder configuration records are built from the first in-band
// parameter sets; AAC configuration comes from the first ADTS header.
// Tracks are published through [Demuxer.Ready] only once every video
// track has its configuration, so a consumer can register all tracks with
// a writer before the first packet arrives.
package demux

// Package srt receives MPEG-TS over SRT for push jobs. [Server] accepts
// publish connections in listener mode; [Caller] pulls from a remote SRT
// listener. Both feed the bytes into an [ingest.Registry] under a stream
// key taken from the SRT stream id.
package srt

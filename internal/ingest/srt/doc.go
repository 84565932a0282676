// Package srt carries MPEG-TS over SRT into the ingest registry, either by
// accepting publishers (Server) or by pulling from a remote listener
// (Caller).
package srt

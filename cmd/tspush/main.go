// Command tspush publishes a transport stream to an SRT listener in real
// time. With no file it synthesizes an H.264 test pattern.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	srt "github.com/zsiec/srtgo"
)

func main() {
	addrFlag := flag.String("addr", "127.0.0.1:6000", "SRT server address")
	keyFlag := flag.String("key", "test", "Stream key")
	fileFlag := flag.String("file", "", "TS file to loop (default: synthetic stream)")
	durationFlag := flag.Duration("duration", time.Minute, "Playback duration of -file, used for pacing")
	fpsFlag := flag.Int("fps", 25, "Synthetic frame rate")
	gopFlag := flag.Int("gop", 50, "Synthetic keyframe interval in frames")
	framesFlag := flag.Int("frames", 0, "Stop after this many synthetic frames (0 = forever)")
	flag.Parse()

	streamID := "live/" + *keyFlag

	var data []byte
	if *fileFlag != "" {
		var err error
		data, err = os.ReadFile(*fileFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read file: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("File: %s (%d bytes, paced over %s)\n", *fileFlag, len(data), *durationFlag)
	}

	for {
		fmt.Printf("[%s] Connecting to SRT %s...\n", streamID, *addrFlag)

		cfg := srt.DefaultConfig()
		cfg.StreamID = streamID
		conn, err := srt.Dial(*addrFlag, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[%s] SRT connect failed: %v, retrying...\n", streamID, err)
			time.Sleep(time.Second)
			continue
		}

		fmt.Printf("[%s] Connected\n", streamID)
		w := newChunkWriter(conn)
		if data != nil {
			err = loopFile(w, data, *durationFlag)
		} else {
			g := newGenerator(w, *fpsFlag, *gopFlag)
			err = g.run(*framesFlag, realtime(g.frameTime()))
		}
		if err == nil {
			err = w.Flush()
		}
		conn.Close()

		if err == nil {
			fmt.Printf("[%s] Done\n", streamID)
			return
		}
		fmt.Fprintf(os.Stderr, "[%s] Connection lost: %v, reconnecting...\n", streamID, err)
		time.Sleep(time.Second)
	}
}

// loopFile writes data forever, paced so one pass takes duration.
func loopFile(w *chunkWriter, data []byte, duration time.Duration) error {
	bytesPerSec := float64(len(data)) / duration.Seconds()
	start := time.Now()
	var sent int64
	for {
		for i := 0; i < len(data); i += chunkSize {
			end := min(i+chunkSize, len(data))
			if _, err := w.Write(data[i:end]); err != nil {
				return err
			}
			sent += int64(end - i)

			// Pace against the global clock so loop seams carry no burst.
			expected := time.Duration(float64(sent) / bytesPerSec * float64(time.Second))
			if wait := expected - time.Since(start); wait > 0 {
				time.Sleep(wait)
			}
		}
	}
}

// realtime returns a pacing hook that sleeps until frame n is due.
func realtime(frameTime time.Duration) func(n int) {
	start := time.Now()
	return func(n int) {
		if wait := time.Duration(n)*frameTime - time.Since(start); wait > 0 {
			time.Sleep(wait)
		}
	}
}

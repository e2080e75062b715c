// ABOUTME: Converts a raw interleaved PCM capture dump into one WAV file per channel
// ABOUTME: Optionally skips leading frames and normalizes samples to float32
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/harper/pcm-capture/internal/application/config"
	"github.com/harper/pcm-capture/internal/application/logging"
	"github.com/harper/pcm-capture/internal/infrastructure/wav"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	in := flag.String("in", "", "raw PCM dump to convert")
	channels := flag.Int("channels", 6, "interleaved channels per frame")
	rate := flag.Int("rate", 16000, "sample rate in Hz")
	size := flag.Int("size", 4, "bytes per sample")
	skip := flag.Int("skip", 0, "leading frames to drop")
	normalize := flag.Bool("normalize", false, "write float32 samples scaled to the observed range")
	out := flag.String("out", "", "output directory (default next to -in)")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	slog.SetDefault(logging.New(config.LoggingConfig{Level: *level}, os.Stderr))

	if *in == "" {
		return fmt.Errorf("-in is required")
	}

	raw, err := os.ReadFile(*in)
	if err != nil {
		return fmt.Errorf("read dump: %w", err)
	}

	frameSize := *channels * *size
	if frameSize <= 0 {
		return fmt.Errorf("invalid layout: channels=%d size=%d", *channels, *size)
	}
	if offset := *skip * frameSize; offset > 0 {
		if offset > len(raw) {
			offset = len(raw)
		}
		raw = raw[offset:]
	}

	dir := *out
	if dir == "" {
		dir = filepath.Dir(*in)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	prefix := strings.TrimSuffix(filepath.Base(*in), filepath.Ext(*in))

	paths, err := wav.WriteChannelFiles(raw, dir, prefix, wav.Options{
		Channels:   *channels,
		SampleRate: *rate,
		SampleSize: *size,
		Normalize:  *normalize,
	})
	if err != nil {
		return err
	}

	slog.Info("converted", "in", *in, "frames", len(raw)/frameSize, "files", len(paths), "dir", dir)
	return nil
}

// ABOUTME: WAV encoding for raw interleaved PCM capture dumps
// ABOUTME: Builds RIFF headers and splits a dump into one mono file per channel
package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

const HeaderSize = 44

const (
	formatPCM   = 1
	formatFloat = 3
)

var ErrInvalidLayout = errors.New("invalid pcm layout")

// BuildHeader returns the 44-byte RIFF header for integer PCM data of dataLen bytes.
func BuildHeader(channels, sampleRate, bitsPerSample, dataLen int) []byte {
	return buildHeader(formatPCM, channels, sampleRate, bitsPerSample, dataLen)
}

// BuildFloatHeader is BuildHeader for 32-bit IEEE float data.
func BuildFloatHeader(channels, sampleRate, dataLen int) []byte {
	return buildHeader(formatFloat, channels, sampleRate, 32, dataLen)
}

func buildHeader(format, channels, sampleRate, bitsPerSample, dataLen int) []byte {
	blockAlign := channels * bitsPerSample / 8

	var buf bytes.Buffer
	buf.Grow(HeaderSize)

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(format))
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataLen))

	return buf.Bytes()
}

// SplitChannels de-interleaves raw frames into one buffer per channel.
// A trailing partial frame is ignored.
func SplitChannels(raw []byte, channels, sampleSize int) ([][]byte, error) {
	if channels <= 0 || sampleSize <= 0 || sampleSize > 4 {
		return nil, fmt.Errorf("%w: channels=%d sample_size=%d", ErrInvalidLayout, channels, sampleSize)
	}

	frameSize := channels * sampleSize
	frames := len(raw) / frameSize

	out := make([][]byte, channels)
	for c := range out {
		out[c] = make([]byte, 0, frames*sampleSize)
	}

	for f := 0; f < frames; f++ {
		frame := raw[f*frameSize : (f+1)*frameSize]
		for c := 0; c < channels; c++ {
			out[c] = append(out[c], frame[c*sampleSize:(c+1)*sampleSize]...)
		}
	}

	return out, nil
}

// Normalize converts unsigned little-endian samples to float32 in [-1, 1],
// centered on the midpoint of the observed range. Silence maps to zeros.
func Normalize(samples []byte, sampleSize int) []byte {
	n := len(samples) / sampleSize
	if n == 0 {
		return nil
	}

	values := make([]float64, n)
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := range values {
		v := float64(readUint(samples[i*sampleSize : (i+1)*sampleSize]))
		values[i] = v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}

	mid := (hi + lo) / 2
	peak := (hi - lo) / 2

	out := make([]byte, n*4)
	for i, v := range values {
		var f float32
		if peak > 0 {
			f = float32((v - mid) / peak)
		}
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}

	return out
}

func readUint(p []byte) uint32 {
	var word [4]byte
	copy(word[:], p)
	return binary.LittleEndian.Uint32(word[:])
}

type Options struct {
	Channels   int
	SampleRate int
	SampleSize int
	// Normalize writes float32 files scaled to the observed range instead of
	// the raw integer samples.
	Normalize bool
}

// WriteChannelFiles writes <prefix>_chan<N>.wav into dir for every channel and
// returns the paths in channel order.
func WriteChannelFiles(raw []byte, dir, prefix string, opts Options) ([]string, error) {
	channels, err := SplitChannels(raw, opts.Channels, opts.SampleSize)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(channels))
	for c, data := range channels {
		var header []byte
		if opts.Normalize {
			data = Normalize(data, opts.SampleSize)
			header = BuildFloatHeader(1, opts.SampleRate, len(data))
		} else {
			header = BuildHeader(1, opts.SampleRate, opts.SampleSize*8, len(data))
		}

		path := filepath.Join(dir, fmt.Sprintf("%s_chan%d.wav", prefix, c+1))
		if err := os.WriteFile(path, append(header, data...), 0o644); err != nil {
			return paths, fmt.Errorf("write %s: %w", path, err)
		}
		paths = append(paths, path)
	}

	return paths, nil
}

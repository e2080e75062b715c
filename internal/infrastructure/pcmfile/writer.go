// ABOUTME: Raw interleaved PCM dump writer with a staging ring between caller and disk
// ABOUTME: Write never blocks on I/O; a background goroutine drains the ring to the file
package pcmfile

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/smallnest/ringbuffer"
)

const drainChunk = 32 * 1024

var (
	ErrBacklogFull  = errors.New("pcm writer backlog full")
	ErrPartialFrame = errors.New("write is not a whole number of frames")
	ErrClosed       = errors.New("pcm writer closed")
)

type Writer struct {
	frameSize int

	file *os.File
	out  *bufio.Writer
	ring *ringbuffer.RingBuffer

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool

	mu  sync.Mutex
	err error

	written atomic.Uint64
}

// Create truncates path and starts the drain goroutine. ringBytes is rounded
// down to whole frames.
func Create(path string, frameSize, ringBytes int) (*Writer, error) {
	if frameSize <= 0 || ringBytes < frameSize {
		return nil, fmt.Errorf("invalid writer size: frame=%d ring=%d", frameSize, ringBytes)
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}

	w := &Writer{
		frameSize: frameSize,
		file:      file,
		out:       bufio.NewWriterSize(file, drainChunk),
		ring:      ringbuffer.New(ringBytes - ringBytes%frameSize),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	go w.drain()

	return w, nil
}

// Write stages whole frames. It fails with ErrBacklogFull instead of waiting
// for the disk; nothing is staged in that case.
func (w *Writer) Write(frames []byte) (int, error) {
	if w.closed.Load() {
		return 0, ErrClosed
	}
	if len(frames)%w.frameSize != 0 {
		return 0, fmt.Errorf("%w: %d bytes, frame is %d", ErrPartialFrame, len(frames), w.frameSize)
	}
	if err := w.Err(); err != nil {
		return 0, err
	}
	if len(frames) == 0 {
		return 0, nil
	}
	if w.ring.Free() < len(frames) {
		return 0, ErrBacklogFull
	}

	n, err := w.ring.Write(frames)
	if err != nil {
		return n, fmt.Errorf("stage frames: %w", err)
	}

	select {
	case w.wake <- struct{}{}:
	default:
	}

	return n, nil
}

func (w *Writer) drain() {
	defer close(w.done)

	chunk := make([]byte, drainChunk)
	for {
		select {
		case <-w.wake:
			w.flushRing(chunk)
		case <-w.stop:
			w.flushRing(chunk)
			return
		}
	}
}

func (w *Writer) flushRing(chunk []byte) {
	for w.ring.Length() > 0 {
		n, _ := w.ring.TryRead(chunk)
		if n == 0 {
			return
		}
		if w.Err() != nil {
			continue
		}
		if _, err := w.out.Write(chunk[:n]); err != nil {
			w.setErr(fmt.Errorf("write %s: %w", w.file.Name(), err))
			continue
		}
		w.written.Add(uint64(n))
	}
}

func (w *Writer) setErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

// Err returns the first disk error seen by the drain goroutine.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Frames returns the number of frames handed to the file.
func (w *Writer) Frames() uint64 {
	return w.written.Load() / uint64(w.frameSize)
}

// Close drains the ring, flushes, and closes the file. It must not race with
// Write.
func (w *Writer) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		close(w.stop)
		<-w.done

		err = errors.Join(w.Err(), w.out.Flush(), w.file.Close())
	})
	return err
}

// ABOUTME: Capture session owning the block ring buffer, its lock, and the producer goroutine
// ABOUTME: Exposes read, recording control, and buffer queries to the application
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/harper/pcm-capture/internal/domain"
	"github.com/harper/pcm-capture/internal/infrastructure/ring"
)

var (
	ErrInvalidChannelCount = errors.New("invalid channel count")
	ErrInvalidConfig       = errors.New("invalid session config")
	ErrSetup               = errors.New("capture device setup failed")
	ErrClosed              = errors.New("session closed")
	ErrAlreadyStarted      = errors.New("session already started")
	ErrShortBuffer         = errors.New("destination too small")
)

type State int32

const (
	Starting State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Config struct {
	ID         string
	Channels   int
	SampleRate int
	// SampleSize is the width of one channel sample in bytes.
	SampleSize int
	// BlockCount is the ring capacity in frames.
	BlockCount int
	Policy     ring.Policy
}

type Session struct {
	id         string
	runID      string
	channels   int
	sampleRate int
	sampleSize int

	device domain.CaptureDevice
	sink   domain.DiagnosticsSink

	// mu is held only around ring calls; nothing blocks while holding it.
	mu        sync.Mutex
	buffer    *ring.Buffer
	capFrames int
	closed    bool

	region     domain.Region
	halfFrames atomic.Int64

	recording     atomic.Bool
	stopRequested atomic.Bool
	started       atomic.Bool
	state         atomic.Int32

	halves       atomic.Uint64
	framesPushed atomic.Uint64
	overflows    atomic.Uint64
	droppedBytes atomic.Uint64
	framesRead   atomic.Uint64
	underflows   atomic.Uint64
	resyncs      atomic.Uint64

	lastOverflowLog time.Time

	done chan struct{}
}

// New allocates the ring buffer. The producer does not run until Start.
func New(cfg Config, device domain.CaptureDevice, sink domain.DiagnosticsSink) (*Session, error) {
	if cfg.Channels <= 0 || cfg.SampleSize <= 0 || cfg.BlockCount <= 0 {
		return nil, fmt.Errorf("%w: channels=%d sample_size=%d block_count=%d",
			ErrInvalidConfig, cfg.Channels, cfg.SampleSize, cfg.BlockCount)
	}
	if device == nil {
		return nil, fmt.Errorf("%w: no capture device", ErrInvalidConfig)
	}

	buffer, err := ring.New(cfg.Channels*cfg.SampleSize, cfg.BlockCount, cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("allocate buffer: %w", err)
	}

	runID := uuid.NewString()
	id := cfg.ID
	if id == "" {
		id = runID
	}

	return &Session{
		id:         id,
		runID:      runID,
		channels:   cfg.Channels,
		sampleRate: cfg.SampleRate,
		sampleSize: cfg.SampleSize,
		device:     device,
		sink:       sink,
		buffer:     buffer,
		capFrames:  cfg.BlockCount,
		done:       make(chan struct{}),
	}, nil
}

// Open creates a session and starts its producer. Either the producer is
// running when Open returns or nothing is left behind.
func Open(cfg Config, device domain.CaptureDevice, sink domain.DiagnosticsSink) (*Session, error) {
	s, err := New(cfg, device, sink)
	if err != nil {
		return nil, err
	}
	if err := s.Start(); err != nil {
		return nil, err
	}
	return s, nil
}

// Start runs device setup on the producer goroutine and waits for its outcome.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.mu.Unlock()

	setup := make(chan error, 1)
	go s.run(setup)

	if err := <-setup; err != nil {
		<-s.done
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}
	return nil
}

// Close asks the producer to stop and waits for it, then frees the buffer.
//
// The producer only observes the request after its next half-buffer signal,
// so Close may wait up to one signal period. If ctx expires first the
// producer keeps its resources and Close can be called again.
func (s *Session) Close(ctx context.Context) error {
	s.stopRequested.Store(true)

	// Start marks started under mu, so a session seen unstarted here can
	// never get a producer.
	s.mu.Lock()
	if !s.started.Load() {
		s.releaseLocked()
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-ctx.Done():
		return fmt.Errorf("wait for producer: %w", ctx.Err())
	}

	s.release()
	return nil
}

func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
}

func (s *Session) releaseLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.buffer.Release()
}

// Read copies up to samples frames into dst, keeping only the first channels
// channels of each frame. Fewer frames than requested is not an error.
func (s *Session) Read(dst []byte, samples, channels int) (int, error) {
	if channels < 1 || channels > s.channels {
		return 0, fmt.Errorf("%w: requested %d, session has %d", ErrInvalidChannelCount, channels, s.channels)
	}
	if samples <= 0 {
		return 0, nil
	}

	outFrame := channels * s.sampleSize
	if samples > len(dst)/outFrame {
		return 0, fmt.Errorf("%w: need %d frames of %d bytes, have %d bytes", ErrShortBuffer, samples, outFrame, len(dst))
	}

	// Pop never returns more than the ring holds.
	frameSize := s.FrameSize()
	staging := make([]byte, min(samples, s.capFrames)*frameSize)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	n := s.buffer.Pop(staging, frameSize, samples)
	s.mu.Unlock()

	if outFrame == frameSize {
		copy(dst, staging[:n*frameSize])
	} else {
		for i := 0; i < n; i++ {
			copy(dst[i*outFrame:(i+1)*outFrame], staging[i*frameSize:i*frameSize+outFrame])
		}
	}

	s.framesRead.Add(uint64(n))
	if n < samples {
		s.underflows.Add(1)
	}

	return n, nil
}

// EnableRecording takes effect on the next producer iteration.
func (s *Session) EnableRecording() {
	s.recording.Store(true)
}

// DisableRecording takes effect on the next producer iteration. Frames
// already buffered stay readable.
func (s *Session) DisableRecording() {
	s.recording.Store(false)
}

func (s *Session) Recording() bool {
	return s.recording.Load()
}

// BufferLength returns the number of buffered bytes.
func (s *Session) BufferLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.Len()
}

// BufferCapacity returns the ring capacity in bytes.
func (s *Session) BufferCapacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.Cap()
}

func (s *Session) ID() string {
	return s.id
}

// RunID identifies this session instance across restarts of the same ID.
func (s *Session) RunID() string {
	return s.runID
}

func (s *Session) Channels() int {
	return s.channels
}

func (s *Session) SampleRate() int {
	return s.sampleRate
}

func (s *Session) SampleSize() int {
	return s.sampleSize
}

// FrameSize is the size of one frame covering all channels.
func (s *Session) FrameSize() int {
	return s.channels * s.sampleSize
}

// HalfPeriod is the time the device takes to fill one half, or 0 before the
// session is running or when the sample rate is unknown.
func (s *Session) HalfPeriod() time.Duration {
	frames := s.halfFrames.Load()
	if frames == 0 || s.sampleRate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(s.sampleRate)
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed when the producer has stopped and released the device.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

type Stats struct {
	ID             string `json:"id" msgpack:"id"`
	RunID          string `json:"run_id" msgpack:"run_id"`
	State          string `json:"state" msgpack:"state"`
	Recording      bool   `json:"recording" msgpack:"recording"`
	Channels       int    `json:"channels" msgpack:"channels"`
	SampleRate     int    `json:"sample_rate" msgpack:"sample_rate"`
	BufferLength   int    `json:"buffer_length" msgpack:"buffer_length"`
	BufferCapacity int    `json:"buffer_capacity" msgpack:"buffer_capacity"`
	Halves         uint64 `json:"halves" msgpack:"halves"`
	FramesPushed   uint64 `json:"frames_pushed" msgpack:"frames_pushed"`
	Overflows      uint64 `json:"overflows" msgpack:"overflows"`
	DroppedBytes   uint64 `json:"dropped_bytes" msgpack:"dropped_bytes"`
	FramesRead     uint64 `json:"frames_read" msgpack:"frames_read"`
	Underflows     uint64 `json:"underflows" msgpack:"underflows"`
	Resyncs        uint64 `json:"resyncs" msgpack:"resyncs"`
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	length, capacity := s.buffer.Len(), s.buffer.Cap()
	s.mu.Unlock()

	return Stats{
		ID:             s.id,
		RunID:          s.runID,
		State:          s.State().String(),
		Recording:      s.Recording(),
		Channels:       s.channels,
		SampleRate:     s.sampleRate,
		BufferLength:   length,
		BufferCapacity: capacity,
		Halves:         s.halves.Load(),
		FramesPushed:   s.framesPushed.Load(),
		Overflows:      s.overflows.Load(),
		DroppedBytes:   s.droppedBytes.Load(),
		FramesRead:     s.framesRead.Load(),
		Underflows:     s.underflows.Load(),
		Resyncs:        s.resyncs.Load(),
	}
}

// ABOUTME: Software capture device that fills a two-half region with a counter pattern
// ABOUTME: Driven by a ticker or by manual Trigger calls; overruns are counted, not queued
package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harper/pcm-capture/internal/domain"
)

var (
	ErrStopped      = errors.New("capture device stopped")
	ErrNotSetUp     = errors.New("capture device not set up")
	ErrAlreadySetUp = errors.New("capture device already set up")
)

type SimConfig struct {
	Channels      int
	SampleSize    int
	FramesPerHalf int
	// Period between half-buffer signals. Zero means halves are only produced
	// by Trigger.
	Period time.Duration
}

// Simulator behaves like the PRU firmware: it writes one half while the host
// copies the other, and raises one interrupt per completed half.
type Simulator struct {
	cfg SimConfig

	mu    sync.Mutex
	buf   []byte
	next  domain.Half
	frame uint64
	busy  [2]bool
	held  int // half handed to the consumer, -1 when none
	irq   chan domain.Half
	stop  chan struct{}
	// stopping is set by the Teardown that closed stop.
	stopping bool

	wg     sync.WaitGroup
	missed atomic.Uint64
}

func NewSimulator(cfg SimConfig) *Simulator {
	return &Simulator{cfg: cfg, held: -1}
}

// SampleValue is the value the simulator writes for channel ch of a frame.
func SampleValue(frame uint64, ch int) uint32 {
	return uint32(frame)<<8 | uint32(ch&0xff)
}

func (s *Simulator) frameSize() int {
	return s.cfg.Channels * s.cfg.SampleSize
}

func (s *Simulator) Setup() (domain.Region, error) {
	if s.cfg.Channels <= 0 || s.cfg.SampleSize <= 0 || s.cfg.FramesPerHalf <= 0 {
		return domain.Region{}, fmt.Errorf("invalid simulator config: channels=%d sample_size=%d frames_per_half=%d",
			s.cfg.Channels, s.cfg.SampleSize, s.cfg.FramesPerHalf)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buf != nil {
		return domain.Region{}, ErrAlreadySetUp
	}

	s.buf = make([]byte, 2*s.cfg.FramesPerHalf*s.frameSize())
	s.next = domain.First
	s.busy = [2]bool{}
	s.held = -1
	s.irq = make(chan domain.Half, 2)
	s.stop = make(chan struct{})

	if s.cfg.Period > 0 {
		s.wg.Add(1)
		go s.runTicker(s.cfg.Period, s.stop)
	}

	return domain.NewRegion(s.buf, s.frameSize()), nil
}

func (s *Simulator) runTicker(period time.Duration, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Trigger()
		}
	}
}

// Trigger completes the next half and raises its interrupt. It reports false
// when the consumer still holds that half; the frames are lost as they would
// be on real hardware.
func (s *Simulator) Trigger() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buf == nil {
		return false
	}

	h := s.next
	s.next = h.Other()
	start := s.frame
	s.frame += uint64(s.cfg.FramesPerHalf)

	if s.busy[h] {
		s.missed.Add(1)
		return false
	}

	s.fill(h, start)
	s.busy[h] = true
	s.irq <- h

	return true
}

func (s *Simulator) fill(h domain.Half, start uint64) {
	fs := s.frameSize()
	half := len(s.buf) / 2
	p := s.buf[int(h)*half : (int(h)+1)*half]

	var word [4]byte
	for f := 0; f < s.cfg.FramesPerHalf; f++ {
		for c := 0; c < s.cfg.Channels; c++ {
			binary.LittleEndian.PutUint32(word[:], SampleValue(start+uint64(f), c))
			sample := p[f*fs+c*s.cfg.SampleSize : f*fs+(c+1)*s.cfg.SampleSize]
			clear(sample)
			copy(sample, word[:])
		}
	}
}

// WaitForNextHalf blocks until the next interrupt. Calling it again releases
// the half returned by the previous call.
func (s *Simulator) WaitForNextHalf() (domain.Half, error) {
	s.mu.Lock()
	if s.buf == nil {
		s.mu.Unlock()
		return 0, ErrNotSetUp
	}
	if s.held >= 0 {
		s.busy[s.held] = false
		s.held = -1
	}
	irq, stop := s.irq, s.stop
	s.mu.Unlock()

	select {
	case h := <-irq:
		s.mu.Lock()
		s.held = int(h)
		s.mu.Unlock()
		return h, nil
	case <-stop:
		return 0, ErrStopped
	}
}

func (s *Simulator) Teardown() error {
	s.mu.Lock()
	if s.buf == nil || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.buf = nil
	s.stopping = false
	s.mu.Unlock()

	return nil
}

// Missed returns how many halves were overwritten before being released.
func (s *Simulator) Missed() uint64 {
	return s.missed.Load()
}

// ABOUTME: Producer goroutine copying device half-buffers into the session ring
// ABOUTME: Setup, run loop with cooperative stop, overflow diagnostics, and teardown
package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/harper/pcm-capture/internal/domain"
	"github.com/harper/pcm-capture/internal/infrastructure/ring"
)

const overflowLogInterval = time.Second

// run is the producer goroutine: Starting -> Running -> Stopped.
func (s *Session) run(setup chan<- error) {
	defer close(s.done)

	region, err := s.device.Setup()
	if err == nil && region.HalfLen() < s.FrameSize() {
		err = fmt.Errorf("region of %d bytes has no whole frame per half", region.Len())
		if terr := s.device.Teardown(); terr != nil {
			slog.Error("capture device teardown failed", "session", s.id, "error", terr)
		}
	}
	if err != nil {
		s.state.Store(int32(Stopped))
		s.release()
		setup <- err
		return
	}

	s.region = region
	s.halfFrames.Store(int64(region.HalfLen() / s.FrameSize()))
	s.state.Store(int32(Running))
	setup <- nil

	slog.Info("capture session running",
		"session", s.id,
		"run_id", s.runID,
		"channels", s.channels,
		"sample_rate", s.sampleRate,
		"half_bytes", region.HalfLen(),
		"buffer_bytes", s.BufferCapacity(),
	)

	s.loop()

	if err := s.device.Teardown(); err != nil {
		slog.Error("capture device teardown failed", "session", s.id, "error", err)
	}
	s.state.Store(int32(Stopped))

	slog.Info("capture session stopped", "session", s.id, "halves", s.halves.Load())
}

func (s *Session) loop() {
	half := domain.First

	for {
		got, err := s.device.WaitForNextHalf()
		if err != nil {
			if !s.stopRequested.Load() {
				slog.Error("capture device wait failed", "session", s.id, "error", err)
			}
			return
		}

		if got != half {
			s.resyncs.Add(1)
			slog.Debug("half index resync", "session", s.id, "expected", half, "got", got)
			half = got
		}

		s.halves.Add(1)
		if s.recording.Load() {
			s.push(half)
		}
		half = half.Other()

		if s.stopRequested.Load() {
			return
		}
	}
}

func (s *Session) push(half domain.Half) {
	frameSize := s.FrameSize()
	src := s.region.Half(half)
	blocks := len(src) / frameSize
	requested := blocks * frameSize

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	space := s.buffer.Space()
	written, overflowed := s.buffer.Push(src, frameSize, blocks)
	policy := s.buffer.Policy()
	s.mu.Unlock()

	s.framesPushed.Add(uint64(written))
	if !overflowed {
		return
	}

	dropped := requested - space
	if policy == ring.RejectOnFull {
		dropped = requested - written*frameSize
	}
	s.reportOverflow(half, requested, dropped)
}

func (s *Session) reportOverflow(half domain.Half, requested, dropped int) {
	count := s.overflows.Add(1)
	total := s.droppedBytes.Add(uint64(dropped))

	if now := time.Now(); now.Sub(s.lastOverflowLog) >= overflowLogInterval {
		s.lastOverflowLog = now
		slog.Warn("capture buffer overflow, data dropped",
			"session", s.id,
			"overflows", count,
			"dropped_bytes", total,
		)
	}

	if s.sink != nil {
		s.sink.Overflow(domain.OverflowEvent{
			SessionID:      s.id,
			RunID:          s.runID,
			At:             time.Now(),
			Half:           half,
			RequestedBytes: requested,
			DroppedBytes:   dropped,
			Total:          total,
		})
	}
}

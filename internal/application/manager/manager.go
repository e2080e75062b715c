// ABOUTME: Session manager for lifecycle and lookup
// ABOUTME: Builds capture devices and sessions from config and opens or closes them as a unit
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/harper/pcm-capture/internal/application/config"
	"github.com/harper/pcm-capture/internal/domain"
	"github.com/harper/pcm-capture/internal/domain/session"
	"github.com/harper/pcm-capture/internal/infrastructure/device"
	"github.com/harper/pcm-capture/internal/infrastructure/ring"
)

// rollbackTimeout bounds closing already started sessions when a later one
// fails to start.
const rollbackTimeout = 5 * time.Second

type Manager struct {
	sessions      map[string]*session.Session
	recordOnStart map[string]bool
	mu            sync.RWMutex
}

// NewFromConfig allocates every session without touching hardware. cfg must
// already be validated.
func NewFromConfig(cfg *config.Config, sink domain.DiagnosticsSink) (*Manager, error) {
	mgr := &Manager{
		sessions:      make(map[string]*session.Session),
		recordOnStart: make(map[string]bool),
	}

	for _, sc := range cfg.Sessions {
		policy, err := ring.ParsePolicy(sc.Buffering.OverflowPolicy)
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", sc.ID, err)
		}

		dev, err := newDevice(sc)
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", sc.ID, err)
		}

		s, err := session.New(session.Config{
			ID:         sc.ID,
			Channels:   sc.Audio.Channels,
			SampleRate: sc.Audio.SampleRate,
			SampleSize: sc.Audio.SampleSize,
			BlockCount: sc.Buffering.BlockCount,
			Policy:     policy,
		}, dev, sink)
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", sc.ID, err)
		}

		mgr.sessions[sc.ID] = s
		mgr.recordOnStart[sc.ID] = sc.RecordOnStart
	}

	return mgr, nil
}

func newDevice(sc config.SessionConfig) (domain.CaptureDevice, error) {
	frameSize := sc.Audio.Channels * sc.Audio.SampleSize

	switch sc.Device.Kind {
	case "", "sim":
		return device.NewSimulator(device.SimConfig{
			Channels:      sc.Audio.Channels,
			SampleSize:    sc.Audio.SampleSize,
			FramesPerHalf: sc.Device.Sim.FramesPerHalf,
			Period:        time.Duration(sc.Device.Sim.PeriodMs) * time.Millisecond,
		}), nil
	case "uio":
		return device.NewUIO(device.UIOConfig{
			Path:       sc.Device.UIO.Path,
			MapIndex:   sc.Device.UIO.MapIndex,
			Size:       sc.Device.UIO.Size,
			Remoteproc: sc.Device.UIO.Remoteproc,
			Firmware:   sc.Device.UIO.Firmware,
			FrameSize:  frameSize,
		}), nil
	default:
		return nil, fmt.Errorf("unknown device kind %q", sc.Device.Kind)
	}
}

func (m *Manager) Get(id string) *session.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// List returns sessions ordered by ID.
func (m *Manager) List() []*session.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result
}

// Start opens every session. If one fails, the ones already running are
// closed again and the setup error is returned.
func (m *Manager) Start() error {
	var started []*session.Session

	for _, s := range m.List() {
		if err := s.Start(); err != nil {
			ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
			defer cancel()

			errs := []error{fmt.Errorf("start session %s: %w", s.ID(), err)}
			for _, prev := range started {
				if cerr := prev.Close(ctx); cerr != nil {
					errs = append(errs, fmt.Errorf("close session %s: %w", prev.ID(), cerr))
				}
			}
			return errors.Join(errs...)
		}

		started = append(started, s)

		if m.recordOnStart[s.ID()] {
			s.EnableRecording()
		}
	}

	return nil
}

// Shutdown closes every session and reports all failures.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	for _, s := range m.List() {
		s.DisableRecording()
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close session %s: %w", s.ID(), err))
			continue
		}
		slog.Debug("session closed", "session", s.ID())
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot per session ID.
func (m *Manager) Stats() map[string]any {
	result := make(map[string]any)
	for _, s := range m.List() {
		result[s.ID()] = s.Stats()
	}
	return result
}

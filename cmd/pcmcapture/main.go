// ABOUTME: Main entry point for the PCM capture daemon and one-shot capture harness
// ABOUTME: Loads config, starts sessions, runs HTTP and telemetry, or dumps N frames to a file
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harper/pcm-capture/internal/application/config"
	"github.com/harper/pcm-capture/internal/application/logging"
	"github.com/harper/pcm-capture/internal/application/manager"
	"github.com/harper/pcm-capture/internal/domain"
	"github.com/harper/pcm-capture/internal/domain/session"
	"github.com/harper/pcm-capture/internal/infrastructure/http"
	"github.com/harper/pcm-capture/internal/infrastructure/pcmfile"
	"github.com/harper/pcm-capture/internal/infrastructure/telemetry"
)

// harnessPoll is the delay between reads in harness mode.
const harnessPoll = 62500 * time.Nanosecond

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config")
	out := flag.String("out", "", "capture to this raw PCM file and exit")
	samples := flag.Int("samples", 256000, "frames to capture with -out")
	channels := flag.Int("channels", 0, "channels to keep with -out (default all)")
	sessionID := flag.String("session", "", "session to capture with -out (default first)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.SetDefault(logging.New(cfg.Logging, os.Stderr))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sink domain.DiagnosticsSink
	var publisher *telemetry.Publisher
	if m := cfg.Telemetry.MQTT; m.Broker != "" && *out == "" {
		tcfg := telemetry.Config{
			Broker:        m.Broker,
			ClientID:      m.ClientID,
			Topic:         m.Topic,
			QoS:           m.QoS,
			Encoding:      m.Encoding,
			StatsInterval: time.Duration(m.StatsIntervalMs) * time.Millisecond,
			Backlog:       m.Backlog,
		}
		client, err := telemetry.Connect(tcfg)
		if err != nil {
			return fmt.Errorf("connect telemetry: %w", err)
		}
		defer client.Disconnect(250)

		publisher = telemetry.New(client, tcfg)
		sink = publisher
	}

	mgr, err := manager.NewFromConfig(cfg, sink)
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}

	if err := mgr.Start(); err != nil {
		return fmt.Errorf("start sessions: %w", err)
	}

	if *out != "" {
		err := capture(ctx, mgr, *sessionID, *out, *samples, *channels)
		return errors.Join(err, shutdown(mgr))
	}

	telemetryDone := make(chan struct{})
	if publisher != nil {
		go func() {
			defer close(telemetryDone)
			publisher.Run(ctx, mgr.Stats)
		}()
	} else {
		close(telemetryDone)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Listen.Host, cfg.Listen.Port)
	srv := &nethttp.Server{
		Addr:         addr,
		Handler:      http.NewRouter(mgr),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // Streaming
		IdleTimeout:  0, // Streaming
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", "http://"+addr, "sessions", len(mgr.List()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return errors.Join(err, shutdown(mgr))
		}
	}

	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http: %w", err))
	}
	errs = append(errs, shutdown(mgr))
	<-telemetryDone

	if err := errors.Join(errs...); err != nil {
		return err
	}

	slog.Info("shutdown complete")
	return nil
}

func shutdown(mgr *manager.Manager) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := mgr.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown sessions: %w", err)
	}
	return nil
}

// capture records samples frames from one session into path.
func capture(ctx context.Context, mgr *manager.Manager, id, path string, samples, channels int) error {
	s, err := pickSession(mgr, id)
	if err != nil {
		return err
	}
	if channels == 0 {
		channels = s.Channels()
	}

	outFrame := channels * s.SampleSize()
	chunk := max(1, s.SampleRate()/10)
	buf := make([]byte, chunk*outFrame)

	w, err := pcmfile.Create(path, outFrame, 4*len(buf))
	if err != nil {
		return err
	}

	slog.Info("capture started", "session", s.ID(), "out", path, "samples", samples, "channels", channels)

	s.EnableRecording()
	defer s.DisableRecording()

	got := 0
	for got < samples {
		n, err := s.Read(buf, min(chunk, samples-got), channels)
		if err != nil {
			return errors.Join(fmt.Errorf("read session %s: %w", s.ID(), err), w.Close())
		}

		if n > 0 {
			if err := stage(w, buf[:n*outFrame]); err != nil {
				return errors.Join(err, w.Close())
			}
		}
		got += n

		select {
		case <-ctx.Done():
			slog.Warn("capture interrupted", "frames", got)
			return w.Close()
		case <-s.Done():
			return errors.Join(fmt.Errorf("session %s stopped after %d frames", s.ID(), got), w.Close())
		case <-time.After(harnessPoll):
		}
	}

	if err := w.Close(); err != nil {
		return err
	}

	slog.Info("capture complete", "frames", w.Frames(), "out", path)
	return nil
}

// stage waits for the writer ring to accept frames.
func stage(w *pcmfile.Writer, frames []byte) error {
	for {
		_, err := w.Write(frames)
		if !errors.Is(err, pcmfile.ErrBacklogFull) {
			return err
		}
		time.Sleep(harnessPoll)
	}
}

func pickSession(mgr *manager.Manager, id string) (*session.Session, error) {
	if id != "" {
		if s := mgr.Get(id); s != nil {
			return s, nil
		}
		return nil, fmt.Errorf("unknown session %q", id)
	}

	list := mgr.List()
	if len(list) == 0 {
		return nil, errors.New("no sessions configured")
	}
	return list[0], nil
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/dinoox/onesec-core/audio"
	"github.com/dinoox/onesec-core/config"
	"github.com/dinoox/onesec-core/hotkey"
	"github.com/dinoox/onesec-core/internal/metrics"
	"github.com/dinoox/onesec-core/internal/types"
	"github.com/dinoox/onesec-core/ipc"
	"github.com/dinoox/onesec-core/ogg"
	"github.com/dinoox/onesec-core/session"
	"github.com/dinoox/onesec-core/transport"
)

// logInjector is the default text sink: it only logs. The host process
// performs the actual paste simulation and is told results over IPC.
type logInjector struct {
	host *ipc.Channel
}

func (li *logInjector) Inject(text string, mode types.Mode) error {
	slog.Info("recognized text ready", "chars", len(text), "mode", mode)
	return li.host.Send(transport.NewMessage(transport.TypeServerResult, map[string]any{
		"summary": text,
		"mode":    string(mode),
	}))
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg := config.Load()
	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source, err := audio.NewPortAudioSource(cfg.SampleRate)
	if err != nil {
		slog.Error("init audio source", "error", err)
		os.Exit(1)
	}
	defer source.Terminate()

	encoder, err := audio.NewEncoder(cfg.SampleRate)
	if err != nil {
		slog.Error("init opus encoder", "error", err)
		os.Exit(1)
	}

	pipeline := audio.NewPipeline(source, cfg.SampleRate, cfg.Gain)
	pipeline.SetVolumeCallback(func(float64) { m.IncFramesCaptured() })
	pipeline.SetDropCallback(m.IncFramesDropped)

	packetizer := ogg.NewPacketizer(
		cfg.SampleRate,
		audio.CanonicalChannels,
		encoder.FrameSamples(),
		cfg.PacketsPerPage,
	)
	packetizer.OnTruncate(m.IncPacketsTruncated)

	stream := transport.NewStream(cfg.ServerURL)
	stream.OnReconnectAttempt(m.IncReconnectAttempts)
	stream.OnStateChange(func(s transport.ConnState) {
		m.SetStreamConnected(s == transport.StateConnected)
	})

	host := ipc.NewChannel(cfg.SocketPath)
	host.OnReconnectAttempt(m.IncReconnectAttempts)
	host.OnStateChange(func(s transport.ConnState) {
		m.SetIPCConnected(s == transport.StateConnected)
	})

	stream.OnAuthFailure(func() {
		if err := host.Send(transport.NewMessage(transport.TypeAuthTokenFailed, nil)); err != nil {
			slog.Error("notify auth failure", "error", err)
		}
	})

	matcher := hotkey.NewMatcher()
	coord := session.NewCoordinator(
		matcher,
		pipeline,
		encoder,
		packetizer,
		stream,
		host,
		&logInjector{host: host},
	)
	coord.OnSessionStart(m.IncSessionsStarted)
	coord.OnPagesSent(func(n, bytes int) {
		m.AddPagesEmitted(n)
		m.AddBytesSent(bytes)
	})
	coord.OnPacketsEncoded(m.AddPacketsEncoded)
	coord.OnAudioAck(m.IncAcksReceived)

	keySource := hotkey.NewGohookSource()
	if err := keySource.Start(coord.HandleKeyEvent); err != nil {
		slog.Error("install key hook", "error", err)
		os.Exit(1)
	}
	defer keySource.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Auth token and hotkey configuration arrive on this channel; the
		// recognizer stream is brought up once init_config lands.
		if err := host.Connect(gctx); err != nil {
			slog.Warn("initial ipc connect", "error", err)
		}
		<-gctx.Done()
		host.Disconnect()
		stream.Disconnect()
		return gctx.Err()
	})

	g.Go(func() error {
		return coord.Run(gctx)
	})

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler()}
		g.Go(func() error {
			<-gctx.Done()
			return srv.Close()
		})
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	slog.Info("capture daemon running",
		"server", cfg.ServerURL, "socket", cfg.SocketPath, "rate", cfg.SampleRate)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("daemon stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("daemon stopped")
}

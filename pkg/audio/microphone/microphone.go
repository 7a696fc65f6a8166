// Package microphone captures the default input device through PortAudio.
package microphone

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/harunnryd/snapvoice/pkg/audio"
	"github.com/harunnryd/snapvoice/pkg/errorsx"
	"github.com/harunnryd/snapvoice/pkg/frames"
	"github.com/harunnryd/snapvoice/pkg/logging"
)

type Config struct {
	// DeviceRate is the rate the device is opened at. Audio is resampled to
	// 16 kHz when it differs.
	DeviceRate    int           `mapstructure:"device_rate"`
	FrameDuration time.Duration `mapstructure:"frame_duration"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
}

func (c Config) withDefaults() Config {
	if c.DeviceRate <= 0 {
		c.DeviceRate = frames.SampleRate
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = audio.DefaultFrameDuration
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Millisecond
	}
	return c
}

// inputStream is the part of *portaudio.Stream the capture loop drives.
type inputStream interface {
	AvailableToRead() (int, error)
	Read() error
	Stop() error
	Close() error
}

// Microphone is an audio.Sampler backed by the default PortAudio input.
// PortAudio is initialized on Start and terminated on Stop so the device is
// fully released between sessions.
type Microphone struct {
	cfg    Config
	logger *slog.Logger

	terminate func() error

	mu        sync.Mutex
	stream    inputStream
	buffer    []float32
	resampler *audio.Resampler
	running   bool
	done      chan struct{}
}

func New(cfg Config, logger *slog.Logger) *Microphone {
	return &Microphone{
		cfg:       cfg.withDefaults(),
		logger:    logging.NewComponentLogger(logger, "microphone"),
		terminate: portaudio.Terminate,
	}
}

func (m *Microphone) Name() string { return "microphone" }

func (m *Microphone) Start(ctx context.Context, onFrame audio.FrameFunc) error {
	if onFrame == nil {
		return errorsx.New(errorsx.ReasonConfigInvalid, "microphone: frame callback required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errorsx.New(errorsx.ReasonBusy, "microphone: already capturing")
	}

	resampler, err := audio.NewResampler(m.cfg.DeviceRate)
	if err != nil {
		return err
	}
	if err := portaudio.Initialize(); err != nil {
		return classifyOpenError("", err)
	}
	device, err := portaudio.DefaultInputDevice()
	if err != nil {
		portaudio.Terminate()
		return classifyOpenError("", err)
	}

	framesPerBuffer := m.cfg.DeviceRate * int(m.cfg.FrameDuration/time.Millisecond) / 1000
	if framesPerBuffer < 1 {
		framesPerBuffer = 1
	}
	m.buffer = make([]float32, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(frames.Channels, 0, float64(m.cfg.DeviceRate), framesPerBuffer, m.buffer)
	if err != nil {
		portaudio.Terminate()
		return classifyOpenError(device.Name, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return classifyOpenError(device.Name, err)
	}

	m.logger.Info("microphone_started",
		slog.String("device", device.Name),
		slog.Int("rate", m.cfg.DeviceRate),
		slog.Int("frames_per_buffer", framesPerBuffer))
	m.attach(ctx, stream, resampler, onFrame)
	return nil
}

// attach starts capturing from an open stream. m.mu must be held.
func (m *Microphone) attach(ctx context.Context, stream inputStream, resampler *audio.Resampler, onFrame audio.FrameFunc) {
	m.stream = stream
	m.resampler = resampler
	m.running = true
	m.done = make(chan struct{})

	go m.captureLoop(onFrame, m.done)
	if ctx != nil {
		go func(done chan struct{}) {
			select {
			case <-ctx.Done():
				_ = m.Stop()
			case <-done:
			}
		}(m.done)
	}
}

func (m *Microphone) captureLoop(onFrame audio.FrameFunc, done chan struct{}) {
	defer close(done)
	var seq int64
	for {
		m.mu.Lock()
		if !m.running || m.stream == nil {
			m.mu.Unlock()
			return
		}
		stream := m.stream
		m.mu.Unlock()

		available, err := stream.AvailableToRead()
		if err != nil || available < len(m.buffer) {
			time.Sleep(m.cfg.PollInterval)
			continue
		}
		if err := stream.Read(); err != nil {
			m.logger.Debug("microphone_read_failed", slog.String("error", err.Error()))
			time.Sleep(m.cfg.PollInterval)
			continue
		}

		m.mu.Lock()
		if !m.running {
			m.mu.Unlock()
			return
		}
		block := append([]float32(nil), m.buffer...)
		resampler := m.resampler
		m.mu.Unlock()

		seq++
		pcm := resampler.Resample(audio.ToPCM16(block))
		onFrame(frames.NewAudioFrame(seq, pcm, audio.RMS(block)))
	}
}

// Stop halts capture, closes the stream and terminates PortAudio. It is
// idempotent and must not be called from the frame callback.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	stream := m.stream
	m.stream = nil
	done := m.done
	m.mu.Unlock()

	// The stream is torn down only after the capture loop has let go of it.
	// Reads are issued only for buffered data, so the loop exits promptly.
	if done != nil {
		<-done
	}
	var firstErr error
	if stream != nil {
		if err := stream.Stop(); err != nil {
			firstErr = err
		}
		if err := stream.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := m.terminate(); err != nil && firstErr == nil {
		firstErr = err
	}
	m.logger.Info("microphone_stopped")
	if firstErr != nil {
		return errorsx.Wrap(firstErr, errorsx.ReasonAudioDevice)
	}
	return nil
}

// classifyOpenError separates permission denials from other device failures.
// PortAudio has no dedicated code for denial, so host API messages are
// matched.
func classifyOpenError(device string, err error) error {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"permission", "not permitted", "access denied", "unauthorized"} {
		if strings.Contains(msg, marker) {
			return audio.NewPermissionError(device, err)
		}
	}
	return errorsx.Wrapf(err, errorsx.ReasonAudioDevice, "microphone: open %q", device)
}

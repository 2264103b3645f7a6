// Package capture reads microphone audio through the system's default
// capture device and delivers mono float32 chunks at a fixed sample
// rate. It is the producer side of a session: the delivery callback
// should only append to the audio ring and forward to the recognizer,
// never block on analysis.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/quillaudio/quill/pkg/audio/pcm"
	"github.com/quillaudio/quill/pkg/audio/resampler"
)

// Chunk is one block of captured audio.
type Chunk struct {
	// Samples are mono float32 values in [-1, 1].
	Samples []float32

	// StartMs is the chunk's position on the capture clock, in
	// milliseconds from Start.
	StartMs int64
}

// Handler receives captured chunks in arrival order, on a single
// goroutine.
type Handler func(Chunk)

// Config configures a capture Device.
type Config struct {
	// SampleRate of delivered chunks. Default 16000. When the device
	// cannot capture at this rate natively, audio is resampled.
	SampleRate int

	// PeriodMs is the device callback period. Default 20.
	PeriodMs int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Device is an open microphone delivering chunks to a Handler.
type Device struct {
	cfg     Config
	logger  *slog.Logger
	actx    *malgo.AllocatedContext
	dev     *malgo.Device
	handler Handler

	mu        sync.Mutex
	delivered int64 // frames handed to the handler

	pipeW *io.PipeWriter
	conv  *resampler.Stream

	stopOnce sync.Once
	done     chan struct{}
}

// Open initializes the default capture device. Call Start to begin
// delivery and Close to release the device.
func Open(cfg Config, handler Handler) (*Device, error) {
	if handler == nil {
		return nil, errors.New("capture: handler is required")
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.PeriodMs == 0 {
		cfg.PeriodMs = 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	actx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("capture: init context: %w", err)
	}

	d := &Device{
		cfg:     cfg,
		logger:  logger,
		actx:    actx,
		handler: handler,
		done:    make(chan struct{}),
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.PeriodSizeInMilliseconds = uint32(cfg.PeriodMs)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(actx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: d.onData,
	})
	if err != nil {
		actx.Uninit()
		actx.Free()
		return nil, fmt.Errorf("capture: init device: %w", err)
	}
	d.dev = dev

	// The device may have negotiated a different rate than requested;
	// insert a resampling stage when it did.
	actualRate := int(dev.SampleRate())
	if actualRate != 0 && actualRate != cfg.SampleRate {
		logger.Info("capture device rate differs, resampling",
			"device_rate", actualRate, "want_rate", cfg.SampleRate)
		if err := d.startResampler(actualRate); err != nil {
			d.Close()
			return nil, err
		}
	}

	return d, nil
}

// startResampler routes device bytes through a rate converter on a
// background goroutine before delivery.
func (d *Device) startResampler(deviceRate int) error {
	pr, pw := io.Pipe()
	conv, err := resampler.New(pr, deviceRate, d.cfg.SampleRate)
	if err != nil {
		return fmt.Errorf("capture: resampler: %w", err)
	}
	d.pipeW = pw
	d.conv = conv

	go func() {
		buf := make([]float32, 4096)
		for {
			n, err := conv.ReadSamples(buf)
			if n > 0 {
				// The handler may retain the chunk, so hand it a copy.
				out := make([]float32, n)
				copy(out, buf[:n])
				d.deliver(out)
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
					d.logger.Warn("capture resampler stopped", "error", err)
				}
				return
			}
		}
	}()
	return nil
}

// onData is the real-time device callback. It must not block: it either
// hands bytes to the resampler pipe or converts and delivers directly.
func (d *Device) onData(_, input []byte, _ uint32) {
	if d.pipeW != nil {
		// Pipe writes block only as long as the resampler goroutine
		// takes to drain, which is bounded and non-blocking in practice.
		cp := make([]byte, len(input))
		copy(cp, input)
		d.pipeW.Write(cp)
		return
	}
	d.deliver(pcm.Int16ToFloat32(input))
}

func (d *Device) deliver(samples []float32) {
	if len(samples) == 0 {
		return
	}
	d.mu.Lock()
	start := pcm.FrameToMs(d.delivered, d.cfg.SampleRate)
	d.delivered += int64(len(samples))
	d.mu.Unlock()
	d.handler(Chunk{Samples: samples, StartMs: start})
}

// Start begins capture. Delivery continues until ctx is cancelled or
// Close is called.
func (d *Device) Start(ctx context.Context) error {
	if err := d.dev.Start(); err != nil {
		return fmt.Errorf("capture: start device: %w", err)
	}
	go func() {
		select {
		case <-ctx.Done():
			d.Close()
		case <-d.done:
		}
	}()
	return nil
}

// Close stops the device and releases resources. Safe to call more than
// once.
func (d *Device) Close() error {
	d.stopOnce.Do(func() {
		close(d.done)
		if d.dev != nil {
			d.dev.Uninit()
		}
		if d.pipeW != nil {
			d.pipeW.Close()
		}
		if d.conv != nil {
			d.conv.Close()
		}
		if d.actx != nil {
			d.actx.Uninit()
			d.actx.Free()
		}
	})
	return nil
}

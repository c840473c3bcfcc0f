package router

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// Forwarder moves audio frames from the virtual source device to the
// chosen destination. No mixing, no resampling; frames go out exactly as
// they came in, the driver handles the rest.
type Forwarder interface {
	Start(source Device, destination Device, cfg BufferConfig) error
	Stop()
}

// number of periods kept in flight between capture and playback. Small on
// purpose: latency beats completeness for a live monitor path, and the
// overflow policy drops the oldest period.
const forwarderQueueDepth = 8

var forwarderFormat = malgo.FormatS16

// malgoForwarder runs a capture stream on the source and a playback
// stream on the destination, bridged by a bounded frame queue.
type malgoForwarder struct {
	logger *zap.SugaredLogger

	mu       sync.Mutex
	ctx      *malgo.AllocatedContext
	capture  *malgo.Device
	playback *malgo.Device
	frames   chan []byte
	leftover []byte
	running  bool
}

// NewMalgoForwarder creates the production audio forwarder.
func NewMalgoForwarder(logger *zap.SugaredLogger) Forwarder {
	logger = logger.Named("forwarder")
	logger.Debug("Created forwarder instance")

	return &malgoForwarder{logger: logger}
}

func (f *malgoForwarder) Start(source Device, destination Device, cfg BufferConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		return fmt.Errorf("forwarder already running")
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}

	frames := make(chan []byte, forwarderQueueDepth)
	f.frames = frames
	f.leftover = nil

	captureConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	captureConfig.Capture.Format = forwarderFormat
	captureConfig.Capture.Channels = uint32(cfg.Channels)
	captureConfig.SampleRate = uint32(cfg.SampleRate)
	captureConfig.PeriodSizeInFrames = uint32(cfg.BufferSize)
	captureConfig.Alsa.NoMMap = 1
	sourceID := malgoIDFromDevice(source.ID)
	captureConfig.Capture.DeviceID = sourceID.Pointer()

	captureCallbacks := malgo.DeviceCallbacks{
		Data: func(pOutput, pInput []byte, framecount uint32) {
			// the backend reuses pInput, hand the queue its own copy
			period := make([]byte, len(pInput))
			copy(period, pInput)

			select {
			case frames <- period:
			default:
				// queue full: drop the oldest period, keep the newest
				select {
				case <-frames:
				default:
				}
				select {
				case frames <- period:
				default:
				}
			}
		},
	}

	captureDev, err := malgo.InitDevice(ctx.Context, captureConfig, captureCallbacks)
	if err != nil {
		f.teardown(ctx, nil, nil)
		return fmt.Errorf("init capture stream on %q: %w", source.Name, err)
	}

	playbackConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	playbackConfig.Playback.Format = forwarderFormat
	playbackConfig.Playback.Channels = uint32(cfg.Channels)
	playbackConfig.SampleRate = uint32(cfg.SampleRate)
	playbackConfig.PeriodSizeInFrames = uint32(cfg.BufferSize)
	playbackConfig.Alsa.NoMMap = 1
	destID := malgoIDFromDevice(destination.ID)
	playbackConfig.Playback.DeviceID = destID.Pointer()

	playbackCallbacks := malgo.DeviceCallbacks{
		Data: func(pOutput, pInput []byte, framecount uint32) {
			f.fillOutput(pOutput)
		},
	}

	playbackDev, err := malgo.InitDevice(ctx.Context, playbackConfig, playbackCallbacks)
	if err != nil {
		f.teardown(ctx, captureDev, nil)
		return fmt.Errorf("init playback stream on %q: %w", destination.Name, err)
	}

	if err := captureDev.Start(); err != nil {
		f.teardown(ctx, captureDev, playbackDev)
		return fmt.Errorf("start capture stream on %q: %w", source.Name, err)
	}
	if err := playbackDev.Start(); err != nil {
		f.teardown(ctx, captureDev, playbackDev)
		return fmt.Errorf("start playback stream on %q: %w", destination.Name, err)
	}

	f.ctx = ctx
	f.capture = captureDev
	f.playback = playbackDev
	f.running = true

	f.logger.Infow("Forwarding started",
		"source", source.Name,
		"destination", destination.Name,
		"bufferSize", cfg.BufferSize,
		"sampleRate", cfg.SampleRate,
		"channels", cfg.Channels)

	return nil
}

func (f *malgoForwarder) Stop() {
	// take ownership under the lock, tear down outside it: device uninit
	// joins the audio thread, whose playback callback takes the same lock
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	ctx, capture, playback := f.ctx, f.capture, f.playback
	f.ctx = nil
	f.capture = nil
	f.playback = nil
	f.frames = nil
	f.leftover = nil
	f.running = false
	f.mu.Unlock()

	f.teardown(ctx, capture, playback)

	f.logger.Info("Forwarding stopped")
}

// fillOutput copies queued captured bytes into the playback buffer,
// padding with silence when the queue runs dry.
func (f *malgoForwarder) fillOutput(out []byte) {
	f.mu.Lock()
	frames := f.frames
	leftover := f.leftover
	f.mu.Unlock()

	if frames == nil {
		return
	}

	written := 0
	for written < len(out) {
		if len(leftover) == 0 {
			select {
			case leftover = <-frames:
			default:
				// no data yet, the remainder stays silent
				for i := written; i < len(out); i++ {
					out[i] = 0
				}
				written = len(out)
				continue
			}
		}

		n := copy(out[written:], leftover)
		written += n
		leftover = leftover[n:]
	}

	f.mu.Lock()
	f.leftover = leftover
	f.mu.Unlock()
}

func (f *malgoForwarder) teardown(ctx *malgo.AllocatedContext, capture *malgo.Device, playback *malgo.Device) {
	if capture != nil {
		capture.Uninit()
	}
	if playback != nil {
		playback.Uninit()
	}
	if ctx != nil {
		_ = ctx.Uninit()
		ctx.Free()
	}
}

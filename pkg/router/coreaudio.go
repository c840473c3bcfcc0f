package router

import (
	"bytes"
	"fmt"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// malgoEnumerator implements Enumerator on top of the miniaudio bindings.
// A fresh context is initialized per call so that a restarted audio daemon
// can't leave us holding a stale handle; enumeration is infrequent enough
// that the setup cost doesn't matter.
type malgoEnumerator struct {
	logger *zap.SugaredLogger
}

// NewMalgoEnumerator creates the production device enumeration backend.
func NewMalgoEnumerator(logger *zap.SugaredLogger) (Enumerator, error) {
	logger = logger.Named("enum")

	// init once at construction so a broken audio backend fails fast
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	_ = ctx.Uninit()
	ctx.Free()

	logger.Debug("Created device enumerator instance")

	return &malgoEnumerator{logger: logger}, nil
}

func (e *malgoEnumerator) Enumerate() ([]Device, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()

	playback, err := e.listDevices(ctx, malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("enumerate playback devices: %w", err)
	}

	capture, err := e.listDevices(ctx, malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("enumerate capture devices: %w", err)
	}

	// merge: a device present in both lists is bidirectional
	byID := make(map[DeviceID]Device, len(playback)+len(capture))
	for _, dev := range playback {
		byID[dev.ID] = dev
	}
	for _, dev := range capture {
		if existing, ok := byID[dev.ID]; ok {
			existing.Direction = DirectionBoth
			byID[dev.ID] = existing
			continue
		}
		byID[dev.ID] = dev
	}

	devices := make([]Device, 0, len(byID))
	for _, dev := range byID {
		devices = append(devices, dev)
	}

	return devices, nil
}

func (e *malgoEnumerator) listDevices(ctx *malgo.AllocatedContext, typ malgo.DeviceType) ([]Device, error) {
	infos, err := ctx.Devices(typ)
	if err != nil {
		return nil, err
	}

	direction := DirectionOutput
	if typ == malgo.Capture {
		direction = DirectionInput
	}

	seen := make(map[DeviceID]struct{}, len(infos))
	devices := make([]Device, 0, len(infos))
	for _, info := range infos {
		full, err := ctx.DeviceInfo(typ, info.ID, malgo.Shared)
		if err != nil {
			e.logger.Warnw("Unable to get audio device info", "error", err)
			continue
		}

		id := deviceIDFromMalgo(full.ID)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		name := full.Name()
		transport := TransportPhysical
		if IsVirtualDeviceName(name) {
			transport = TransportVirtual
		}

		devices = append(devices, Device{
			ID:        id,
			Name:      name,
			Direction: direction,
			Transport: transport,
		})
	}

	return devices, nil
}

// deviceIDFromMalgo converts the fixed-size miniaudio identifier into our
// string form. On the target platform these bytes are the CoreAudio UID,
// which is stable across reboots for physical devices.
func deviceIDFromMalgo(id malgo.DeviceID) DeviceID {
	raw := id[:]
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return DeviceID(raw)
}

// malgoIDFromDevice converts back for stream initialization.
func malgoIDFromDevice(id DeviceID) malgo.DeviceID {
	var res malgo.DeviceID
	copy(res[:], id)
	return res
}

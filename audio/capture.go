package audio

import (
	"encoding/hex"
	"fmt"

	"github.com/gen2brain/malgo"
)

type malgoContext struct {
	ctx *malgo.AllocatedContext
}

// NewContext opens the platform audio backend.
func NewContext() (Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo init: %w", err)
	}
	return &malgoContext{ctx: ctx}, nil
}

func (m *malgoContext) Devices() ([]DeviceInfo, error) {
	devices, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("malgo devices: %w", err)
	}
	var result []DeviceInfo
	for _, d := range devices {
		result = append(result, DeviceInfo{
			ID:   deviceIDString(d.ID),
			Name: d.Name(),
		})
	}
	return result, nil
}

func deviceIDString(id malgo.DeviceID) string {
	return hex.EncodeToString(id[:])
}

func parseDeviceID(s string) (malgo.DeviceID, error) {
	var id malgo.DeviceID
	idBytes, err := hex.DecodeString(s)
	if err != nil || len(idBytes) != len(id) {
		return id, fmt.Errorf("invalid device ID %q", s)
	}
	copy(id[:], idBytes)
	return id, nil
}

// NewCapture opens the named capture device, or the system default
// when deviceName is empty.
func (m *malgoContext) NewCapture(deviceName string, config CaptureConfig, data DataCallback, stopped StopCallback) (CaptureDevice, error) {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = config.Channels
	deviceConfig.SampleRate = config.SampleRate

	if deviceName != "" {
		info, err := m.findDevice(deviceName)
		if err != nil {
			return nil, err
		}
		devID, err := parseDeviceID(info.ID)
		if err != nil {
			return nil, err
		}
		deviceConfig.Capture.DeviceID = devID.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, frames []byte, frameCount uint32) {
			data(frames, frameCount)
		},
		Stop: func() {
			if stopped != nil {
				stopped()
			}
		},
	}

	dev, err := malgo.InitDevice(m.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("malgo device init: %w", err)
	}

	return &malgoCapture{device: dev}, nil
}

func (m *malgoContext) findDevice(name string) (DeviceInfo, error) {
	devices, err := m.Devices()
	if err != nil {
		return DeviceInfo{}, err
	}
	for _, d := range devices {
		if d.Name == name {
			return d, nil
		}
	}
	return DeviceInfo{}, fmt.Errorf("capture device %q not found", name)
}

func (m *malgoContext) Close() {
	m.ctx.Uninit()
	m.ctx.Free()
}

type malgoCapture struct {
	device *malgo.Device
}

func (c *malgoCapture) Start() error {
	return c.device.Start()
}

func (c *malgoCapture) Stop() {
	c.device.Stop()
}

func (c *malgoCapture) Close() {
	c.device.Uninit()
}

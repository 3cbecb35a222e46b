package capture

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/vango-go/shellie/pkg/audio"
)

// Microphone reads the default capture device. Frames are chunked to
// FrameSize and dropped if the consumer is slow.
type Microphone struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device

	mu     sync.Mutex
	buf    []float32
	frames chan []float32
	closed bool

	dropped   uint64
	closeOnce sync.Once
	closeErr  error
}

// OpenMicrophone initializes the audio backend and starts capturing. The
// caller owns the returned Microphone and must Close it.
func OpenMicrophone() (*Microphone, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	m := &Microphone{
		ctx:    ctx,
		buf:    make([]float32, 0, FrameSize*2),
		frames: make(chan []float32, 4),
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = audio.InputSampleRate
	cfg.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{Data: m.onFrames})
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("init capture device: %w", err)
	}
	m.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("start capture device: %w", err)
	}
	return m, nil
}

func (m *Microphone) onFrames(_, in []byte, framecount uint32) {
	if framecount == 0 {
		return
	}
	n := int(framecount)
	if len(in) < n*4 {
		n = len(in) / 4
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for i := 0; i < n; i++ {
		m.buf = append(m.buf, math.Float32frombits(binary.LittleEndian.Uint32(in[i*4:])))
	}
	for len(m.buf) >= FrameSize {
		frame := make([]float32, FrameSize)
		copy(frame, m.buf[:FrameSize])
		m.buf = append(m.buf[:0], m.buf[FrameSize:]...)
		select {
		case m.frames <- frame:
		default:
			m.dropped++
		}
	}
}

func (m *Microphone) Frames() <-chan []float32 { return m.frames }

// Dropped reports frames discarded because the consumer fell behind.
func (m *Microphone) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Close stops the device and releases the backend. Safe to call more than once.
func (m *Microphone) Close() error {
	m.closeOnce.Do(func() {
		if m.device != nil {
			if err := m.device.Stop(); err != nil {
				m.closeErr = fmt.Errorf("stop capture device: %w", err)
			}
			m.device.Uninit()
		}
		m.mu.Lock()
		m.closed = true
		m.buf = nil
		close(m.frames)
		m.mu.Unlock()
		if m.ctx != nil {
			_ = m.ctx.Uninit()
			m.ctx.Free()
		}
	})
	return m.closeErr
}

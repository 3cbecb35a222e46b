package playback

import (
	"fmt"
	"math"
	"sync"

	"github.com/vango-go/shellie/pkg/audio"
)

const bytesPerSample = 2

// mixer renders scheduled buffers into signed 16-bit little-endian PCM.
// Its clock is the number of frames it has rendered, so the device pulling
// from Read drives time forward.
type mixer struct {
	sampleRate int
	channels   int

	mu       sync.Mutex
	rendered int64
	voices   []*voice
	pending  []func()
	closed   bool

	notify chan struct{}
	done   chan struct{}
}

type voice struct {
	m       *mixer
	buf     *audio.Buffer
	start   int64
	onEnded func()
}

func newMixer(sampleRate, channels int) *mixer {
	m := &mixer{
		sampleRate: sampleRate,
		channels:   channels,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go m.dispatch()
	return m
}

func (m *mixer) Now() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return float64(m.rendered) / float64(m.sampleRate)
}

func (m *mixer) Play(buf *audio.Buffer, at float64, onEnded func()) (Source, error) {
	if buf == nil {
		return nil, fmt.Errorf("buffer must not be nil")
	}
	if buf.SampleRate != m.sampleRate {
		return nil, fmt.Errorf("buffer sample rate %d does not match output rate %d", buf.SampleRate, m.sampleRate)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	start := int64(math.Round(at * float64(m.sampleRate)))
	if start < m.rendered {
		start = m.rendered
	}
	v := &voice{m: m, buf: buf, start: start, onEnded: onEnded}
	m.voices = append(m.voices, v)
	return v, nil
}

func (v *voice) Stop() {
	m := v.m
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, other := range m.voices {
		if other == v {
			m.voices = append(m.voices[:i], m.voices[i+1:]...)
			return
		}
	}
}

func (v *voice) end() int64 { return v.start + int64(v.buf.Frames()) }

// Read implements io.Reader for the device player.
func (m *mixer) Read(p []byte) (int, error) {
	frameBytes := bytesPerSample * m.channels
	frames := len(p) / frameBytes
	n := frames * frameBytes
	if frames == 0 {
		return 0, nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		clear(p[:n])
		return n, nil
	}

	mix := make([]float32, frames*m.channels)
	from := m.rendered
	to := from + int64(frames)
	for _, v := range m.voices {
		lo := max(v.start, from)
		hi := min(v.end(), to)
		for f := lo; f < hi; f++ {
			src := int(f - v.start)
			dst := int(f-from) * m.channels
			for ch := 0; ch < m.channels; ch++ {
				mix[dst+ch] += v.buf.Sample(ch, src)
			}
		}
	}
	m.rendered = to

	kept := m.voices[:0]
	for _, v := range m.voices {
		if v.end() <= m.rendered {
			if v.onEnded != nil {
				m.pending = append(m.pending, v.onEnded)
			}
			continue
		}
		kept = append(kept, v)
	}
	clear(m.voices[len(kept):])
	m.voices = kept
	hasPending := len(m.pending) > 0
	m.mu.Unlock()

	copy(p[:n], audio.FloatsToPCM(mix))
	if hasPending {
		select {
		case m.notify <- struct{}{}:
		default:
		}
	}
	return n, nil
}

func (m *mixer) dispatch() {
	for {
		select {
		case <-m.done:
			return
		case <-m.notify:
		}
		m.mu.Lock()
		callbacks := m.pending
		m.pending = nil
		m.mu.Unlock()
		for _, fn := range callbacks {
			fn()
		}
	}
}

func (m *mixer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.voices = nil
	m.pending = nil
	close(m.done)
	return nil
}

package capture

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/vango-go/shellie/pkg/audio"
	"github.com/vango-go/shellie/pkg/metrics"
)

// Gate decides per frame whether audio may leave the device.
type Gate interface {
	AllowCapture() bool
}

// GateFunc adapts a function to Gate.
type GateFunc func() bool

func (f GateFunc) AllowCapture() bool { return f() }

// Sink receives encoded frames.
type Sink interface {
	SendAudio(audio.Blob) error
}

// Stats counts frame outcomes since the pipeline was created.
type Stats struct {
	Sent    uint64
	Dropped uint64
	Failed  uint64
}

type Pipeline struct {
	source  Source
	gate    Gate
	sink    Sink
	logger  *slog.Logger
	metrics *metrics.Metrics
	onLevel func(float64)

	sent    atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

type PipelineConfig struct {
	Source  Source
	Gate    Gate
	Sink    Sink
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// OnLevel, if set, receives the RMS of every frame that is sent.
	OnLevel func(float64)
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		source:  cfg.Source,
		gate:    cfg.Gate,
		sink:    cfg.Sink,
		logger:  logger,
		metrics: cfg.Metrics,
		onLevel: cfg.OnLevel,
	}
}

// Run forwards frames until ctx is done or the source closes. Frames the gate
// refuses are dropped before encoding. Send failures are logged and counted
// but never retried.
func (p *Pipeline) Run(ctx context.Context) {
	frames := p.source.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			p.handle(frame)
		}
	}
}

// handle checks the gate again after encoding so a mute that lands during
// encoding still drops the frame. A gate change after the second check can
// let at most this one frame through.
func (p *Pipeline) handle(frame []float32) {
	if !p.allowed() {
		return
	}
	blob := audio.FloatsToPCMBlob(frame)
	if !p.allowed() {
		return
	}
	if err := p.sink.SendAudio(blob); err != nil {
		p.failed.Add(1)
		p.metrics.RecordCaptureFrame("failed")
		p.logger.Debug("capture frame send failed", "error", err)
		return
	}
	p.sent.Add(1)
	p.metrics.RecordCaptureFrame("sent")
	p.metrics.RecordAudio("input", len(frame)*2)
	if p.onLevel != nil {
		p.onLevel(audio.RMS(frame))
	}
}

func (p *Pipeline) allowed() bool {
	if p.gate == nil || p.gate.AllowCapture() {
		return true
	}
	p.dropped.Add(1)
	p.metrics.RecordCaptureFrame("dropped")
	return false
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Sent:    p.sent.Load(),
		Dropped: p.dropped.Load(),
		Failed:  p.failed.Load(),
	}
}

// Package capture streams microphone frames to the live channel while the
// session allows it.
package capture

import "errors"

// FrameSize is the number of samples per captured frame (256 ms at 16 kHz).
const FrameSize = 4096

var ErrClosed = errors.New("capture source is closed")

// Source produces mono float frames at audio.InputSampleRate. The channel is
// closed when the source is closed.
type Source interface {
	Frames() <-chan []float32
	Close() error
}

package audio

// Buffer is decoded audio addressable by the playback subsystem, one sample
// plane per channel.
type Buffer struct {
	SampleRate int
	Channels   [][]float32
}

// Frames returns the number of sample frames.
func (b *Buffer) Frames() int {
	if b == nil || len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// NumChannels returns the channel count.
func (b *Buffer) NumChannels() int {
	if b == nil {
		return 0
	}
	return len(b.Channels)
}

// Duration returns the playback length in seconds.
func (b *Buffer) Duration() float64 {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

// Sample returns the sample at frame f of channel ch, or 0 when out of range.
// Channels beyond the buffer's count reuse the last channel.
func (b *Buffer) Sample(ch, f int) float32 {
	if b == nil || len(b.Channels) == 0 {
		return 0
	}
	if ch >= len(b.Channels) {
		ch = len(b.Channels) - 1
	}
	plane := b.Channels[ch]
	if f < 0 || f >= len(plane) {
		return 0
	}
	return plane[f]
}

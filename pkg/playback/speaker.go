package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/vango-go/shellie/pkg/audio"
)

// A process may hold only one oto context, so sessions share it and each
// opens its own player.
var (
	deviceOnce     sync.Once
	deviceCtx      *oto.Context
	deviceErr      error
	deviceRate     int
	deviceChannels int
)

func sharedContext(sampleRate, channels int) (*oto.Context, error) {
	deviceOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   100 * time.Millisecond,
		})
		if err != nil {
			deviceErr = fmt.Errorf("init speaker: %w", err)
			return
		}
		<-ready
		deviceCtx = ctx
		deviceRate = sampleRate
		deviceChannels = channels
	})
	if deviceErr != nil {
		return nil, deviceErr
	}
	if sampleRate != deviceRate || channels != deviceChannels {
		return nil, fmt.Errorf("speaker already opened at %d Hz/%d ch", deviceRate, deviceChannels)
	}
	return deviceCtx, nil
}

// Speaker is an Output backed by the system audio device.
type Speaker struct {
	mixer  *mixer
	player *oto.Player

	closeOnce sync.Once
	closeErr  error
}

// OpenSpeaker starts a player on the default output device.
func OpenSpeaker(sampleRate, channels int) (*Speaker, error) {
	if sampleRate <= 0 {
		sampleRate = audio.OutputSampleRate
	}
	if channels <= 0 {
		channels = 1
	}
	ctx, err := sharedContext(sampleRate, channels)
	if err != nil {
		return nil, err
	}
	m := newMixer(sampleRate, channels)
	player := ctx.NewPlayer(m)
	player.Play()
	return &Speaker{mixer: m, player: player}, nil
}

func (s *Speaker) Now() float64 { return s.mixer.Now() }

func (s *Speaker) Play(buf *audio.Buffer, at float64, onEnded func()) (Source, error) {
	return s.mixer.Play(buf, at, onEnded)
}

// Close stops the player. Safe to call more than once.
func (s *Speaker) Close() error {
	s.closeOnce.Do(func() {
		_ = s.mixer.Close()
		s.player.Pause()
		s.closeErr = s.player.Close()
	})
	return s.closeErr
}

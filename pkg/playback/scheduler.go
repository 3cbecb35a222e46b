// Package playback queues decoded speech back-to-back on an audio output
// clock and stops it on interruption.
package playback

import (
	"errors"
	"sync"

	"github.com/vango-go/shellie/pkg/audio"
)

var ErrClosed = errors.New("playback scheduler is closed")

// Output is an audio device with its own clock.
//
// Play schedules buf to start at the given clock time. onEnded runs once
// when the buffer finishes naturally; it is never invoked from inside Play
// and never after the returned Source is stopped.
type Output interface {
	Now() float64
	Play(buf *audio.Buffer, at float64, onEnded func()) (Source, error)
	Close() error
}

// Source is a handle to one scheduled buffer. Stop is idempotent and a
// no-op on a finished source.
type Source interface {
	Stop()
}

type playing struct {
	src Source
}

// Scheduler keeps a monotonic cursor so successive chunks play without gaps
// or overlaps. All cursor and handle mutations happen under one lock.
type Scheduler struct {
	out        Output
	onSpeaking func(bool)

	mu        sync.Mutex
	nextStart float64
	active    map[*playing]struct{}
	closed    bool
}

// NewScheduler wraps out. onSpeaking may be nil; it is called with true when
// audio is queued onto an idle scheduler and false when the last handle
// finishes or is stopped.
func NewScheduler(out Output, onSpeaking func(bool)) *Scheduler {
	return &Scheduler{
		out:        out,
		onSpeaking: onSpeaking,
		active:     make(map[*playing]struct{}),
	}
}

// Enqueue schedules buf right after everything already queued, or now if
// the queue has drained. It returns the chosen start time.
func (s *Scheduler) Enqueue(buf *audio.Buffer) (float64, error) {
	if buf == nil || buf.Frames() == 0 {
		return 0, nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	start := s.nextStart
	if now := s.out.Now(); now > start {
		start = now
	}
	entry := &playing{}
	src, err := s.out.Play(buf, start, func() { s.finished(entry) })
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	entry.src = src
	s.nextStart = start + buf.Duration()
	wasIdle := len(s.active) == 0
	s.active[entry] = struct{}{}
	s.mu.Unlock()

	if wasIdle {
		s.signal(true)
	}
	return start, nil
}

func (s *Scheduler) finished(entry *playing) {
	s.mu.Lock()
	if _, ok := s.active[entry]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.active, entry)
	drained := len(s.active) == 0
	s.mu.Unlock()

	if drained {
		s.signal(false)
	}
}

// Interrupt stops every scheduled buffer and resets the cursor to zero.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	stopping := make([]Source, 0, len(s.active))
	for entry := range s.active {
		if entry.src != nil {
			stopping = append(stopping, entry.src)
		}
	}
	clear(s.active)
	s.nextStart = 0
	s.mu.Unlock()

	for _, src := range stopping {
		src.Stop()
	}
	s.signal(false)
}

// Teardown interrupts playback and releases the output. Safe to call more
// than once.
func (s *Scheduler) Teardown() error {
	s.Interrupt()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.out.Close()
}

// NextStartTime returns the cursor.
func (s *Scheduler) NextStartTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

// Active returns the number of buffers scheduled or playing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Scheduler) signal(speaking bool) {
	if s.onSpeaking != nil {
		s.onSpeaking(speaking)
	}
}

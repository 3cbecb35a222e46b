package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/shellie/pkg/audio"
	"github.com/vango-go/shellie/pkg/capture"
	"github.com/vango-go/shellie/pkg/classroom"
	"github.com/vango-go/shellie/pkg/metrics"
	"github.com/vango-go/shellie/pkg/playback"
	"github.com/vango-go/shellie/pkg/reports"
	"github.com/vango-go/shellie/pkg/safety"
	"github.com/vango-go/shellie/pkg/tools"
)

const (
	DefaultTerminationGrace = 1500 * time.Millisecond
	DefaultConnectTimeout   = 15 * time.Second
	DefaultLiveSpeechLimit  = 100

	reportTimeout = 5 * time.Second
)

var (
	ErrAlreadyStarted    = errors.New("session already started")
	ErrNotActive         = errors.New("session is not active")
	ErrClosed            = errors.New("session is closed")
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	ErrConnectTimeout    = errors.New("timed out waiting for the channel to open")
)

// ToolRunner answers tool calls. *tools.Dispatcher implements it.
type ToolRunner interface {
	Respond(ctx context.Context, c tools.Call) tools.Response
}

// ReportSink receives safety reports. *reports.Book implements it.
type ReportSink interface {
	Add(ctx context.Context, r reports.Report) error
}

// ContextSource supplies class material. *classroom.Library implements it.
type ContextSource interface {
	Context() string
}

// Dependencies are the collaborators a session drives. Dialer, OpenOutput
// and OpenMicrophone are required.
type Dependencies struct {
	Dialer         Dialer
	OpenOutput     func() (playback.Output, error)
	OpenMicrophone func() (capture.Source, error)

	Tools   ToolRunner
	Reports ReportSink
	Library ContextSource
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time

	Hooks Hooks
}

// Hooks observe a session. Callbacks run on session goroutines and must not
// block.
type Hooks struct {
	OnStateChange func(State)
	OnReport      func(reports.Report)
}

type Config struct {
	Voice            string
	Student          string
	Greeting         string
	TerminationGrace time.Duration
	ConnectTimeout   time.Duration
	LiveSpeechLimit  int
}

// Session is a single conversation. It is not reusable: once closed, create
// a new one.
type Session struct {
	id   string
	cfg  Config
	deps Dependencies
	log  *slog.Logger

	mu           sync.Mutex
	state        State
	// What this turn has already reported. A later fragment raises another
	// report only when it is more severe or matches new words.
	turnSeverity safety.Severity
	turnMatches  map[string]struct{}
	startedAt    time.Time
	wentActive   bool

	output    playback.Output
	mic       capture.Source
	channel   Channel
	scheduler *playback.Scheduler
	pipeline  *capture.Pipeline

	captureCancel context.CancelFunc
	captureDone   chan struct{}
	toolCtx       context.Context
	toolCancel    context.CancelFunc
	graceTimer    *time.Timer
	connectTimer  *time.Timer

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

func New(cfg Config, deps Dependencies) *Session {
	if cfg.Voice == "" {
		cfg.Voice = classroom.DefaultVoice
	}
	if cfg.Greeting == "" {
		cfg.Greeting = classroom.Greeting
	}
	if cfg.TerminationGrace <= 0 {
		cfg.TerminationGrace = DefaultTerminationGrace
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.LiveSpeechLimit <= 0 {
		cfg.LiveSpeechLimit = DefaultLiveSpeechLimit
	}
	if deps.Tools == nil {
		deps.Tools = tools.NewDispatcher(tools.Config{Logger: deps.Logger, Metrics: deps.Metrics})
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.NewString()
	toolCtx, toolCancel := context.WithCancel(context.Background())
	return &Session{
		id:         id,
		cfg:        cfg,
		deps:       deps,
		log:        logger.With("session_id", id),
		done:       make(chan struct{}),
		toolCtx:    toolCtx,
		toolCancel: toolCancel,
	}
}

func (s *Session) ID() string { return s.id }

// Done is closed once the session has released every resource.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start acquires the speaker and microphone and dials the model. It returns
// once the channel is dialed; the session goes active when the channel
// reports open. Any failure tears the session down to closed.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Phase != PhaseIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if s.deps.Dialer == nil || s.deps.OpenOutput == nil || s.deps.OpenMicrophone == nil {
		s.mu.Unlock()
		return fmt.Errorf("session dependencies are incomplete")
	}
	s.state.Phase = PhaseConnecting
	s.mu.Unlock()
	s.notify()

	out, err := s.deps.OpenOutput()
	if err != nil {
		return s.failStart(fmt.Errorf("%w: speaker: %v", ErrDeviceUnavailable, err))
	}
	if !s.adopt(func() { s.output = out }) {
		_ = out.Close()
		return ErrClosed
	}

	mic, err := s.deps.OpenMicrophone()
	if err != nil {
		return s.failStart(fmt.Errorf("%w: microphone: %v", ErrDeviceUnavailable, err))
	}
	if !s.adopt(func() { s.mic = mic }) {
		_ = mic.Close()
		return ErrClosed
	}

	classContext := ""
	if s.deps.Library != nil {
		classContext = s.deps.Library.Context()
	}
	ch, err := s.deps.Dialer.Dial(ctx, ConnectConfig{
		Voice:             s.cfg.Voice,
		SystemInstruction: classroom.SystemInstruction(classContext),
		Tools:             tools.Declarations(),
	})
	if err != nil {
		return s.failStart(fmt.Errorf("dial live channel: %w", err))
	}
	if !s.adopt(func() {
		s.channel = ch
		s.connectTimer = time.AfterFunc(s.cfg.ConnectTimeout, s.connectTimedOut)
	}) {
		_ = ch.Close()
		return ErrClosed
	}

	s.log.Info("live channel dialed", "voice", s.cfg.Voice)
	go s.run(ch)
	return nil
}

// Stop ends the session immediately. Safe to call from any phase, any
// number of times.
func (s *Session) Stop() {
	s.shutdown(EndUser, nil)
}

// SetMuted controls whether microphone audio is sent. Playback and
// transcript handling are unaffected.
func (s *Session) SetMuted(muted bool) error {
	s.mu.Lock()
	if s.state.Phase != PhaseActive {
		s.mu.Unlock()
		return ErrNotActive
	}
	s.state.Muted = muted
	s.mu.Unlock()
	s.notify()
	return nil
}

// ToggleMute flips the mute flag and returns the new value.
func (s *Session) ToggleMute() (bool, error) {
	s.mu.Lock()
	if s.state.Phase != PhaseActive {
		s.mu.Unlock()
		return false, ErrNotActive
	}
	s.state.Muted = !s.state.Muted
	muted := s.state.Muted
	s.mu.Unlock()
	s.notify()
	return muted, nil
}

// ClearHistory wipes the on-screen speech and the pending turn.
func (s *Session) ClearHistory() {
	s.mu.Lock()
	s.state.Transcript = ""
	s.state.LiveSpeech = ""
	s.state.Reply = ""
	s.resetTurnLocked()
	s.mu.Unlock()
	s.notify()
}

// AllowCapture is the capture gate: frames flow only while active and
// unmuted.
func (s *Session) AllowCapture() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Phase == PhaseActive && !s.state.Muted
}

func (s *Session) adopt(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Phase == PhaseClosed {
		return false
	}
	fn()
	return true
}

func (s *Session) failStart(err error) error {
	s.log.Error("session start failed", "error", err)
	s.shutdown(EndStartFailed, err)
	return err
}

func (s *Session) connectTimedOut() {
	s.mu.Lock()
	connecting := s.state.Phase == PhaseConnecting
	s.mu.Unlock()
	if connecting {
		s.shutdown(EndTimeout, ErrConnectTimeout)
	}
}

func (s *Session) run(ch Channel) {
	events := ch.Events()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-events:
			if !ok {
				s.shutdown(EndRemote, nil)
				return
			}
			s.handle(ch, ev)
		}
	}
}

func (s *Session) handle(ch Channel, ev Event) {
	switch ev := ev.(type) {
	case OpenEvent:
		s.activate(ch)
	case InputTranscriptEvent:
		s.onInputTranscript(ev.Text)
	case OutputTranscriptEvent:
		s.onOutputTranscript(ev.Text)
	case TurnCompleteEvent:
		s.onTurnComplete()
	case AudioEvent:
		s.onAudio(ev)
	case ToolCallEvent:
		s.onToolCalls(ch, ev.Calls)
	case InterruptedEvent:
		s.onInterrupted()
	case ErrorEvent:
		s.log.Error("live channel error", "error", ev.Err)
		s.deps.Metrics.RecordError("session", "channel")
		s.shutdown(EndError, ev.Err)
	case CloseEvent:
		s.log.Info("live channel closed by remote", "reason", ev.Reason)
		s.shutdown(EndRemote, nil)
	default:
		s.log.Debug("ignoring unknown live event", "type", ev.eventType())
	}
}

func (s *Session) activate(ch Channel) {
	s.mu.Lock()
	if s.state.Phase != PhaseConnecting {
		s.mu.Unlock()
		return
	}
	if s.connectTimer != nil {
		s.connectTimer.Stop()
	}
	s.state.Phase = PhaseActive
	s.state.Listening = true
	s.startedAt = s.deps.Now()
	s.wentActive = true

	s.scheduler = playback.NewScheduler(s.output, s.onSpeaking)
	s.pipeline = capture.NewPipeline(capture.PipelineConfig{
		Source:  s.mic,
		Gate:    s,
		Sink:    channelSink{ch: ch},
		Logger:  s.log,
		Metrics: s.deps.Metrics,
	})
	captureCtx, cancel := context.WithCancel(context.Background())
	s.captureCancel = cancel
	s.captureDone = make(chan struct{})
	pipeline, done := s.pipeline, s.captureDone
	s.mu.Unlock()

	go func() {
		defer close(done)
		pipeline.Run(captureCtx)
	}()

	s.deps.Metrics.RecordSessionStart()
	s.log.Info("session active")
	s.notify()

	if err := ch.Send(TextInput{Text: s.cfg.Greeting}); err != nil {
		s.log.Warn("send greeting failed", "error", err)
	}
}

func (s *Session) onInputTranscript(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	switch s.state.Phase {
	case PhaseActive:
		s.state.Transcript += text
		s.state.LiveSpeech = lastRunes(s.state.LiveSpeech+text, s.cfg.LiveSpeechLimit)
	case PhaseTerminating:
	default:
		s.mu.Unlock()
		return
	}
	report, terminate := s.evaluateLocked(text)
	s.mu.Unlock()

	s.notify()
	s.deliver(report)
	if terminate {
		s.beginTermination()
	}
}

// onTurnComplete re-checks the whole turn, which catches phrases split
// across fragments, then starts a fresh turn.
func (s *Session) onTurnComplete() {
	s.mu.Lock()
	if s.state.Phase != PhaseActive && s.state.Phase != PhaseTerminating {
		s.mu.Unlock()
		return
	}
	var (
		report    *reports.Report
		terminate bool
	)
	if s.state.Phase == PhaseActive {
		report, terminate = s.evaluateLocked(s.state.Transcript)
	}
	s.state.Transcript = ""
	s.state.LiveSpeech = ""
	s.state.Reply = ""
	s.resetTurnLocked()
	s.mu.Unlock()

	s.notify()
	s.deliver(report)
	if terminate {
		s.beginTermination()
	}
}

// evaluateLocked classifies text. Within a turn a repeat of what was already
// reported is suppressed; an escalation or a new word is reported again.
func (s *Session) evaluateLocked(text string) (*reports.Report, bool) {
	if strings.TrimSpace(text) == "" {
		return nil, false
	}
	var report *reports.Report
	if verdict := safety.CheckSafety(text); verdict.Dangerous && s.escalatesLocked(verdict) {
		r, err := reports.New(s.deps.Now(), text, verdict, s.cfg.Student)
		if err != nil {
			s.log.Error("build safety report", "error", err)
		} else {
			if verdict.Severity.Rank() > s.turnSeverity.Rank() {
				s.turnSeverity = verdict.Severity
			}
			if s.turnMatches == nil {
				s.turnMatches = make(map[string]struct{}, len(verdict.Matches))
			}
			for _, m := range verdict.Matches {
				s.turnMatches[m] = struct{}{}
			}
			report = &r
		}
	}
	terminate := s.state.Phase == PhaseActive && safety.ShouldTerminate(text)
	return report, terminate
}

func (s *Session) escalatesLocked(v safety.Verdict) bool {
	if v.Severity.Rank() > s.turnSeverity.Rank() {
		return true
	}
	for _, m := range v.Matches {
		if _, seen := s.turnMatches[m]; !seen {
			return true
		}
	}
	return false
}

func (s *Session) resetTurnLocked() {
	s.turnSeverity = safety.SeverityNone
	s.turnMatches = nil
}

func (s *Session) deliver(r *reports.Report) {
	if r == nil {
		return
	}
	if s.deps.Hooks.OnReport != nil {
		s.deps.Hooks.OnReport(*r)
	}
	if s.deps.Reports == nil {
		return
	}
	go func(r reports.Report) {
		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		defer cancel()
		if err := s.deps.Reports.Add(ctx, r); err != nil {
			s.log.Error("store safety report", "report_id", r.ID, "error", err)
		}
	}(*r)
}

func (s *Session) beginTermination() {
	s.mu.Lock()
	if s.state.Phase != PhaseActive {
		s.mu.Unlock()
		return
	}
	s.state.Phase = PhaseTerminating
	s.state.Listening = false
	s.graceTimer = time.AfterFunc(s.cfg.TerminationGrace, func() { s.shutdown(EndFarewell, nil) })
	s.mu.Unlock()

	s.log.Info("farewell heard, ending session", "grace", s.cfg.TerminationGrace)
	s.notify()
}

func (s *Session) onOutputTranscript(text string) {
	s.mu.Lock()
	if s.state.Phase != PhaseActive && s.state.Phase != PhaseTerminating {
		s.mu.Unlock()
		return
	}
	s.state.Reply = lastRunes(s.state.Reply+text, s.cfg.LiveSpeechLimit)
	s.mu.Unlock()
	s.notify()
}

func (s *Session) onAudio(ev AudioEvent) {
	s.mu.Lock()
	sched := s.scheduler
	playing := s.state.Phase == PhaseActive || s.state.Phase == PhaseTerminating
	s.mu.Unlock()
	if !playing || sched == nil {
		return
	}

	buf, err := audio.DecodeToBuffer(ev.Data, audio.OutputSampleRate, 1)
	if err != nil {
		s.log.Warn("drop undecodable audio chunk", "error", err)
		s.deps.Metrics.RecordError("session", "audio_decode")
		return
	}
	if _, err := sched.Enqueue(buf); err != nil {
		if !errors.Is(err, playback.ErrClosed) {
			s.log.Warn("schedule audio chunk", "error", err)
		}
		return
	}
	s.deps.Metrics.RecordPlaybackChunk()
	s.deps.Metrics.RecordAudio("output", buf.Frames()*2)
}

func (s *Session) onSpeaking(speaking bool) {
	s.mu.Lock()
	if s.state.Phase != PhaseActive && s.state.Phase != PhaseTerminating {
		s.mu.Unlock()
		return
	}
	changed := s.state.Speaking != speaking
	s.state.Speaking = speaking
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

func (s *Session) onInterrupted() {
	s.mu.Lock()
	sched := s.scheduler
	s.mu.Unlock()
	if sched == nil {
		return
	}
	sched.Interrupt()
	s.deps.Metrics.RecordInterruption()
}

// onToolCalls answers each call on its own goroutine so a slow lookup never
// holds up the others.
func (s *Session) onToolCalls(ch Channel, calls []tools.Call) {
	s.mu.Lock()
	live := s.state.Phase == PhaseActive || s.state.Phase == PhaseTerminating
	s.mu.Unlock()
	if !live {
		return
	}
	for _, call := range calls {
		go func(call tools.Call) {
			resp := s.deps.Tools.Respond(s.toolCtx, call)
			if s.toolCtx.Err() != nil {
				return
			}
			if err := ch.Send(ToolResponses{Responses: []tools.Response{resp}}); err != nil {
				s.log.Warn("send tool response", "tool", call.Name, "call_id", call.ID, "error", err)
			}
		}(call)
	}
}

// shutdown releases everything exactly once. Capture stops before any
// other resource is touched.
func (s *Session) shutdown(reason EndReason, cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = State{Phase: PhaseClosed, EndReason: reason}
		s.resetTurnLocked()
		if cause != nil {
			s.err = cause
		}
		output, mic, ch, sched := s.output, s.mic, s.channel, s.scheduler
		captureCancel, captureDone := s.captureCancel, s.captureDone
		graceTimer, connectTimer := s.graceTimer, s.connectTimer
		wentActive, startedAt := s.wentActive, s.startedAt
		s.output, s.mic, s.channel, s.scheduler, s.pipeline = nil, nil, nil, nil, nil
		s.mu.Unlock()

		if graceTimer != nil {
			graceTimer.Stop()
		}
		if connectTimer != nil {
			connectTimer.Stop()
		}
		if captureCancel != nil {
			captureCancel()
		}
		if mic != nil {
			if err := mic.Close(); err != nil {
				s.log.Warn("close microphone", "error", err)
			}
		}
		if captureDone != nil {
			<-captureDone
		}
		s.toolCancel()

		if sched != nil {
			if err := sched.Teardown(); err != nil {
				s.log.Warn("close speaker", "error", err)
			}
		} else if output != nil {
			if err := output.Close(); err != nil {
				s.log.Warn("close speaker", "error", err)
			}
		}
		if ch != nil {
			if err := ch.Close(); err != nil {
				s.log.Warn("close live channel", "error", err)
			}
		}

		if wentActive {
			s.deps.Metrics.RecordSessionEnd(string(reason), s.deps.Now().Sub(startedAt))
		} else {
			s.deps.Metrics.RecordSessionFailed(string(reason))
		}
		s.log.Info("session closed", "reason", reason)
		close(s.done)
		s.notify()
	})
}

func (s *Session) notify() {
	if s.deps.Hooks.OnStateChange == nil {
		return
	}
	s.deps.Hooks.OnStateChange(s.Snapshot())
}

type channelSink struct {
	ch Channel
}

func (c channelSink) SendAudio(b audio.Blob) error {
	return c.ch.Send(AudioInput{Blob: b})
}

func lastRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

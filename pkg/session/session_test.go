package session

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/shellie/pkg/audio"
	"github.com/vango-go/shellie/pkg/capture"
	"github.com/vango-go/shellie/pkg/playback"
	"github.com/vango-go/shellie/pkg/reports"
	"github.com/vango-go/shellie/pkg/safety"
	"github.com/vango-go/shellie/pkg/tools"
)

type fakeChannel struct {
	events chan Event

	mu     sync.Mutex
	sent   []Outbound
	closed int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan Event, 32)}
}

func (c *fakeChannel) Send(msg Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed > 0 {
		return errors.New("channel closed")
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) Events() <-chan Event { return c.events }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) outbound() []Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Outbound(nil), c.sent...)
}

func (c *fakeChannel) audioFrames() []audio.Blob {
	var out []audio.Blob
	for _, msg := range c.outbound() {
		if a, ok := msg.(AudioInput); ok {
			out = append(out, a.Blob)
		}
	}
	return out
}

func (c *fakeChannel) toolResponses() []tools.Response {
	var out []tools.Response
	for _, msg := range c.outbound() {
		if r, ok := msg.(ToolResponses); ok {
			out = append(out, r.Responses...)
		}
	}
	return out
}

type fakeDialer struct {
	ch  *fakeChannel
	err error

	mu  sync.Mutex
	cfg ConnectConfig
}

func (d *fakeDialer) Dial(_ context.Context, cfg ConnectConfig) (Channel, error) {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return d.ch, nil
}

type fakeOutput struct {
	mu      sync.Mutex
	now     float64
	played  int
	stopped int
	closed  int
}

type fakeSource struct {
	out  *fakeOutput
	once sync.Once
}

func (s *fakeSource) Stop() {
	s.once.Do(func() {
		s.out.mu.Lock()
		s.out.stopped++
		s.out.mu.Unlock()
	})
}

func (o *fakeOutput) Now() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

func (o *fakeOutput) Play(*audio.Buffer, float64, func()) (playback.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.played++
	return &fakeSource{out: o}, nil
}

func (o *fakeOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed++
	return nil
}

func (o *fakeOutput) counts() (played, stopped, closed int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.played, o.stopped, o.closed
}

type fakeMic struct {
	frames chan []float32

	mu     sync.Mutex
	closed int
}

func newFakeMic() *fakeMic {
	return &fakeMic{frames: make(chan []float32)}
}

func (m *fakeMic) Frames() <-chan []float32 { return m.frames }

func (m *fakeMic) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed == 0 {
		close(m.frames)
	}
	m.closed++
	return nil
}

func (m *fakeMic) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type recordingSink struct {
	reports chan reports.Report
}

func (s *recordingSink) Add(_ context.Context, r reports.Report) error {
	s.reports <- r
	return nil
}

type harness struct {
	t       *testing.T
	session *Session
	dialer  *fakeDialer
	ch      *fakeChannel
	out     *fakeOutput
	mic     *fakeMic
	sink    *recordingSink
}

func newHarness(t *testing.T, mutate func(*Config, *Dependencies)) *harness {
	t.Helper()
	h := &harness{
		t:    t,
		ch:   newFakeChannel(),
		out:  &fakeOutput{},
		mic:  newFakeMic(),
		sink: &recordingSink{reports: make(chan reports.Report, 8)},
	}
	h.dialer = &fakeDialer{ch: h.ch}
	cfg := Config{Student: "Sam", TerminationGrace: 50 * time.Millisecond}
	deps := Dependencies{
		Dialer:         h.dialer,
		OpenOutput:     func() (playback.Output, error) { return h.out, nil },
		OpenMicrophone: func() (capture.Source, error) { return h.mic, nil },
		Reports:        h.sink,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	h.session = New(cfg, deps)
	t.Cleanup(h.session.Stop)
	return h
}

func (h *harness) start() {
	h.t.Helper()
	if err := h.session.Start(context.Background()); err != nil {
		h.t.Fatalf("start: %v", err)
	}
	h.ch.events <- OpenEvent{}
	h.waitPhase(PhaseActive)
}

func (h *harness) waitPhase(want Phase) {
	h.t.Helper()
	waitFor(h.t, func() bool { return h.session.Snapshot().Phase == want }, "phase "+want.String())
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) nextReport() reports.Report {
	h.t.Helper()
	select {
	case r := <-h.sink.reports:
		return r
	case <-time.After(2 * time.Second):
		h.t.Fatal("no report delivered")
		return reports.Report{}
	}
}

func (h *harness) noReport() {
	h.t.Helper()
	select {
	case r := <-h.sink.reports:
		h.t.Fatalf("unexpected report %+v", r)
	case <-time.After(30 * time.Millisecond):
	}
}

// syncEvents waits until every queued event has been handled.
func (h *harness) syncEvents() {
	h.t.Helper()
	waitFor(h.t, func() bool { return len(h.ch.events) == 0 }, "event queue drained")
	time.Sleep(5 * time.Millisecond)
}

func constFrame(v float32) []float32 {
	f := make([]float32, 8)
	for i := range f {
		f[i] = v
	}
	return f
}

func TestStart_OpenActivatesAndGreets(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	st := h.session.Snapshot()
	if !st.Listening || st.Muted || st.Speaking {
		t.Fatalf("state=%+v", st)
	}
	waitFor(t, func() bool { return len(h.ch.outbound()) > 0 }, "greeting")
	greet, ok := h.ch.outbound()[0].(TextInput)
	if !ok || !strings.HasPrefix(greet.Text, "Hi! I am Shellie the turtle.") {
		t.Fatalf("first outbound=%#v", h.ch.outbound()[0])
	}

	h.dialer.mu.Lock()
	cfg := h.dialer.cfg
	h.dialer.mu.Unlock()
	if cfg.Voice != "Puck" || len(cfg.Tools) != 3 || !strings.Contains(cfg.SystemInstruction, "No specific class context provided.") {
		t.Fatalf("connect config=%+v", cfg)
	}
}

func TestStart_OnlyFromIdle(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	if err := h.session.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("err=%v, want ErrAlreadyStarted", err)
	}
	h.session.Stop()
	if err := h.session.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("closed session restarted: %v", err)
	}
}

func TestStart_MicrophoneFailureReleasesSpeaker(t *testing.T) {
	h := newHarness(t, func(_ *Config, d *Dependencies) {
		d.OpenMicrophone = func() (capture.Source, error) { return nil, errors.New("permission denied") }
	})
	err := h.session.Start(context.Background())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("err=%v, want ErrDeviceUnavailable", err)
	}
	if h.session.Snapshot().Phase != PhaseClosed {
		t.Fatalf("phase=%v", h.session.Snapshot().Phase)
	}
	if _, _, closed := h.out.counts(); closed != 1 {
		t.Fatalf("speaker closed %d times, want 1", closed)
	}
	select {
	case <-h.session.Done():
	default:
		t.Fatal("done not closed")
	}
	if !errors.Is(h.session.Err(), ErrDeviceUnavailable) {
		t.Fatalf("Err()=%v", h.session.Err())
	}
}

func TestStart_DialFailureReleasesDevices(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.err = errors.New("bad api key")
	if err := h.session.Start(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
	if h.mic.closeCount() != 1 {
		t.Fatalf("mic closed %d times", h.mic.closeCount())
	}
	if _, _, closed := h.out.counts(); closed != 1 {
		t.Fatalf("speaker closed %d times", closed)
	}
}

func TestStart_ConnectTimeout(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Dependencies) { c.ConnectTimeout = 20 * time.Millisecond })
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.waitPhase(PhaseClosed)
	if !errors.Is(h.session.Err(), ErrConnectTimeout) {
		t.Fatalf("Err()=%v", h.session.Err())
	}
	if h.session.Snapshot().EndReason != EndTimeout {
		t.Fatalf("reason=%v", h.session.Snapshot().EndReason)
	}
}

func TestCapture_SendsFramesWhileActive(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	h.mic.frames <- constFrame(0.25)
	waitFor(t, func() bool { return len(h.ch.audioFrames()) == 1 }, "audio frame")
	if got := h.ch.audioFrames()[0]; got.MIMEType != audio.InputMIMEType {
		t.Fatalf("blob=%+v", got)
	}
}

func TestCapture_MuteDropsFrames(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	if err := h.session.SetMuted(true); err != nil {
		t.Fatalf("mute: %v", err)
	}
	muted := audio.FloatsToPCMBlob(constFrame(0.5))
	h.mic.frames <- constFrame(0.5)
	// The pipeline reads frames one at a time, so once the second frame is
	// taken the first has been fully handled.
	h.mic.frames <- constFrame(0.75)

	if on, err := h.session.ToggleMute(); err != nil || on {
		t.Fatalf("toggle=%v err=%v", on, err)
	}
	h.mic.frames <- constFrame(0.25)
	want := audio.FloatsToPCMBlob(constFrame(0.25))
	waitFor(t, func() bool {
		for _, b := range h.ch.audioFrames() {
			if b.Data == want.Data {
				return true
			}
		}
		return false
	}, "unmuted frame")

	for _, b := range h.ch.audioFrames() {
		if b.Data == muted.Data {
			t.Fatal("frame captured while muted was sent")
		}
	}
}

func TestMute_OnlyWhileActive(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.session.SetMuted(true); !errors.Is(err, ErrNotActive) {
		t.Fatalf("err=%v", err)
	}
	if _, err := h.session.ToggleMute(); !errors.Is(err, ErrNotActive) {
		t.Fatalf("err=%v", err)
	}
}

func TestSafety_FragmentReportsImmediatelyOncePerTurn(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	h.ch.events <- InputTranscriptEvent{Text: "I feel sad "}
	r := h.nextReport()
	if r.Severity != safety.SeverityMedium || r.ChildMessage != "I feel sad " || r.Student != "Sam" {
		t.Fatalf("report=%+v", r)
	}

	h.ch.events <- InputTranscriptEvent{Text: "so sad"}
	h.ch.events <- TurnCompleteEvent{}
	h.noReport()

	h.ch.events <- InputTranscriptEvent{Text: "they hit me"}
	if r := h.nextReport(); r.ChildMessage != "they hit me" {
		t.Fatalf("second turn report=%+v", r)
	}
}

func TestSafety_EscalationWithinTurnReportsAgain(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	h.ch.events <- InputTranscriptEvent{Text: "I feel sad "}
	if r := h.nextReport(); r.Severity != safety.SeverityMedium {
		t.Fatalf("first report=%+v", r)
	}

	h.ch.events <- InputTranscriptEvent{Text: "because someone will kill me"}
	r := h.nextReport()
	if r.Severity != safety.SeverityHigh || r.ChildMessage != "because someone will kill me" {
		t.Fatalf("escalated report=%+v", r)
	}

	h.ch.events <- TurnCompleteEvent{}
	h.noReport()
}

func TestSafety_NewWordWithinTurnReportsAgain(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	h.ch.events <- InputTranscriptEvent{Text: "I feel sad "}
	h.nextReport()

	h.ch.events <- InputTranscriptEvent{Text: "and scared"}
	r := h.nextReport()
	if r.Severity != safety.SeverityMedium || !slices.Contains(r.Matches, "scared") {
		t.Fatalf("report=%+v", r)
	}
}

func TestSafety_ClearHistoryResetsTurnReporting(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	h.ch.events <- InputTranscriptEvent{Text: "I feel sad "}
	h.nextReport()
	h.syncEvents()

	h.session.ClearHistory()
	h.ch.events <- InputTranscriptEvent{Text: "I feel sad "}
	if r := h.nextReport(); r.ChildMessage != "I feel sad " {
		t.Fatalf("report after clear=%+v", r)
	}
	h.ch.events <- InputTranscriptEvent{Text: "they hurt me"}
	if r := h.nextReport(); r.Severity != safety.SeverityHigh {
		t.Fatalf("report=%+v", r)
	}
}

func TestSafety_TurnLevelCatchesSplitKeyword(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	h.ch.events <- InputTranscriptEvent{Text: "I want to ki"}
	h.ch.events <- InputTranscriptEvent{Text: "ll the spider"}
	h.noReport()
	h.ch.events <- TurnCompleteEvent{}

	r := h.nextReport()
	if r.Severity != safety.SeverityHigh || r.ChildMessage != "I want to kill the spider" {
		t.Fatalf("report=%+v", r)
	}
	h.syncEvents()
	if st := h.session.Snapshot(); st.Transcript != "" || st.LiveSpeech != "" {
		t.Fatalf("turn not flushed: %+v", st)
	}
}

func TestTranscript_LiveSpeechIsBounded(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	long := strings.Repeat("ábc ", 40)
	h.ch.events <- InputTranscriptEvent{Text: long}
	h.syncEvents()

	st := h.session.Snapshot()
	if st.Transcript != long {
		t.Fatalf("transcript lost text")
	}
	if n := len([]rune(st.LiveSpeech)); n != DefaultLiveSpeechLimit {
		t.Fatalf("live speech has %d runes, want %d", n, DefaultLiveSpeechLimit)
	}
	if !strings.HasSuffix(long, st.LiveSpeech) {
		t.Fatal("live speech is not the tail of the transcript")
	}

	h.session.ClearHistory()
	if st := h.session.Snapshot(); st.Transcript != "" || st.LiveSpeech != "" {
		t.Fatalf("history not cleared: %+v", st)
	}
}

func TestTermination_GraceThenCloseExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	h.ch.events <- InputTranscriptEvent{Text: "Okay, bye Shellie!"}
	h.waitPhase(PhaseTerminating)
	if h.session.AllowCapture() {
		t.Fatal("capture gate open while terminating")
	}
	h.ch.events <- InputTranscriptEvent{Text: "goodbye shellie"}
	h.ch.events <- TurnCompleteEvent{}

	select {
	case <-h.session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after grace")
	}
	h.session.Stop()

	if got := h.ch.closeCount(); got != 1 {
		t.Fatalf("channel closed %d times", got)
	}
	if got := h.mic.closeCount(); got != 1 {
		t.Fatalf("mic closed %d times", got)
	}
	if _, _, closed := h.out.counts(); closed != 1 {
		t.Fatalf("speaker closed %d times", closed)
	}
	st := h.session.Snapshot()
	if st.Phase != PhaseClosed || st.EndReason != EndFarewell || st.Transcript != "" {
		t.Fatalf("state=%+v", st)
	}
}

func TestTermination_SplitPhraseAtTurnComplete(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	h.ch.events <- InputTranscriptEvent{Text: "thank you "}
	h.ch.events <- InputTranscriptEvent{Text: "bye"}
	h.syncEvents()
	if h.session.Snapshot().Phase != PhaseActive {
		t.Fatal("terminated before turn completed")
	}
	h.ch.events <- TurnCompleteEvent{}
	waitFor(t, func() bool {
		p := h.session.Snapshot().Phase
		return p == PhaseTerminating || p == PhaseClosed
	}, "termination")
}

func TestChannelError_ClosesImmediately(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Dependencies) { c.TerminationGrace = time.Hour })
	h.start()

	boom := errors.New("socket reset")
	h.ch.events <- ErrorEvent{Err: boom}
	select {
	case <-h.session.Done():
	case <-time.After(time.Second):
		t.Fatal("error did not close session")
	}
	if !errors.Is(h.session.Err(), boom) {
		t.Fatalf("Err()=%v", h.session.Err())
	}
	if h.session.Snapshot().EndReason != EndError {
		t.Fatalf("reason=%v", h.session.Snapshot().EndReason)
	}
}

func TestChannelEventsClosed_ClosesSession(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	close(h.ch.events)
	select {
	case <-h.session.Done():
	case <-time.After(time.Second):
		t.Fatal("closed event stream did not close session")
	}
	if h.session.Snapshot().EndReason != EndRemote {
		t.Fatalf("reason=%v", h.session.Snapshot().EndReason)
	}
}

func TestPlayback_AudioAndInterrupt(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	chunk := audio.EncodeBytes(make([]byte, 480))
	h.ch.events <- AudioEvent{Data: chunk, MIMEType: "audio/pcm;rate=24000"}
	h.ch.events <- AudioEvent{Data: chunk, MIMEType: "audio/pcm;rate=24000"}
	waitFor(t, func() bool { return h.session.Snapshot().Speaking }, "speaking")

	h.ch.events <- InterruptedEvent{}
	waitFor(t, func() bool { return !h.session.Snapshot().Speaking }, "speaking ended")

	played, stopped, _ := h.out.counts()
	if played != 2 || stopped != 2 {
		t.Fatalf("played=%d stopped=%d, want 2/2", played, stopped)
	}
}

func TestPlayback_BadAudioIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.ch.events <- AudioEvent{Data: "!!!"}
	h.syncEvents()
	if played, _, _ := h.out.counts(); played != 0 {
		t.Fatalf("played=%d", played)
	}
	if h.session.Snapshot().Phase != PhaseActive {
		t.Fatal("bad audio ended the session")
	}
}

type gatedTools struct {
	release chan struct{}
}

func (g gatedTools) Respond(_ context.Context, c tools.Call) tools.Response {
	if c.Name == "slow" {
		<-g.release
	}
	return tools.Response{ID: c.ID, Name: c.Name, Payload: map[string]any{"result": map[string]any{"ok": true}}}
}

func TestTools_ConcurrentCallsAnsweredIndependently(t *testing.T) {
	g := gatedTools{release: make(chan struct{})}
	h := newHarness(t, func(_ *Config, d *Dependencies) { d.Tools = g })
	h.start()

	h.ch.events <- ToolCallEvent{Calls: []tools.Call{
		{ID: "1", Name: "slow"},
		{ID: "2", Name: "fast"},
	}}
	waitFor(t, func() bool { return len(h.ch.toolResponses()) == 1 }, "fast tool response")
	if got := h.ch.toolResponses()[0]; got.ID != "2" {
		t.Fatalf("first response id=%q, want 2", got.ID)
	}

	close(g.release)
	waitFor(t, func() bool { return len(h.ch.toolResponses()) == 2 }, "slow tool response")
	if got := h.ch.toolResponses()[1]; got.ID != "1" || got.Name != "slow" {
		t.Fatalf("second response=%+v", got)
	}
}

func TestTools_DefaultDispatcherAnswersUnknownTool(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	h.ch.events <- ToolCallEvent{Calls: []tools.Call{{ID: "x", Name: "flyToMoon"}}}
	waitFor(t, func() bool { return len(h.ch.toolResponses()) == 1 }, "tool response")

	resp := h.ch.toolResponses()[0]
	result, _ := resp.Payload["result"].(map[string]any)
	if result["error"] != "Unknown tool requested." {
		t.Fatalf("payload=%v", resp.Payload)
	}
}

func TestStop_IdempotentFromAnyPhase(t *testing.T) {
	idle := newHarness(t, nil)
	idle.session.Stop()
	idle.session.Stop()
	if idle.session.Snapshot().Phase != PhaseClosed {
		t.Fatal("idle stop did not close")
	}

	h := newHarness(t, nil)
	h.start()
	h.session.Stop()
	h.session.Stop()
	if h.ch.closeCount() != 1 || h.mic.closeCount() != 1 {
		t.Fatalf("channel=%d mic=%d closes", h.ch.closeCount(), h.mic.closeCount())
	}
	if h.session.AllowCapture() {
		t.Fatal("capture allowed after stop")
	}
}

func TestHooks_ObserveStateChanges(t *testing.T) {
	var (
		mu     sync.Mutex
		phases []Phase
	)
	h := newHarness(t, func(_ *Config, d *Dependencies) {
		d.Hooks.OnStateChange = func(s State) {
			mu.Lock()
			phases = append(phases, s.Phase)
			mu.Unlock()
		}
	})
	h.start()
	h.session.Stop()

	mu.Lock()
	defer mu.Unlock()
	if phases[0] != PhaseConnecting || phases[len(phases)-1] != PhaseClosed {
		t.Fatalf("phases=%v", phases)
	}
}

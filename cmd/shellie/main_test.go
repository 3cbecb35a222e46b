package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/shellie/pkg/audio"
	"github.com/vango-go/shellie/pkg/capture"
	"github.com/vango-go/shellie/pkg/classroom"
	"github.com/vango-go/shellie/pkg/config"
	"github.com/vango-go/shellie/pkg/playback"
	"github.com/vango-go/shellie/pkg/session"
	"github.com/vango-go/shellie/pkg/tools"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type stubChannel struct {
	events    chan session.Event
	closeOnce sync.Once
	closed    chan struct{}
}

func newStubChannel() *stubChannel {
	ch := &stubChannel{events: make(chan session.Event, 4), closed: make(chan struct{})}
	ch.events <- session.OpenEvent{}
	return ch
}

func (c *stubChannel) Send(session.Outbound) error { return nil }
func (c *stubChannel) Events() <-chan session.Event { return c.events }
func (c *stubChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		close(c.events)
	})
	return nil
}

type stubDialer struct {
	mu    sync.Mutex
	cfgs  []session.ConnectConfig
	chans []*stubChannel
}

func (d *stubDialer) Dial(_ context.Context, cfg session.ConnectConfig) (session.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := newStubChannel()
	d.cfgs = append(d.cfgs, cfg)
	d.chans = append(d.chans, ch)
	return ch, nil
}

type stubOutput struct{}

func (stubOutput) Now() float64 { return 0 }
func (stubOutput) Play(*audio.Buffer, float64, func()) (playback.Source, error) {
	return nil, errors.New("not playing in tests")
}
func (stubOutput) Close() error { return nil }

type stubMic struct {
	frames chan []float32
	once   sync.Once
}

func (m *stubMic) Frames() <-chan []float32 { return m.frames }
func (m *stubMic) Close() error {
	m.once.Do(func() { close(m.frames) })
	return nil
}

func testConfig() config.Config {
	return config.Config{
		GeminiAPIKey:        "k",
		Voice:               "Puck",
		LogLevel:            "error",
		LogFormat:           "text",
		TerminationGrace:    10 * time.Millisecond,
		ConnectTimeout:      time.Second,
		LocationMode:        config.LocationDenied,
		LocateTimeout:       time.Second,
		ToolHTTPTimeout:     time.Second,
		DashboardAddr:       config.DashboardDisabled,
		ShutdownGracePeriod: time.Second,
	}
}

func testDeps(dialer session.Dialer) appDeps {
	return appDeps{
		loadConfig: func() (config.Config, error) { return testConfig(), nil },
		newDialer: func(context.Context, config.Config, *slog.Logger) (session.Dialer, error) {
			return dialer, nil
		},
		openOutput: func() (playback.Output, error) { return stubOutput{}, nil },
		openMicrophone: func() (capture.Source, error) {
			return &stubMic{frames: make(chan []float32)}, nil
		},
		signalNotify: func(chan<- os.Signal, ...os.Signal) {},
		signalStop:   func(chan<- os.Signal) {},
	}
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	deps := testDeps(&stubDialer{})
	deps.loadConfig = func() (config.Config, error) { return config.Config{}, errors.New("boom") }
	deps.newDialer = func(context.Context, config.Config, *slog.Logger) (session.Dialer, error) {
		t.Fatalf("newDialer should not be called when config load fails")
		return nil, nil
	}

	var stderr bytes.Buffer
	code := runMain(context.Background(), nil, strings.NewReader(""), &bytes.Buffer{}, &stderr, deps)
	if code != 1 {
		t.Fatalf("exitCode=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "boom") {
		t.Fatalf("stderr=%q", stderr.String())
	}
}

func TestRunShellie_MissingDependencies(t *testing.T) {
	err := runShellie(context.Background(), nil, strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{}, appDeps{})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseFlags(t *testing.T) {
	f, err := parseFlags([]string{"-voice", "kore", "-student", "Ava", "-dashboard", "off"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if f.Voice != "kore" || f.Student != "Ava" || f.Dashboard != "off" {
		t.Fatalf("flags=%+v", f)
	}
	if _, err := parseFlags([]string{"extra"}); err == nil {
		t.Fatalf("expected error for positional args")
	}
	if _, err := parseFlags([]string{"-nope"}); err == nil {
		t.Fatalf("expected error for unknown flag")
	}
}

func TestApplyFlags(t *testing.T) {
	cfg, err := applyFlags(testConfig(), cliFlags{Voice: "zephyr", Student: "Ava"})
	if err != nil {
		t.Fatalf("applyFlags: %v", err)
	}
	if cfg.Voice != "Zephyr" || cfg.Student != "Ava" {
		t.Fatalf("cfg voice=%q student=%q", cfg.Voice, cfg.Student)
	}
	if _, err := applyFlags(testConfig(), cliFlags{Voice: "robot"}); err == nil {
		t.Fatalf("expected error for unknown voice")
	}
}

func TestSetupLogger_Level(t *testing.T) {
	cfg := testConfig()
	cfg.LogLevel = "warn"
	logger := setupLogger(cfg, &bytes.Buffer{})
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("info should be disabled at warn")
	}
	if !logger.Enabled(context.Background(), slog.LevelWarn) {
		t.Fatalf("warn should be enabled")
	}
}

func TestBuildHTTPServer_UsesDashboardAddress(t *testing.T) {
	cfg := testConfig()
	cfg.DashboardAddr = "127.0.0.1:9999"
	cfg.ReadHeaderTimeout = 2 * time.Second
	srv := buildHTTPServer(cfg, http.NotFoundHandler())
	if srv.Addr != cfg.DashboardAddr || srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("server=%+v", srv)
	}
}

func TestLocatorFor(t *testing.T) {
	cfg := testConfig()
	if _, ok := locatorFor(cfg, classroom.Manifest{}).(tools.DeniedLocator); !ok {
		t.Fatalf("default should deny location")
	}

	withRoom := classroom.Manifest{Location: &classroom.ManifestLocation{Latitude: 1, Longitude: 2}}
	loc, ok := locatorFor(cfg, withRoom).(tools.StaticLocator)
	if !ok || loc.Position.Latitude != 1 || loc.Position.Longitude != 2 {
		t.Fatalf("manifest location not used: %#v", loc)
	}

	cfg.LocationMode = config.LocationIP
	if _, ok := locatorFor(cfg, withRoom).(*tools.IPLocator); !ok {
		t.Fatalf("ip mode should use the ip locator")
	}

	cfg.LocationMode = config.LocationStatic
	cfg.Latitude, cfg.Longitude = 5, 6
	loc, ok = locatorFor(cfg, withRoom).(tools.StaticLocator)
	if !ok || loc.Position.Latitude != 5 {
		t.Fatalf("static mode should win: %#v", loc)
	}
}

func TestRunShellie_Commands(t *testing.T) {
	in := strings.NewReader(strings.Join([]string{
		"/voice",
		"/voice kore",
		"/voice robot",
		"/reports",
		"/docs",
		"/mute",
		"/archive",
		"/bogus",
		"/quit",
	}, "\n") + "\n")
	out := &syncBuffer{}
	errOut := &syncBuffer{}

	if err := runShellie(context.Background(), nil, in, out, errOut, testDeps(&stubDialer{})); err != nil {
		t.Fatalf("runShellie: %v", err)
	}
	for _, want := range []string{"voice: Puck", "voice set to Kore", "no safety reports", "no class documents", "archived 0 report(s)", "bye"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("stdout missing %q:\n%s", want, out.String())
		}
	}
	for _, want := range []string{`unknown voice "robot"`, "no conversation is running", `unknown command "/bogus"`} {
		if !strings.Contains(errOut.String(), want) {
			t.Fatalf("stderr missing %q:\n%s", want, errOut.String())
		}
	}
}

func TestRunShellie_TalkAndEnd(t *testing.T) {
	dialer := &stubDialer{}
	in := strings.NewReader("/voice charon\n/talk\n/talk\n/end\n/quit\n")
	out := &syncBuffer{}
	errOut := &syncBuffer{}

	if err := runShellie(context.Background(), nil, in, out, errOut, testDeps(dialer)); err != nil {
		t.Fatalf("runShellie: %v", err)
	}

	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	if len(dialer.cfgs) != 1 {
		t.Fatalf("dials=%d, want 1", len(dialer.cfgs))
	}
	if dialer.cfgs[0].Voice != "Charon" {
		t.Fatalf("voice=%q", dialer.cfgs[0].Voice)
	}
	if len(dialer.cfgs[0].Tools) != 3 {
		t.Fatalf("tools=%d", len(dialer.cfgs[0].Tools))
	}
	select {
	case <-dialer.chans[0].closed:
	default:
		t.Fatalf("channel should be closed after /end")
	}
}

func TestRunShellie_ManifestSetsStudentAndDocuments(t *testing.T) {
	dir := t.TempDir()
	manifest := dir + "/class.yaml"
	body := "class: Room 4\nstudent: Ava\nvoice: fenrir\ndocuments:\n  - name: plan.md\n    content: Shells and tides.\n"
	if err := os.WriteFile(manifest, []byte(body), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	dialer := &stubDialer{}
	in := strings.NewReader("/docs\n/talk\n/end\n/quit\n")
	out := &syncBuffer{}
	if err := runShellie(context.Background(), []string{"-manifest", manifest}, in, out, &syncBuffer{}, testDeps(dialer)); err != nil {
		t.Fatalf("runShellie: %v", err)
	}
	if !strings.Contains(out.String(), "plan.md") {
		t.Fatalf("documents not listed:\n%s", out.String())
	}
	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	if len(dialer.cfgs) != 1 {
		t.Fatalf("dials=%d", len(dialer.cfgs))
	}
	if dialer.cfgs[0].Voice != "Fenrir" {
		t.Fatalf("voice=%q", dialer.cfgs[0].Voice)
	}
	if !strings.Contains(dialer.cfgs[0].SystemInstruction, "[plan.md]: Shells and tides.") {
		t.Fatalf("system instruction missing class context")
	}
}

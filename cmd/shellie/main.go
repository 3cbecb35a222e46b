package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/vango-go/shellie/pkg/audio"
	"github.com/vango-go/shellie/pkg/capture"
	"github.com/vango-go/shellie/pkg/classroom"
	"github.com/vango-go/shellie/pkg/config"
	"github.com/vango-go/shellie/pkg/dashboard"
	"github.com/vango-go/shellie/pkg/metrics"
	"github.com/vango-go/shellie/pkg/playback"
	"github.com/vango-go/shellie/pkg/providers/gemini"
	"github.com/vango-go/shellie/pkg/reports"
	"github.com/vango-go/shellie/pkg/session"
	"github.com/vango-go/shellie/pkg/tools"
)

type appDeps struct {
	loadConfig     func() (config.Config, error)
	newDialer      func(context.Context, config.Config, *slog.Logger) (session.Dialer, error)
	openOutput     func() (playback.Output, error)
	openMicrophone func() (capture.Source, error)
	signalNotify   func(chan<- os.Signal, ...os.Signal)
	signalStop     func(chan<- os.Signal)
}

func defaultAppDeps() appDeps {
	return appDeps{
		loadConfig: config.LoadFromEnv,
		newDialer: func(ctx context.Context, cfg config.Config, logger *slog.Logger) (session.Dialer, error) {
			return gemini.NewDialer(ctx, gemini.DialerConfig{APIKey: cfg.GeminiAPIKey, Model: cfg.Model, Logger: logger})
		},
		openOutput: func() (playback.Output, error) {
			return playback.OpenSpeaker(audio.OutputSampleRate, 1)
		},
		openMicrophone: func() (capture.Source, error) {
			return capture.OpenMicrophone()
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

type cliFlags struct {
	Voice     string
	Student   string
	Dashboard string
	Manifest  string
}

func parseFlags(args []string) (cliFlags, error) {
	var f cliFlags
	fs := flag.NewFlagSet("shellie", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&f.Voice, "voice", "", "voice for new sessions (overrides SHELLIE_VOICE)")
	fs.StringVar(&f.Student, "student", "", "student name attached to reports")
	fs.StringVar(&f.Dashboard, "dashboard", "", "dashboard listen address, or off")
	fs.StringVar(&f.Manifest, "manifest", "", "class manifest YAML file")
	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}
	if fs.NArg() > 0 {
		return cliFlags{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return f, nil
}

// applyFlags layers flags over cfg. Flags win over the environment.
func applyFlags(cfg config.Config, f cliFlags) (config.Config, error) {
	if f.Voice != "" {
		voice, ok := classroom.ValidVoice(f.Voice)
		if !ok {
			return config.Config{}, fmt.Errorf("unknown voice %q", f.Voice)
		}
		cfg.Voice = voice
	}
	if f.Student != "" {
		cfg.Student = f.Student
	}
	if f.Dashboard != "" {
		cfg.DashboardAddr = f.Dashboard
	}
	if f.Manifest != "" {
		cfg.ManifestPath = f.Manifest
	}
	return cfg, nil
}

func setupLogger(cfg config.Config, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.DashboardAddr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runShellie(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer, deps appDeps) error {
	if deps.loadConfig == nil || deps.newDialer == nil {
		return errors.New("missing config or dialer dependency")
	}
	if deps.openOutput == nil || deps.openMicrophone == nil {
		return errors.New("missing audio device dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	flags, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg, err = applyFlags(cfg, flags); err != nil {
		return err
	}
	logger := setupLogger(cfg, errOut)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := metrics.NewMetrics("shellie")

	lib, manifest, err := loadLibrary(cfg, logger)
	if err != nil {
		return err
	}
	if manifest.Student != "" && flags.Student == "" {
		cfg.Student = manifest.Student
	}
	if manifest.Voice != "" && flags.Voice == "" {
		voice, ok := classroom.ValidVoice(manifest.Voice)
		if !ok {
			return fmt.Errorf("manifest voice %q is not a known voice", manifest.Voice)
		}
		cfg.Voice = voice
	}

	book, closeBook, err := openBook(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	defer closeBook()

	dialer, err := deps.newDialer(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("create dialer: %w", err)
	}

	listenErrCh := make(chan error, 1)
	var httpSrv *http.Server
	if cfg.DashboardEnabled() {
		dash := dashboard.New(dashboard.Config{
			Book:         book,
			Library:      lib,
			Metrics:      m,
			Logger:       logger,
			PingInterval: cfg.WSPingInterval,
			WriteTimeout: cfg.WSWriteTimeout,
		})
		httpSrv = buildHTTPServer(cfg, dash.Handler())
		logger.Info("starting teacher dashboard", "addr", cfg.DashboardAddr)
		go func() {
			err := httpSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				listenErrCh <- err
				return
			}
			listenErrCh <- nil
		}()
	}

	c := &console{
		cfg:     cfg,
		out:     out,
		errOut:  errOut,
		book:    book,
		library: lib,
		voice:   cfg.Voice,
		logger:  logger,
		prompt:  isTerminal(in),
		newSession: func(voice string, hooks session.Hooks) *session.Session {
			return session.New(session.Config{
				Voice:            voice,
				Student:          cfg.Student,
				TerminationGrace: cfg.TerminationGrace,
				ConnectTimeout:   cfg.ConnectTimeout,
			}, session.Dependencies{
				Dialer:         dialer,
				OpenOutput:     deps.openOutput,
				OpenMicrophone: deps.openMicrophone,
				Tools:          buildTools(cfg, manifest, logger, m),
				Reports:        book,
				Library:        lib,
				Logger:         logger,
				Metrics:        m,
				Hooks:          hooks,
			})
		},
	}
	defer c.endSession()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	lines := readLines(ctx, in)
	c.banner()
	runErr := c.loop(ctx, lines, sigCh, listenErrCh)

	c.endSession()
	if httpSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer shutdownCancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && runErr == nil {
			runErr = fmt.Errorf("shutdown dashboard: %w", err)
		}
	}
	logger.Info("shellie stopped")
	return runErr
}

func loadLibrary(cfg config.Config, logger *slog.Logger) (*classroom.Library, classroom.Manifest, error) {
	if cfg.ManifestPath == "" {
		return classroom.NewLibrary(), classroom.Manifest{}, nil
	}
	manifest, docs, err := classroom.LoadManifest(cfg.ManifestPath)
	if err != nil {
		return nil, classroom.Manifest{}, err
	}
	logger.Info("class manifest loaded", "class", manifest.Class, "documents", len(docs))
	return classroom.NewLibrary(docs...), manifest, nil
}

// openBook picks the report store and archive from cfg. The returned func
// releases them.
func openBook(ctx context.Context, cfg config.Config, logger *slog.Logger, m *metrics.Metrics) (*reports.Book, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	bookCfg := reports.BookConfig{Logger: logger, Metrics: m}
	if cfg.RedisURL != "" {
		store, err := reports.NewRedisStore(ctx, reports.RedisStoreParams{URL: cfg.RedisURL, Key: cfg.RedisKey})
		if err != nil {
			return nil, nil, fmt.Errorf("open report store: %w", err)
		}
		closers = append(closers, func() { _ = store.Close() })
		bookCfg.Store = store
		logger.Info("reports stored in redis", "key", cfg.RedisKey)
	}
	if cfg.DatabaseURL != "" {
		archive, err := reports.OpenPostgresArchive(ctx, cfg.DatabaseURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("open report archive: %w", err)
		}
		closers = append(closers, archive.Close)
		bookCfg.Archive = archive
		logger.Info("report archive enabled")
	}
	book := reports.NewBook(bookCfg)
	closers = append(closers, book.Hub().Close)
	return book, closeAll, nil
}

func locatorFor(cfg config.Config, manifest classroom.Manifest) tools.Locator {
	switch cfg.LocationMode {
	case config.LocationStatic:
		return tools.StaticLocator{Position: tools.Position{Latitude: cfg.Latitude, Longitude: cfg.Longitude}}
	case config.LocationIP:
		return tools.NewIPLocator(cfg.IPLocateBaseURL, &http.Client{Timeout: cfg.ToolHTTPTimeout})
	}
	if manifest.Location != nil {
		return tools.StaticLocator{Position: tools.Position{
			Latitude:  manifest.Location.Latitude,
			Longitude: manifest.Location.Longitude,
		}}
	}
	return tools.DeniedLocator{}
}

func buildTools(cfg config.Config, manifest classroom.Manifest, logger *slog.Logger, m *metrics.Metrics) *tools.Dispatcher {
	return tools.NewDispatcher(tools.Config{
		Locator:       locatorFor(cfg, manifest),
		Weather:       tools.NewWeatherClient(cfg.WeatherBaseURL, &http.Client{Timeout: cfg.ToolHTTPTimeout}),
		LocateTimeout: cfg.LocateTimeout,
		Logger:        logger,
		Metrics:       m,
	})
}

func runMain(ctx context.Context, args []string, in io.Reader, out, stderr io.Writer, deps appDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(stderr, "shellie: load .env: %v\n", err)
		return 1
	}
	if err := runShellie(ctx, args, in, out, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "shellie: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr, defaultAppDeps()))
}

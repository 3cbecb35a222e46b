package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/vango-go/shellie/pkg/classroom"
	"github.com/vango-go/shellie/pkg/config"
	"github.com/vango-go/shellie/pkg/reports"
	"github.com/vango-go/shellie/pkg/session"
)

const helpText = `commands:
  /talk          start talking to Shellie
  /mute          mute or unmute the microphone
  /clear         clear the live transcript
  /end           end the conversation
  /reports       list safety reports
  /archive       archive and clear reports
  /docs          list class documents
  /voice [name]  show or change the voice for the next conversation
  /quit          exit`

// console drives sessions from text commands. One session runs at a time.
type console struct {
	cfg     config.Config
	out     io.Writer
	errOut  io.Writer
	book    *reports.Book
	library *classroom.Library
	logger  *slog.Logger

	newSession func(voice string, hooks session.Hooks) *session.Session

	// prompt prints "> " before each read when input is a terminal.
	prompt bool

	mu        sync.Mutex
	voice     string
	current   *session.Session
	lastPhase session.Phase
}

func (c *console) banner() {
	fmt.Fprintf(c.out, "Shellie is ready (voice %s). Type /talk to start, /help for commands.\n", c.voice)
	if c.cfg.DashboardEnabled() {
		fmt.Fprintf(c.out, "Teacher dashboard: http://%s\n", c.cfg.DashboardAddr)
	}
}

func isTerminal(in io.Reader) bool {
	f, ok := in.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func readLines(ctx context.Context, in io.Reader) <-chan string {
	if in == nil {
		in = os.Stdin
	}
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

func (c *console) loop(ctx context.Context, lines <-chan string, sigCh <-chan os.Signal, listenErrCh <-chan error) error {
	for {
		if c.prompt {
			fmt.Fprint(c.out, "> ")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-sigCh:
			c.logger.Info("shutdown signal received", "signal", sig.String())
			return nil
		case err := <-listenErrCh:
			if err != nil {
				return fmt.Errorf("serve dashboard: %w", err)
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			if quit := c.handleCommand(ctx, line); quit {
				return nil
			}
		}
	}
}

// handleCommand runs one line and reports whether the console should exit.
func (c *console) handleCommand(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		fmt.Fprintln(c.out, "bye")
		return true
	case "/help":
		fmt.Fprintln(c.out, helpText)
	case "/talk":
		c.startSession(ctx)
	case "/mute":
		s := c.active()
		if s == nil {
			fmt.Fprintln(c.errOut, "no conversation is running")
			return false
		}
		muted, err := s.ToggleMute()
		if err != nil {
			fmt.Fprintf(c.errOut, "mute: %v\n", err)
			return false
		}
		if muted {
			fmt.Fprintln(c.out, "microphone muted")
		} else {
			fmt.Fprintln(c.out, "microphone live")
		}
	case "/clear":
		if s := c.active(); s != nil {
			s.ClearHistory()
		}
		fmt.Fprintln(c.out, "transcript cleared")
	case "/end":
		if c.active() == nil {
			fmt.Fprintln(c.errOut, "no conversation is running")
			return false
		}
		c.endSession()
	case "/reports":
		c.printReports(ctx)
	case "/archive":
		n, err := c.book.Archive(ctx)
		if err != nil {
			fmt.Fprintf(c.errOut, "archive: %v\n", err)
			return false
		}
		fmt.Fprintf(c.out, "archived %d report(s)\n", n)
	case "/docs":
		docs := c.library.List()
		if len(docs) == 0 {
			fmt.Fprintln(c.out, "no class documents")
			return false
		}
		for _, d := range docs {
			fmt.Fprintf(c.out, "  %s (%s, %s)\n", d.Name, d.Type, d.Size)
		}
	case "/voice":
		c.changeVoice(arg)
	default:
		fmt.Fprintf(c.errOut, "unknown command %q, try /help\n", cmd)
	}
	return false
}

func (c *console) active() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	select {
	case <-c.current.Done():
		c.current = nil
		return nil
	default:
		return c.current
	}
}

func (c *console) startSession(ctx context.Context) {
	if c.active() != nil {
		fmt.Fprintln(c.errOut, "a conversation is already running, /end it first")
		return
	}
	c.mu.Lock()
	voice := c.voice
	c.lastPhase = session.PhaseIdle
	c.mu.Unlock()

	s := c.newSession(voice, session.Hooks{
		OnStateChange: c.onState,
		OnReport:      c.onReport,
	})
	c.mu.Lock()
	c.current = s
	c.mu.Unlock()

	fmt.Fprintln(c.out, "connecting to Shellie...")
	if err := s.Start(ctx); err != nil {
		fmt.Fprintf(c.errOut, "could not start conversation: %v\n", err)
		return
	}
}

func (c *console) endSession() {
	c.mu.Lock()
	s := c.current
	c.current = nil
	c.mu.Unlock()
	if s == nil {
		return
	}
	s.Stop()
	<-s.Done()
}

func (c *console) onState(st session.State) {
	c.mu.Lock()
	changed := st.Phase != c.lastPhase
	c.lastPhase = st.Phase
	c.mu.Unlock()
	if !changed {
		return
	}
	switch st.Phase {
	case session.PhaseActive:
		fmt.Fprintln(c.out, "Shellie is listening. Say \"bye Shellie\" to finish.")
	case session.PhaseTerminating:
		fmt.Fprintln(c.out, "Shellie is saying goodbye...")
	case session.PhaseClosed:
		fmt.Fprintf(c.out, "conversation ended (%s)\n", st.EndReason)
	}
}

func (c *console) onReport(r reports.Report) {
	fmt.Fprintf(c.out, "[safety %s] %q matched %s\n", r.Severity, r.ChildMessage, strings.Join(r.Matches, ", "))
}

func (c *console) printReports(ctx context.Context) {
	list, err := c.book.List(ctx)
	if err != nil {
		fmt.Fprintf(c.errOut, "reports: %v\n", err)
		return
	}
	if len(list) == 0 {
		fmt.Fprintln(c.out, "no safety reports")
		return
	}
	for _, r := range list {
		student := r.Student
		if student == "" {
			student = "-"
		}
		fmt.Fprintf(c.out, "  %s  %-6s  %-8s  %q\n", r.Timestamp.Format("15:04:05"), r.Severity, student, r.ChildMessage)
	}
}

func (c *console) changeVoice(arg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if arg == "" {
		fmt.Fprintf(c.out, "voice: %s\n", c.voice)
		for _, v := range classroom.Voices() {
			fmt.Fprintf(c.out, "  %-7s %s\n", v.ID, v.Label)
		}
		return
	}
	voice, ok := classroom.ValidVoice(arg)
	if !ok {
		fmt.Fprintf(c.errOut, "unknown voice %q\n", arg)
		return
	}
	c.voice = voice
	fmt.Fprintf(c.out, "voice set to %s for the next conversation\n", voice)
}

package gemini

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/vango-go/shellie/pkg/audio"
	"github.com/vango-go/shellie/pkg/session"
	"github.com/vango-go/shellie/pkg/tools"
)

var ErrClosed = errors.New("gemini live channel is closed")

// channel adapts a genai live session to session.Channel. Writes are
// serialized; reads happen on one goroutine that owns the events channel.
type channel struct {
	live   liveSession
	logger *slog.Logger

	events chan session.Event
	stop   chan struct{}
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

func newChannel(live liveSession, logger *slog.Logger) *channel {
	if logger == nil {
		logger = slog.Default()
	}
	c := &channel{
		live:   live,
		logger: logger,
		events: make(chan session.Event, 64),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *channel) Events() <-chan session.Event { return c.events }

func (c *channel) Send(msg session.Outbound) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	switch m := msg.(type) {
	case session.AudioInput:
		pcm, err := audio.DecodeBase64(m.Blob.Data)
		if err != nil {
			return err
		}
		return c.live.SendRealtimeInput(genai.LiveRealtimeInput{
			Audio: &genai.Blob{MIMEType: m.Blob.MIMEType, Data: pcm},
		})
	case session.TextInput:
		return c.live.SendRealtimeInput(genai.LiveRealtimeInput{Text: m.Text})
	case session.ToolResponses:
		return c.live.SendToolResponse(genai.LiveToolResponseInput{
			FunctionResponses: functionResponses(m.Responses),
		})
	default:
		return fmt.Errorf("unsupported outbound message %T", msg)
	}
}

// Close ends the live session and waits for the read loop to exit. Safe to
// call more than once.
func (c *channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stop)
		c.writeMu.Lock()
		err = c.live.Close()
		c.writeMu.Unlock()
	})
	<-c.done
	return err
}

func (c *channel) readLoop() {
	defer close(c.done)
	defer close(c.events)

	if !c.emit(session.OpenEvent{}) {
		return
	}
	for {
		msg, err := c.live.Receive()
		if err != nil {
			ev := c.terminalEvent(err)
			c.logger.Debug("gemini live receive ended", "error", err, "event", fmt.Sprintf("%T", ev))
			c.emit(ev)
			return
		}
		for _, ev := range translate(msg) {
			if !c.emit(ev) {
				return
			}
		}
	}
}

func (c *channel) terminalEvent(err error) session.Event {
	if c.closed.Load() {
		return session.CloseEvent{Reason: "closed locally"}
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && (closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway) {
		return session.CloseEvent{Reason: strings.TrimSpace(closeErr.Text)}
	}
	return session.ErrorEvent{Err: fmt.Errorf("receive: %w", err)}
}

func (c *channel) emit(ev session.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.stop:
		return false
	}
}

func functionResponses(responses []tools.Response) []*genai.FunctionResponse {
	out := make([]*genai.FunctionResponse, 0, len(responses))
	for _, r := range responses {
		out = append(out, &genai.FunctionResponse{
			ID:       r.ID,
			Name:     r.Name,
			Response: r.Payload,
		})
	}
	return out
}

var _ session.Channel = (*channel)(nil)

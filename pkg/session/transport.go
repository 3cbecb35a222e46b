package session

import (
	"context"

	"github.com/vango-go/shellie/pkg/audio"
	"github.com/vango-go/shellie/pkg/tools"
)

// ConnectConfig is everything the model needs before the first frame.
type ConnectConfig struct {
	Voice             string
	SystemInstruction string
	Tools             []tools.Declaration
}

// Dialer opens a realtime channel to the voice model.
type Dialer interface {
	Dial(ctx context.Context, cfg ConnectConfig) (Channel, error)
}

// Channel is one open realtime conversation. Events is closed when the
// channel is gone. Close is idempotent.
type Channel interface {
	Send(msg Outbound) error
	Events() <-chan Event
	Close() error
}

// Outbound is a message for the model.
type Outbound interface {
	outboundType() string
}

// AudioInput is one captured microphone frame.
type AudioInput struct{ Blob audio.Blob }

func (AudioInput) outboundType() string { return "audio" }

// TextInput is text the model should treat as conversation input.
type TextInput struct{ Text string }

func (TextInput) outboundType() string { return "text" }

// ToolResponses answers tool calls, correlated by call id.
type ToolResponses struct{ Responses []tools.Response }

func (ToolResponses) outboundType() string { return "tool_responses" }

// Event is a message from the model or a channel lifecycle change.
type Event interface {
	eventType() string
}

type OpenEvent struct{}

func (OpenEvent) eventType() string { return "open" }

// InputTranscriptEvent is a fragment of what the student said.
type InputTranscriptEvent struct{ Text string }

func (InputTranscriptEvent) eventType() string { return "input_transcript" }

// OutputTranscriptEvent is a fragment of what Shellie said.
type OutputTranscriptEvent struct{ Text string }

func (OutputTranscriptEvent) eventType() string { return "output_transcript" }

type TurnCompleteEvent struct{}

func (TurnCompleteEvent) eventType() string { return "turn_complete" }

// AudioEvent carries base64 PCM at audio.OutputSampleRate.
type AudioEvent struct {
	Data     string
	MIMEType string
}

func (AudioEvent) eventType() string { return "audio" }

type ToolCallEvent struct{ Calls []tools.Call }

func (ToolCallEvent) eventType() string { return "tool_call" }

// InterruptedEvent means the student talked over Shellie.
type InterruptedEvent struct{}

func (InterruptedEvent) eventType() string { return "interrupted" }

type ErrorEvent struct{ Err error }

func (ErrorEvent) eventType() string { return "error" }

type CloseEvent struct{ Reason string }

func (CloseEvent) eventType() string { return "close" }

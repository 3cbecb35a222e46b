package gemini

import (
	"strings"

	"google.golang.org/genai"

	"github.com/vango-go/shellie/pkg/audio"
	"github.com/vango-go/shellie/pkg/session"
	"github.com/vango-go/shellie/pkg/tools"
)

// translate maps one server message to session events, in the order the
// session should see them.
func translate(msg *genai.LiveServerMessage) []session.Event {
	if msg == nil {
		return nil
	}
	var out []session.Event

	if msg.ToolCall != nil && len(msg.ToolCall.FunctionCalls) > 0 {
		calls := make([]tools.Call, 0, len(msg.ToolCall.FunctionCalls))
		for _, fc := range msg.ToolCall.FunctionCalls {
			if fc == nil {
				continue
			}
			calls = append(calls, tools.Call{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
		out = append(out, session.ToolCallEvent{Calls: calls})
	}

	sc := msg.ServerContent
	if sc == nil {
		return out
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		out = append(out, session.InputTranscriptEvent{Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		out = append(out, session.OutputTranscriptEvent{Text: sc.OutputTranscription.Text})
	}
	if sc.TurnComplete {
		out = append(out, session.TurnCompleteEvent{})
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			if mt := part.InlineData.MIMEType; mt != "" && !strings.HasPrefix(mt, "audio/") {
				continue
			}
			out = append(out, session.AudioEvent{
				Data:     audio.EncodeBytes(part.InlineData.Data),
				MIMEType: part.InlineData.MIMEType,
			})
		}
	}
	if sc.Interrupted {
		out = append(out, session.InterruptedEvent{})
	}
	return out
}

package gemini

import (
	"google.golang.org/genai"

	"github.com/vango-go/shellie/pkg/session"
	"github.com/vango-go/shellie/pkg/tools"
)

func connectConfig(cfg session.ConnectConfig) *genai.LiveConnectConfig {
	out := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if cfg.SystemInstruction != "" {
		out.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.SystemInstruction}}}
	}
	if len(cfg.Tools) > 0 {
		out.Tools = []*genai.Tool{{FunctionDeclarations: functionDeclarations(cfg.Tools)}}
	}
	return out
}

func functionDeclarations(decls []tools.Declaration) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(decls))
	for _, d := range decls {
		schema := &genai.Schema{
			Type:        genai.TypeObject,
			Description: d.Description,
			Properties:  map[string]*genai.Schema{},
		}
		for _, p := range d.Parameters {
			schema.Properties[p.Name] = &genai.Schema{Type: schemaType(p.Type), Description: p.Description}
			if p.Required {
				schema.Required = append(schema.Required, p.Name)
			}
		}
		out = append(out, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  schema,
		})
	}
	return out
}

func schemaType(t string) genai.Type {
	switch t {
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	default:
		return genai.TypeString
	}
}

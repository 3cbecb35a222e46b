// Package classroom holds Shellie's persona and the class material a teacher
// shares with it.
package classroom

import (
	"fmt"
	"slices"
	"strings"
)

// Greeting is spoken as soon as the live channel opens.
const Greeting = "Hi! I am Shellie the turtle. I'm a good listener and I know lots of things, like the time and the weather. What's on your mind today?"

const DefaultVoice = "Puck"

// Voice is one prebuilt voice the model can speak with.
type Voice struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

var voices = []Voice{
	{ID: "Puck", Label: "Playful"},
	{ID: "Charon", Label: "Gentle"},
	{ID: "Kore", Label: "Kind"},
	{ID: "Fenrir", Label: "Deep"},
	{ID: "Zephyr", Label: "Cheerful"},
}

func Voices() []Voice { return slices.Clone(voices) }

// ValidVoice reports whether id names a known voice. Matching ignores case
// and returns the canonical spelling.
func ValidVoice(id string) (string, bool) {
	id = strings.TrimSpace(id)
	for _, v := range voices {
		if strings.EqualFold(v.ID, id) {
			return v.ID, true
		}
	}
	return "", false
}

const instructionTemplate = `You are Shellie the Emotional Turtle. Wise, funny, concise, and incredibly patient. Your goal is to support children age 4-10 in an elementary school setting.

CORE RULES:
1. Be Kind, concise, and prioritize listening.
2. Detect behavioral shifts like loneliness or bullying and offer gentle validation.
3. Use context: %s
4. ANTI-HALLUCINATION: If the user asks for the time, weather, or their location, ALWAYS use the provided tools. Do not guess.
5. If asked general knowledge questions (e.g. "why is the sky blue?"), answer truthfully and simply for a child to understand.`

// SystemInstruction renders the persona prompt around classContext, which is
// normally Library.Context().
func SystemInstruction(classContext string) string {
	if strings.TrimSpace(classContext) == "" {
		classContext = noContext
	}
	return fmt.Sprintf(instructionTemplate, classContext)
}

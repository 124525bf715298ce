// Package speech defines the speech conversion ports used by the audio
// transport, plus the voice selection table.
//
// Both collaborators are external: failures are logged and swallowed by the
// callers, never surfaced into the conversation flow.
package speech

import "context"

// Transcriber converts one complete audio recording into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, language string) (string, error)
}

// Synthesizer renders assistant text into audio using a voice selected by
// conversation language.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, language string) ([]byte, error)
}

// DefaultVoice is used when no language-specific voice is configured.
const DefaultVoice = "aura-asteria-en"

// voicesByLanguage maps a conversation language to a Deepgram voice model.
var voicesByLanguage = map[string]string{
	"en": "aura-asteria-en",
	"es": "aura-2-celeste-es",
	"de": "aura-2-viktoria-de",
	"fr": "aura-2-agathe-fr",
}

// VoiceForLanguage picks the synthesis voice for a language code,
// falling back to the default voice for unknown languages.
func VoiceForLanguage(language string) string {
	if v, ok := voicesByLanguage[language]; ok {
		return v
	}
	return DefaultVoice
}

// Package speech provides Deepgram-backed transcription and synthesis.
package speech

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	listenapi "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/rest"
	speakapi "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces"
	listenclient "github.com/deepgram/deepgram-go-sdk/pkg/client/listen"
	speakclient "github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
)

// TranscriptionModel is the Deepgram model used for prerecorded listens.
const TranscriptionModel = "nova-2"

// DeepgramTranscriber transcribes complete recordings through the Deepgram
// prerecorded listen API. The API key is taken from DEEPGRAM_API_KEY.
type DeepgramTranscriber struct {
	client *listenapi.Client
}

// NewDeepgramTranscriber creates a transcriber using default REST settings.
func NewDeepgramTranscriber() *DeepgramTranscriber {
	return &DeepgramTranscriber{client: listenapi.New(listenclient.NewRESTWithDefaults())}
}

// Transcribe sends the full recording in one request and returns the first
// channel's best transcript. An empty recording yields an empty transcript
// without a network call.
func (t *DeepgramTranscriber) Transcribe(ctx context.Context, audio []byte, language string) (string, error) {
	if len(audio) == 0 {
		return "", nil
	}
	options := &interfaces.PreRecordedTranscriptionOptions{
		Model:       TranscriptionModel,
		SmartFormat: true,
	}
	if language != "" {
		options.Language = language
	}

	resp, err := t.client.FromStream(ctx, bytes.NewReader(audio), options)
	if err != nil {
		return "", fmt.Errorf("deepgram transcription failed: %w", err)
	}
	if resp == nil || len(resp.Results.Channels) == 0 || len(resp.Results.Channels[0].Alternatives) == 0 {
		slog.Warn("DeepgramTranscriber.Transcribe: response carried no alternatives")
		return "", nil
	}
	transcript := resp.Results.Channels[0].Alternatives[0].Transcript
	slog.Debug("DeepgramTranscriber.Transcribe: transcription complete", "bytes", len(audio), "transcriptLength", len(transcript))
	return transcript, nil
}

// DeepgramSynthesizer renders text through the Deepgram speak API.
type DeepgramSynthesizer struct {
	client *speakapi.Client
}

// NewDeepgramSynthesizer creates a synthesizer using default REST settings.
func NewDeepgramSynthesizer() *DeepgramSynthesizer {
	return &DeepgramSynthesizer{client: speakapi.New(speakclient.NewRESTWithDefaults())}
}

// Synthesize renders the text with the voice selected for the language and
// returns the encoded audio.
func (s *DeepgramSynthesizer) Synthesize(ctx context.Context, text, language string) ([]byte, error) {
	options := &interfaces.SpeakOptions{
		Model: VoiceForLanguage(language),
	}

	var buf interfaces.RawResponse
	if _, err := s.client.ToStream(ctx, text, options, &buf); err != nil {
		return nil, fmt.Errorf("deepgram synthesis failed: %w", err)
	}
	slog.Debug("DeepgramSynthesizer.Synthesize: synthesis complete", "voice", options.Model, "textLength", len(text), "audioBytes", buf.Len())
	return buf.Bytes(), nil
}

package tts

import (
	"context"
	"fmt"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"google.golang.org/api/option"
)

// SampleRate is the rate of synthesised audio; G.711 only carries 8 kHz.
const SampleRate = 8000

// Synthesizer renders text as a 16-bit little endian PCM WAV file.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, language, gender string) ([]byte, error)
	Close() error
}

// GoogleSynthesizer calls Google Cloud Text-to-Speech.
type GoogleSynthesizer struct {
	client *texttospeech.Client
}

// NewGoogleSynthesizer creates the TTS client. An empty credentials file
// uses the application default credentials.
func NewGoogleSynthesizer(ctx context.Context, credentialsFile string) (*GoogleSynthesizer, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := texttospeech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating text-to-speech client: %w", err)
	}
	return &GoogleSynthesizer{client: client}, nil
}

// Synthesize requests LINEAR16 audio at SampleRate.
func (g *GoogleSynthesizer) Synthesize(ctx context.Context, text, language, gender string) ([]byte, error) {
	ssmlGender, err := parseGender(gender)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.SynthesizeSpeech(ctx, &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: language,
			SsmlGender:   ssmlGender,
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding:   texttospeechpb.AudioEncoding_LINEAR16,
			SampleRateHertz: SampleRate,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("synthesizing speech: %w", err)
	}
	return resp.GetAudioContent(), nil
}

func (g *GoogleSynthesizer) Close() error {
	return g.client.Close()
}

func parseGender(gender string) (texttospeechpb.SsmlVoiceGender, error) {
	v, ok := texttospeechpb.SsmlVoiceGender_value[gender]
	if !ok {
		return 0, fmt.Errorf("%w: unknown voice gender %q", ErrInvalidRequest, gender)
	}
	return texttospeechpb.SsmlVoiceGender(v), nil
}

package stt

import (
	"context"
	"fmt"
	"os"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

type googleRecognizer struct {
	client   *speech.Client
	language string
}

// NewGoogleRecognizer uses Google Cloud Speech-to-Text synchronous
// recognition. Credentials come from GOOGLE_APPLICATION_CREDENTIALS.
func NewGoogleRecognizer(ctx context.Context, cfg config.STTConfig) (Recognizer, func() error, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create speech client: %w", err)
	}
	return &googleRecognizer{client: client, language: languageCode(cfg.Language)}, client.Close, nil
}

func (g *googleRecognizer) Recognize(ctx context.Context, wavPath string) (TranscriptResult, error) {
	file, err := os.Open(wavPath)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("open wav: %w", err)
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("decode wav: %w", err)
	}
	pcm := make([]byte, 0, len(buf.Data)*2)
	for _, s := range buf.Data {
		v := uint16(int16(s))
		pcm = append(pcm, byte(v), byte(v>>8))
	}

	resp, err := g.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:          speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz:   int32(dec.SampleRate),
			AudioChannelCount: int32(dec.NumChans),
			LanguageCode:      g.language,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: pcm},
		},
	})
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("google recognize: %w", err)
	}

	var parts []string
	var confidence float64
	for _, r := range resp.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		parts = append(parts, strings.TrimSpace(alt.Transcript))
		confidence += float64(alt.Confidence)
	}
	if len(parts) > 0 {
		confidence /= float64(len(parts))
	}
	return TranscriptResult{Text: strings.Join(parts, " "), Confidence: confidence}, nil
}

func languageCode(lang string) string {
	switch strings.TrimSpace(lang) {
	case "":
		return "en-US"
	case "en":
		return "en-US"
	}
	return lang
}

package stt

import (
	"context"
)

type mockRecognizer struct {
	phrase string
}

// NewMockRecognizer returns a recognizer that hears phrase in any audio.
func NewMockRecognizer(phrase string) Recognizer {
	return &mockRecognizer{phrase: phrase}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, _ []byte, _ int, _ int) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	return TranscriptResult{Text: m.phrase, Confidence: 1}, nil
}

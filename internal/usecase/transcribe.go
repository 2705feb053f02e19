package usecase

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"sync"
)

const (
	fallbackTranscriptionModel = "whisper-1"
	defaultAudioExt            = ".m4a"
)

// MediaFetcher downloads an attachment and reports its content type.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, url string) ([]byte, string, error)
}

type SpeechToText interface {
	Transcribe(ctx context.Context, model, filename string, audio []byte) (string, error)
}

// AudioTranscriber downloads a voice message and returns its transcription.
type AudioTranscriber struct {
	params      ParamGetter
	media       MediaFetcher
	stt         SpeechToText
	paramPrefix string

	modelMu sync.Mutex
	model   string
}

func NewAudioTranscriber(p ParamGetter, media MediaFetcher, stt SpeechToText, paramPrefix string) (*AudioTranscriber, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if media == nil {
		return nil, errors.New("usecase: media fetcher must not be nil")
	}
	if stt == nil {
		return nil, errors.New("usecase: speech to text client must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	return &AudioTranscriber{params: p, media: media, stt: stt, paramPrefix: paramPrefix}, nil
}

// Transcribe returns the trimmed transcription of the audio at url. When the
// configured model hears nothing, whisper-1 gets a second try.
func (t *AudioTranscriber) Transcribe(ctx context.Context, url string) (string, error) {
	model, err := t.resolveModel(ctx)
	if err != nil {
		return "", newError(ErrorInternal, "ssm_load_error", err)
	}

	data, contentType, err := t.media.FetchMedia(ctx, url)
	if err != nil {
		return "", newError(ErrorUpstream, "audio_download_error", err)
	}
	if len(data) == 0 {
		return "", newError(ErrorInvalidInput, "audio_empty", nil)
	}
	filename := "audio" + audioExt(contentType)

	text, err := t.transcribe(ctx, model, filename, data)
	if err != nil {
		return "", err
	}
	if text == "" && model != fallbackTranscriptionModel {
		text, err = t.transcribe(ctx, fallbackTranscriptionModel, filename, data)
		if err != nil {
			return "", err
		}
	}
	return text, nil
}

func (t *AudioTranscriber) transcribe(ctx context.Context, model, filename string, data []byte) (string, error) {
	text, err := t.stt.Transcribe(ctx, model, filename, data)
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return "", newError(ErrorRateLimited, "transcription_rate_limited", err)
		}
		return "", newError(ErrorUpstream, "transcription_error", err)
	}
	return strings.TrimSpace(text), nil
}

// resolveModel loads the transcription model once; failures are retried on
// the next call.
func (t *AudioTranscriber) resolveModel(ctx context.Context) (string, error) {
	t.modelMu.Lock()
	defer t.modelMu.Unlock()
	if t.model != "" {
		return t.model, nil
	}
	model, err := t.params.GetParameter(ctx, t.paramPrefix+"/config/transcription_model")
	if err != nil {
		return "", fmt.Errorf("usecase: load transcription model: %w", err)
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = fallbackTranscriptionModel
	}
	t.model = model
	return model, nil
}

func audioExt(contentType string) string {
	base, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return defaultAudioExt
	}
	switch base {
	case "audio/mp4", "audio/x-m4a", "audio/m4a":
		return ".m4a"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/ogg":
		return ".ogg"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/webm":
		return ".webm"
	case "video/mp4":
		return ".mp4"
	}
	return defaultAudioExt
}

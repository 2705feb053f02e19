package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"path"
)

// transcriptionResponse is the JSON shape returned by the Transcriptions endpoint.
type transcriptionResponse struct {
	Text string `json:"text"`
}

func transcriptionURL(baseURL string) string {
	return endpointURL(baseURL, "/audio/transcriptions")
}

// Transcribe uploads audio as filename to the Transcriptions endpoint and
// returns the recognized text. The extension of filename tells the API the
// container format.
func (c *Client) Transcribe(ctx context.Context, model, filename string, audio []byte) (string, error) {
	if model == "" {
		return "", errors.New("openai: model must not be empty")
	}
	if len(audio) == 0 {
		return "", errors.New("openai: audio must not be empty")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("model", model); err != nil {
		return "", fmt.Errorf("openai: write model field: %w", err)
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("openai: write format field: %w", err)
	}
	part, err := mw.CreateFormFile("file", path.Base(filename))
	if err != nil {
		return "", fmt.Errorf("openai: create file part: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("openai: write audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("openai: close multipart body: %w", err)
	}

	raw, err := c.post(ctx, "transcription", transcriptionURL(c.baseURL), mw.FormDataContentType(), &body)
	if err != nil {
		return "", err
	}

	var payload transcriptionResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return "", fmt.Errorf("openai: decode transcription response: %w", decErr)
	}
	return payload.Text, nil
}

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const transcriptionEndpoint = "https://api.openai.com/v1/audio/transcriptions"

// Transcriber turns Telegram voice notes into prompt text through the
// OpenAI transcription API. Nil when no API key is configured.
type Transcriber struct {
	apiKey string
	http   *http.Client
	logger *slog.Logger
}

func NewTranscriber(apiKey string, logger *slog.Logger) *Transcriber {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcriber{
		apiKey: apiKey,
		http:   &http.Client{Timeout: 2 * time.Minute},
		logger: logger,
	}
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// Transcribe posts the audio bytes as a multipart upload and returns the
// transcript.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio); err != nil {
		return "", err
	}
	if err := writer.WriteField("model", "whisper-1"); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, transcriptionEndpoint, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.http.Do(req)
	if err != nil {
		return "", err
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("transcription: http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var decoded transcriptionResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("transcription: decode: %w", err)
	}
	return strings.TrimSpace(decoded.Text), nil
}

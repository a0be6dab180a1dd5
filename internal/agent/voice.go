package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Speaker turns reply text into an audio URL.
type Speaker interface {
	Synthesize(ctx context.Context, text, voiceID string) (string, error)
}

// Transcriber turns a voice message into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioURL string) (string, error)
}

// HTTPVoice talks to JSON TTS and STT endpoints:
//
//	POST tts_url {"text","voice_id"} -> {"audio_url"}
//	POST stt_url {"audio_url"}       -> {"text"}
type HTTPVoice struct {
	TTSURL     string
	STTURL     string
	APIKey     string
	HTTPClient *http.Client
}

func NewHTTPVoice(ttsURL, sttURL, apiKey string, timeout time.Duration) *HTTPVoice {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPVoice{TTSURL: ttsURL, STTURL: sttURL, APIKey: apiKey, HTTPClient: &http.Client{Timeout: timeout}}
}

func (v *HTTPVoice) Synthesize(ctx context.Context, text, voiceID string) (string, error) {
	if v.TTSURL == "" {
		return "", errors.New("tts endpoint not configured")
	}
	var out struct {
		AudioURL string `json:"audio_url"`
	}
	if err := v.post(ctx, v.TTSURL, map[string]string{"text": text, "voice_id": voiceID}, &out); err != nil {
		return "", fmt.Errorf("synthesize: %w", err)
	}
	if out.AudioURL == "" {
		return "", errors.New("synthesize: empty audio_url")
	}
	return out.AudioURL, nil
}

func (v *HTTPVoice) Transcribe(ctx context.Context, audioURL string) (string, error) {
	if v.STTURL == "" {
		return "", errors.New("stt endpoint not configured")
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := v.post(ctx, v.STTURL, map[string]string{"audio_url": audioURL}, &out); err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	return out.Text, nil
}

func (v *HTTPVoice) post(ctx context.Context, url string, in any, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if v.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+v.APIKey)
	}
	client := v.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	return json.Unmarshal(data, out)
}

package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/haven-labs/haven-audio/internal/config"
)

type elevenLabsClient struct {
	apiKey   string
	baseURL  string
	modelID  string
	settings VoiceSettings
	http     *http.Client
}

type elevenLabsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id,omitempty"`
	VoiceSettings VoiceSettings `json:"voice_settings"`
}

// NewElevenLabs builds a Synthesizer backed by the ElevenLabs text-to-speech API.
func NewElevenLabs(cfg config.SynthConfig) Synthesizer {
	return &elevenLabsClient{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		modelID: cfg.ModelID,
		settings: VoiceSettings{
			Stability:       cfg.Stability,
			SimilarityBoost: cfg.Similarity,
			Style:           cfg.Style,
			UseSpeakerBoost: cfg.SpeakerBoost,
		},
		http: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
	}
}

func (c *elevenLabsClient) Ready() error {
	if c.apiKey == "" {
		return errors.New("speech synthesis credential not configured")
	}
	return nil
}

func (c *elevenLabsClient) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if err := c.Ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, errors.New("synth: text is required")
	}
	if req.VoiceID == "" {
		return nil, errors.New("synth: voice id is required")
	}

	payload := elevenLabsRequest{
		Text:          req.Text,
		ModelID:       c.modelID,
		VoiceSettings: c.settings,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s", c.baseURL, req.VoiceID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")
	httpReq.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("synthesis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("synthesis provider returned %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read synthesis response: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("synthesis provider returned empty audio")
	}
	return audio, nil
}

// Package voice turns reply text into speech through the TTS sidecar.
package voice

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"kindled/pkg/logger"
)

const (
	generatePath   = "/generate"
	requestTimeout = 2 * time.Minute

	// Delivery defaults tuned for conversational speech.
	exaggeration = 0.2
	cfgWeight    = 0.8
)

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// Synthesize renders text with the persona's cloned voice and returns WAV
// bytes.
func (c *Client) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	form := url.Values{}
	form.Set("text", text)
	if voiceID != "" {
		form.Set("voice_name", voiceID)
	}
	form.Set("exaggeration", fmt.Sprintf("%g", exaggeration))
	form.Set("cfg_weight", fmt.Sprintf("%g", cfgWeight))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+generatePath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("tts returned %d: %s", resp.StatusCode, snippet)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read tts audio: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("tts returned empty audio")
	}
	logger.Debugf("voice: synthesized %d chars in %s", len(text), time.Since(start).Round(time.Millisecond))
	return data, nil
}

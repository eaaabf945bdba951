package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPConfig points the client at one generation backend. All five provider
// roles speak the same JSON-over-HTTP shape, differing only in path.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func (c HTTPConfig) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("base url: %w", err)
	}
	return nil
}

// HTTPClient implements every provider interface against a generation
// backend. Rate limits, 5xx responses and transport errors are surfaced as
// Transient so the step invoker retries them; 4xx responses are permanent.
type HTTPClient struct {
	cfg  HTTPConfig
	http *http.Client
}

func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPClient{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
	}, nil
}

func (c *HTTPClient) GenerateScript(ctx context.Context, req ScriptRequest) (Script, error) {
	var script Script
	err := c.post(ctx, "/v1/script", map[string]any{
		"job_id":     req.JobID,
		"project_id": req.ProjectID,
		"minutes":    req.Minutes,
	}, &script)
	if err != nil {
		return Script{}, err
	}
	if len(script.Scenes) == 0 {
		return Script{}, fmt.Errorf("script backend returned no scenes")
	}
	return script, nil
}

func (c *HTTPClient) Synthesize(ctx context.Context, text string) (Audio, error) {
	var out struct {
		AudioBase64     string  `json:"audioBase64"`
		ContentType     string  `json:"contentType"`
		DurationSeconds float64 `json:"durationSeconds"`
	}
	if err := c.post(ctx, "/v1/voice", map[string]any{"text": text}, &out); err != nil {
		return Audio{}, err
	}
	raw, err := base64.StdEncoding.DecodeString(out.AudioBase64)
	if err != nil {
		return Audio{}, fmt.Errorf("decode audio payload: %w", err)
	}
	return Audio{Bytes: raw, ContentType: out.ContentType, DurationSeconds: out.DurationSeconds}, nil
}

func (c *HTTPClient) Align(ctx context.Context, audio []byte, contentType string) (Alignment, error) {
	var alignment Alignment
	err := c.post(ctx, "/v1/align", map[string]any{
		"audioBase64": base64.StdEncoding.EncodeToString(audio),
		"contentType": contentType,
	}, &alignment)
	if err != nil {
		return Alignment{}, err
	}
	return alignment, nil
}

func (c *HTTPClient) GenerateImage(ctx context.Context, prompt string) (Image, error) {
	var out struct {
		ImageBase64 string `json:"imageBase64"`
		ContentType string `json:"contentType"`
	}
	if err := c.post(ctx, "/v1/image", map[string]any{"prompt": prompt}, &out); err != nil {
		return Image{}, err
	}
	raw, err := base64.StdEncoding.DecodeString(out.ImageBase64)
	if err != nil {
		return Image{}, fmt.Errorf("decode image payload: %w", err)
	}
	return Image{Bytes: raw, ContentType: out.ContentType}, nil
}

func (c *HTTPClient) Render(ctx context.Context, req RenderRequest) (RenderedVideo, error) {
	var video RenderedVideo
	err := c.post(ctx, "/v1/render", map[string]any{
		"job_id":       req.JobID,
		"timeline_key": req.TimelineKey,
		"output_key":   req.OutputKey,
	}, &video)
	if err != nil {
		return RenderedVideo{}, err
	}
	if video.Key == "" {
		video.Key = req.OutputKey
	}
	return video, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, payload any, dst any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return TransientErr(fmt.Errorf("request %s: %w", path, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return TransientErr(fmt.Errorf("%s returned %s", path, resp.Status))
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %s: %s", path, resp.Status, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

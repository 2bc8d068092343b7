package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultDIDBaseURL = "https://api.d-id.com"
	DefaultDIDVoice   = "pt-BR-AntonioNeural"
)

type DIDConfig struct {
	BaseURL string
	APIKey  string
	VoiceID string
	Timeout time.Duration
}

// DIDRenderer renders talking-avatar videos through the D-ID talks API.
type DIDRenderer struct {
	cfg    DIDConfig
	client *http.Client
	logger *slog.Logger
}

func NewDIDRenderer(cfg DIDConfig, logger *slog.Logger) *DIDRenderer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultDIDBaseURL
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = DefaultDIDVoice
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &DIDRenderer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "d-id"),
	}
}

type talkProvider struct {
	Type    string `json:"type"`
	VoiceID string `json:"voice_id"`
}

type talkScript struct {
	Type     string       `json:"type"`
	Input    string       `json:"input"`
	Provider talkProvider `json:"provider"`
}

type talkRequest struct {
	Script    talkScript `json:"script"`
	SourceURL string     `json:"source_url"`
}

type talkResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	ResultURL string `json:"result_url"`
	Error     *struct {
		Kind        string `json:"kind"`
		Description string `json:"description"`
	} `json:"error"`
}

func (d *DIDRenderer) Create(ctx context.Context, imageURL, script string) (string, error) {
	payload := talkRequest{
		Script: talkScript{
			Type:     "text",
			Input:    script,
			Provider: talkProvider{Type: "microsoft", VoiceID: d.cfg.VoiceID},
		},
		SourceURL: imageURL,
	}

	var out talkResponse
	if err := d.do(ctx, http.MethodPost, "/talks", payload, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("%w: provider returned no render id", ErrRenderFailure)
	}

	d.logger.Info("render created", "render_id", out.ID, "status", out.Status)
	return out.ID, nil
}

func (d *DIDRenderer) Poll(ctx context.Context, renderID string) (RenderStatus, error) {
	var out talkResponse
	if err := d.do(ctx, http.MethodGet, "/talks/"+url.PathEscape(renderID), nil, &out); err != nil {
		return RenderStatus{}, err
	}

	switch out.Status {
	case "done":
		return RenderStatus{State: RenderDone, ResultURL: out.ResultURL}, nil
	case "error", "rejected":
		msg := out.Status
		if out.Error != nil && out.Error.Description != "" {
			msg = out.Error.Description
		}
		return RenderStatus{State: RenderError, Error: msg}, nil
	}
	return RenderStatus{State: RenderPending}, nil
}

func (d *DIDRenderer) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Basic "+d.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRenderFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: status %d, body: %s", ErrRenderFailure, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", ErrRenderFailure, err)
	}
	return nil
}

// Package media talks to the external rendering service that turns
// prompts into image, video, or audio artifacts.
package media

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
)

// ErrDisabled signals that no rendering backend is configured. Callers
// treat it as "skip media work", not as a failure.
var ErrDisabled = errors.New("media generation disabled")

// Client renders a prompt into a hosted artifact and returns its URI.
type Client interface {
	Generate(ctx context.Context, kind, prompt string) (string, error)
}

// Disabled is the no-op client used when media generation is off.
type Disabled struct{}

func (Disabled) Generate(ctx context.Context, kind, prompt string) (string, error) {
	return "", ErrDisabled
}

type submitRequest struct {
	Kind   string `json:"kind"`
	Prompt string `json:"prompt"`
}

type jobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	URI    string `json:"uri,omitempty"`
	Error  string `json:"error,omitempty"`
}

type Config struct {
	BaseURL       string
	APIKey        string
	PollInterval  time.Duration
	SubmitTimeout time.Duration
}

// HTTPClient submits a render job and polls until it completes.
type HTTPClient struct {
	cfg  Config
	http *http.Client
}

func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("media base url required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	return &HTTPClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.SubmitTimeout},
	}, nil
}

func (c *HTTPClient) Generate(ctx context.Context, kind, prompt string) (string, error) {
	job, err := c.submit(ctx, kind, prompt)
	if err != nil {
		return "", err
	}
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
		status, err := c.poll(ctx, job.JobID)
		if err != nil {
			return "", err
		}
		switch status.Status {
		case "completed":
			if strings.TrimSpace(status.URI) == "" {
				return "", errors.New("render job completed without a uri")
			}
			return status.URI, nil
		case "failed":
			if status.Error != "" {
				return "", fmt.Errorf("render job failed: %s", status.Error)
			}
			return "", errors.New("render job failed")
		}
	}
}

func (c *HTTPClient) submit(ctx context.Context, kind, prompt string) (jobResponse, error) {
	body, err := json.Marshal(submitRequest{Kind: kind, Prompt: prompt})
	if err != nil {
		return jobResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return jobResponse{}, err
	}
	return c.do(req)
}

func (c *HTTPClient) poll(ctx context.Context, jobID string) (jobResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.cfg.BaseURL, "/")+"/v1/jobs/"+jobID, nil)
	if err != nil {
		return jobResponse{}, err
	}
	return c.do(req)
}

func (c *HTTPClient) do(req *http.Request) (jobResponse, error) {
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return jobResponse{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return jobResponse{}, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return jobResponse{}, fmt.Errorf("media service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var out jobResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return jobResponse{}, fmt.Errorf("decode media response: %w", err)
	}
	return out, nil
}

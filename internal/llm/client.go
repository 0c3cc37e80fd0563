// Package llm wraps the generation backend used by pipeline step adapters.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// ChatClient produces a text completion for a prompt. Step adapters ask
// for JSON output; callers validate the payload before storing it.
type ChatClient interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// TransientError marks failures worth retrying, such as rate limits and
// upstream 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is safe to retry.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

type Config struct {
	APIKey string
	Model  string

	// BaseURL overrides the Gemini API base URL. Useful for proxies/testing.
	BaseURL string

	// RequestsPerMinute throttles outbound calls. Zero disables throttling.
	RequestsPerMinute int
}

// Gemini calls the Gemini API with a shared rate limiter so concurrent
// runs stay under the account quota.
type Gemini struct {
	client  *genai.Client
	model   string
	limiter *rate.Limiter
}

func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("generation api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("generation model is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.HTTPOptions.BaseURL = strings.TrimSpace(cfg.BaseURL)
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1)
	}
	return &Gemini{client: client, model: strings.TrimSpace(cfg.Model), limiter: limiter}, nil
}

func (g *Gemini) Generate(ctx context.Context, system, prompt string) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}

	cfg := &genai.GenerateContentConfig{
		CandidateCount:   1,
		ResponseMIMEType: "application/json",
	}
	if strings.TrimSpace(system) != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), cfg)
	if err != nil {
		return "", classifyErr(err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", errors.New("empty completion")
	}
	return text, nil
}

func classifyErr(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code/100 == 5 {
			return &TransientError{Err: err}
		}
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TransientError{Err: err}
	}
	return err
}

// ValidateJSON checks that a completion is a single well formed JSON
// document, returning a descriptive error otherwise.
func ValidateJSON(payload string) error {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return errors.New("empty payload")
	}
	if !json.Valid([]byte(trimmed)) {
		return fmt.Errorf("payload is not valid JSON")
	}
	return nil
}

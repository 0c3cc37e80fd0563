// Package orchestrator runs the fixed generation pipeline for a lead:
// each step invokes a registered task adapter with bounded retries and
// records its outcome in the run's replay log.
package orchestrator

import (
	"context"
	"time"

	"leadline/internal/domain"
)

// StepPayload is what an adapter receives: the lead being worked and
// the outputs of the upstream steps it declared a need for, keyed by
// step name.
type StepPayload struct {
	Lead   domain.Lead
	Inputs map[string]string
}

// Adapter executes one pipeline task and returns its text output.
// An empty output with a nil error is a valid success.
type Adapter interface {
	Run(ctx context.Context, p StepPayload) (string, error)
}

// AdapterFunc adapts a plain function to the Adapter interface.
type AdapterFunc func(ctx context.Context, p StepPayload) (string, error)

func (f AdapterFunc) Run(ctx context.Context, p StepPayload) (string, error) { return f(ctx, p) }

// StepSpec describes one entry in the pipeline plan.
type StepSpec struct {
	// Name is the registry key, module.action.
	Name   string
	Module string
	Action string

	// Critical steps abort the run when they fail terminally.
	// Non-critical steps are downgraded to skipped instead.
	Critical bool

	// Needs lists upstream step names whose outputs are passed in
	// the payload. A skipped upstream step contributes nothing.
	Needs []string

	// AssetType, when set, commits a successful non-empty output to
	// the asset store under this type.
	AssetType string

	// Title is the asset title used when AssetType is set.
	Title string
}

// RetryPolicy bounds how often a failing step is re-attempted and how
// long to wait between attempts.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
}

// DefaultRetryPolicy allows two retries with exponential backoff
// starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BaseDelay: time.Second, Multiplier: 2}
}

// Delay returns the backoff before the retry that follows the given
// failed attempt (1-based): BaseDelay * Multiplier^(attempt-1).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
	}
	return time.Duration(d)
}

// Result is the outcome of a full pipeline run.
type Result struct {
	RunID       string
	LeadID      string
	Status      string
	Package     string
	Steps       []domain.ReplayStep
	AssetIDs    []string
	DossierID   string
	CompletedAt string
}

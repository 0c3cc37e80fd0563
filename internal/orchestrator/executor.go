package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"leadline/internal/domain"
)

// ErrSkip tells the executor to record the step as skipped without
// retrying. Adapters return it when a precondition makes the step
// pointless, such as media generation being disabled.
var ErrSkip = errors.New("step skipped")

// ErrPermanent tells the executor that retrying cannot help, for
// example a rejected API key. The step fails on the first attempt
// instead of burning through the backoff schedule.
var ErrPermanent = errors.New("permanent failure")

// outputSummaryLimit caps how much of a step's output is copied into
// the replay record. The full output lives in the dossier package.
const outputSummaryLimit = 200

// Executor runs a single pipeline step: it resolves the adapter,
// re-attempts transient failures within the retry policy, and produces
// the replay log entry for the step.
type Executor struct {
	Registry *Registry
	Retry    RetryPolicy
	Logger   *zap.Logger

	// Now and Sleep are injectable for tests. Sleep must return early
	// with the context error when the context is cancelled.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(reg *Registry, retry RetryPolicy, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		Registry: reg,
		Retry:    retry,
		Logger:   logger,
		Now:      time.Now,
		Sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (ex *Executor) timestamp() string {
	return ex.Now().UTC().Format(time.RFC3339)
}

// Execute runs one step to a terminal status. The returned step record
// is always populated; the output is the adapter's result on success.
// The error is non-nil only for failed steps (including cancellation).
func (ex *Executor) Execute(ctx context.Context, runID string, orderIndex int, spec StepSpec, payload StepPayload) (domain.ReplayStep, string, error) {
	step := domain.ReplayStep{
		ID:         uuid.NewString(),
		RunID:      runID,
		OrderIndex: orderIndex,
		Module:     spec.Module,
		Action:     spec.Action,
		Status:     domain.StepInProgress,
		StartedAt:  ex.timestamp(),
		InputJSON:  describeInput(payload),
	}

	adapter, err := ex.Registry.Lookup(spec.Name)
	if err != nil {
		return ex.finish(step, domain.StepFailed, err), "", err
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			step.Log = append(step.Log, fmt.Sprintf("attempt %d not started: %v", attempt, err))
			return ex.finish(step, domain.StepFailed, err), "", err
		}

		out, err := ex.invoke(ctx, adapter, payload)
		if err == nil {
			step.Log = append(step.Log, fmt.Sprintf("attempt %d succeeded", attempt))
			summary := truncateOutput(out)
			step.OutputSummary = &summary
			ex.Logger.Debug("step succeeded",
				zap.String("run_id", runID),
				zap.String("step", spec.Name),
				zap.Int("attempt", attempt))
			return ex.finish(step, domain.StepSuccess, nil), out, nil
		}
		if errors.Is(err, ErrSkip) {
			step.Log = append(step.Log, fmt.Sprintf("skipped: %v", err))
			return ex.finish(step, domain.StepSkipped, nil), "", nil
		}

		step.Log = append(step.Log, fmt.Sprintf("attempt %d failed: %v", attempt, err))
		ex.Logger.Warn("step attempt failed",
			zap.String("run_id", runID),
			zap.String("step", spec.Name),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if errors.Is(err, ErrPermanent) {
			step.Log = append(step.Log, "failure is not retryable")
			return ex.finish(step, domain.StepFailed, err), "", err
		}

		if attempt > ex.Retry.MaxRetries {
			return ex.finish(step, domain.StepFailed, err), "", err
		}

		delay := ex.Retry.Delay(attempt)
		step.RetryCount++
		step.Log = append(step.Log, fmt.Sprintf("retry %d of %d in %s", step.RetryCount, ex.Retry.MaxRetries, delay))
		if serr := ex.Sleep(ctx, delay); serr != nil {
			step.Log = append(step.Log, fmt.Sprintf("backoff interrupted: %v", serr))
			return ex.finish(step, domain.StepFailed, serr), "", serr
		}
	}
}

// invoke calls the adapter, converting a panic into a plain failure so
// one misbehaving task cannot take the run down.
func (ex *Executor) invoke(ctx context.Context, adapter Adapter, payload StepPayload) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("adapter panic: %v", r)
		}
	}()
	return adapter.Run(ctx, payload)
}

// describeInput records what the step was given without copying free-form
// lead fields or full upstream outputs into the replay log. The lead
// shrinks to its identity and the inputs to their names; the outputs
// themselves are already on the producing steps.
func describeInput(payload StepPayload) string {
	names := make([]string, 0, len(payload.Inputs))
	for name := range payload.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	doc := struct {
		LeadID       string   `json:"lead_id"`
		BusinessName string   `json:"business_name"`
		Inputs       []string `json:"inputs,omitempty"`
	}{
		LeadID:       payload.Lead.ID,
		BusinessName: payload.Lead.BusinessName,
		Inputs:       names,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func truncateOutput(out string) string {
	if len(out) <= outputSummaryLimit {
		return out
	}
	cut := outputSummaryLimit
	for cut > 0 && !utf8.RuneStart(out[cut]) {
		cut--
	}
	return out[:cut] + "..."
}

func (ex *Executor) finish(step domain.ReplayStep, status string, err error) domain.ReplayStep {
	step.Status = status
	ended := ex.timestamp()
	step.EndedAt = &ended
	if err != nil {
		msg := err.Error()
		step.Error = &msg
	}
	return step
}

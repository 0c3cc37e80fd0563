package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"leadline/internal/assets"
	"leadline/internal/domain"
)

// Plan returns the fixed step sequence for a pipeline run. Order
// matters: later steps consume the outputs of earlier ones.
func Plan() []StepSpec {
	return []StepSpec{
		{Name: "market.gap_analysis", Module: "market", Action: "gap_analysis", Critical: true,
			AssetType: domain.AssetText, Title: "Market gap analysis"},
		{Name: "strategy.campaign", Module: "strategy", Action: "campaign", Critical: true,
			Needs:     []string{"market.gap_analysis"},
			AssetType: domain.AssetText, Title: "Campaign strategy"},
		{Name: "funnel.map", Module: "funnel", Action: "map", Critical: true,
			Needs:     []string{"strategy.campaign"},
			AssetType: domain.AssetText, Title: "Funnel map"},
		{Name: "roadmap.implementation", Module: "roadmap", Action: "implementation", Critical: true,
			Needs:     []string{"strategy.campaign", "funnel.map"},
			AssetType: domain.AssetText, Title: "Implementation roadmap"},
		{Name: "sparks.content", Module: "sparks", Action: "content",
			Needs:     []string{"strategy.campaign"},
			AssetType: domain.AssetText, Title: "Content sparks"},
		{Name: "visual.brand", Module: "visual", Action: "brand",
			Needs:     []string{"strategy.campaign"},
			AssetType: domain.AssetImage, Title: "Brand board"},
		{Name: "visual.mockup", Module: "visual", Action: "mockup",
			Needs:     []string{"strategy.campaign", "funnel.map"},
			AssetType: domain.AssetImage, Title: "Site mockup"},
		{Name: "outreach.sequence", Module: "outreach", Action: "sequence", Critical: true,
			Needs:     []string{"strategy.campaign"},
			AssetType: domain.AssetText, Title: "Outreach sequence"},
		{Name: "outreach.pitch_script", Module: "outreach", Action: "pitch_script",
			Needs:     []string{"outreach.sequence"},
			AssetType: domain.AssetText, Title: "Pitch script"},
		{Name: "concierge.simulation", Module: "concierge", Action: "simulation",
			Needs:     []string{"funnel.map"},
			AssetType: domain.AssetText, Title: "Concierge simulation"},
		{Name: "finance.roi_projection", Module: "finance", Action: "roi_projection", Critical: true,
			Needs:     []string{"strategy.campaign", "roadmap.implementation"},
			AssetType: domain.AssetText, Title: "ROI projection"},
		{Name: "deck.structure", Module: "deck", Action: "structure", Critical: true,
			Needs:     []string{"market.gap_analysis", "strategy.campaign", "finance.roi_projection"},
			AssetType: domain.AssetText, Title: "Deck structure"},
		{Name: "package.compile", Module: "package", Action: "compile", Critical: true,
			Needs: []string{"market.gap_analysis", "strategy.campaign", "funnel.map", "roadmap.implementation",
				"sparks.content", "outreach.sequence", "outreach.pitch_script", "concierge.simulation",
				"finance.roi_projection", "deck.structure"}},
	}
}

// LeadLocker claims a lead for the duration of a run so concurrent
// runs cannot work the same lead.
type LeadLocker interface {
	AcquireLock(ctx context.Context, leadID, runID string) error
	ReleaseLock(ctx context.Context, leadID, runID string) error
}

// RunStore persists the run record and its replay log.
type RunStore interface {
	CreateRun(ctx context.Context, run domain.Run) error
	AppendStep(ctx context.Context, step domain.ReplayStep) error
	CompleteRun(ctx context.Context, run domain.Run) error
}

// DossierStore saves the compiled package as a new dossier version.
type DossierStore interface {
	SaveDossier(ctx context.Context, leadID, packageJSON string, consideredAssetIDs []string) (domain.Dossier, error)
}

// AssetSink commits step outputs to the asset store.
type AssetSink interface {
	Commit(ctx context.Context, a domain.Asset) (assets.CommitResult, error)
}

// Orchestrator drives the full pipeline for one lead at a time.
type Orchestrator struct {
	Executor *Executor
	Locker   LeadLocker
	Runs     RunStore
	Dossiers DossierStore
	Assets   AssetSink
	Logger   *zap.Logger
	Now      func() time.Time
}

func New(ex *Executor, locker LeadLocker, runs RunStore, dossiers DossierStore, sink AssetSink, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		Executor: ex,
		Locker:   locker,
		Runs:     runs,
		Dossiers: dossiers,
		Assets:   sink,
		Logger:   logger,
		Now:      time.Now,
	}
}

func (o *Orchestrator) timestamp() string {
	return o.Now().UTC().Format(time.RFC3339)
}

// Run executes the plan for a lead. A terminal failure of a critical
// step ends the run as failed with the replay log truncated at that
// step; non-critical failures are recorded as skipped and the run goes
// on. The returned error reports infrastructure problems only, never
// pipeline outcomes: inspect Result.Status for those.
func (o *Orchestrator) Run(ctx context.Context, lead domain.Lead) (Result, error) {
	runID := uuid.NewString()
	if err := o.Locker.AcquireLock(ctx, lead.ID, runID); err != nil {
		return Result{}, fmt.Errorf("acquire lead lock: %w", err)
	}
	defer func() {
		if err := o.Locker.ReleaseLock(context.WithoutCancel(ctx), lead.ID, runID); err != nil {
			o.Logger.Warn("release lead lock", zap.String("lead_id", lead.ID), zap.Error(err))
		}
	}()

	run := domain.Run{
		ID:        runID,
		LeadID:    lead.ID,
		Status:    domain.RunInProgress,
		StartedAt: o.timestamp(),
	}
	if err := o.Runs.CreateRun(ctx, run); err != nil {
		return Result{}, fmt.Errorf("create run: %w", err)
	}

	o.Logger.Info("pipeline run started",
		zap.String("run_id", runID),
		zap.String("lead_id", lead.ID),
		zap.String("business", lead.BusinessName))

	res := Result{RunID: runID, LeadID: lead.ID}
	outputs := map[string]string{}
	anySkipped := false
	orderIndex := 0

	for _, spec := range Plan() {
		orderIndex++
		payload := StepPayload{Lead: lead, Inputs: map[string]string{}}
		for _, need := range spec.Needs {
			if out, ok := outputs[need]; ok {
				payload.Inputs[need] = out
			}
		}

		step, out, err := o.Executor.Execute(ctx, runID, orderIndex, spec, payload)

		if step.Status == domain.StepSuccess && out != "" {
			outputs[spec.Name] = out
			if spec.AssetType != "" {
				assetID, cerr := o.commitAsset(ctx, lead.ID, runID, spec, out)
				if cerr != nil {
					return res, fmt.Errorf("commit asset for %s: %w", spec.Name, cerr)
				}
				step.AssetIDs = []string{assetID}
				res.AssetIDs = append(res.AssetIDs, assetID)
			}
		}

		if step.Status == domain.StepFailed && !spec.Critical {
			step.Status = domain.StepSkipped
			anySkipped = true
			err = nil
		}
		if step.Status == domain.StepSkipped {
			anySkipped = true
		}

		if aerr := o.Runs.AppendStep(ctx, step); aerr != nil {
			return res, fmt.Errorf("append replay step: %w", aerr)
		}
		res.Steps = append(res.Steps, step)

		if err != nil {
			return o.completeFailed(ctx, res, run, spec.Name, err)
		}
	}

	res.Package = outputs["package.compile"]
	res.Status = domain.RunSuccess
	if anySkipped {
		res.Status = domain.RunPartialSuccess
	}

	d, derr := o.Dossiers.SaveDossier(ctx, lead.ID, res.Package, res.AssetIDs)
	if derr == nil {
		res.DossierID = d.ID
	}

	run.Status = res.Status
	run.PackageJSON = &res.Package
	completed := o.timestamp()
	run.CompletedAt = &completed
	res.CompletedAt = completed
	if derr != nil {
		msg := fmt.Sprintf("dossier save failed: %v", derr)
		run.Error = &msg
	}
	if err := o.Runs.CompleteRun(ctx, run); err != nil {
		return res, fmt.Errorf("complete run: %w", err)
	}

	o.Logger.Info("pipeline run finished",
		zap.String("run_id", runID),
		zap.String("status", res.Status),
		zap.Int("steps", len(res.Steps)))

	if derr != nil {
		return res, fmt.Errorf("save dossier: %w", derr)
	}
	return res, nil
}

func (o *Orchestrator) commitAsset(ctx context.Context, leadID, runID string, spec StepSpec, payload string) (string, error) {
	cres, err := o.Assets.Commit(ctx, domain.Asset{
		LeadID:       &leadID,
		Type:         spec.AssetType,
		Title:        spec.Title,
		Payload:      payload,
		SourceModule: spec.Module,
		Metadata:     map[string]string{"run_id": runID, "step": spec.Name},
	})
	if err != nil {
		return "", err
	}
	return cres.Asset.ID, nil
}

func (o *Orchestrator) completeFailed(ctx context.Context, res Result, run domain.Run, stepName string, cause error) (Result, error) {
	res.Status = domain.RunFailed
	run.Status = domain.RunFailed
	msg := fmt.Sprintf("step %s failed: %v", stepName, cause)
	run.Error = &msg
	completed := o.timestamp()
	run.CompletedAt = &completed
	res.CompletedAt = completed

	o.Logger.Warn("pipeline run failed",
		zap.String("run_id", run.ID),
		zap.String("step", stepName),
		zap.Error(cause))

	if err := o.Runs.CompleteRun(context.WithoutCancel(ctx), run); err != nil {
		return res, fmt.Errorf("complete run: %w", err)
	}
	return res, nil
}

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"leadline/internal/assets"
	"leadline/internal/domain"
	"leadline/internal/media"
)

type fakeLocker struct {
	acquireErr error
	acquired   []string
	released   []string
}

func (f *fakeLocker) AcquireLock(ctx context.Context, leadID, runID string) error {
	if f.acquireErr != nil {
		return f.acquireErr
	}
	f.acquired = append(f.acquired, leadID+"/"+runID)
	return nil
}

func (f *fakeLocker) ReleaseLock(ctx context.Context, leadID, runID string) error {
	f.released = append(f.released, leadID+"/"+runID)
	return nil
}

type fakeRunStore struct {
	created   []domain.Run
	steps     []domain.ReplayStep
	completed []domain.Run
}

func (f *fakeRunStore) CreateRun(ctx context.Context, run domain.Run) error {
	f.created = append(f.created, run)
	return nil
}

func (f *fakeRunStore) AppendStep(ctx context.Context, step domain.ReplayStep) error {
	f.steps = append(f.steps, step)
	return nil
}

func (f *fakeRunStore) CompleteRun(ctx context.Context, run domain.Run) error {
	f.completed = append(f.completed, run)
	return nil
}

type fakeDossiers struct {
	saved   []domain.Dossier
	saveErr error
}

func (f *fakeDossiers) SaveDossier(ctx context.Context, leadID, packageJSON string, consideredAssetIDs []string) (domain.Dossier, error) {
	if f.saveErr != nil {
		return domain.Dossier{}, f.saveErr
	}
	d := domain.Dossier{
		ID:                 fmt.Sprintf("d%d", len(f.saved)+1),
		LeadID:             leadID,
		Version:            len(f.saved) + 1,
		PackageJSON:        packageJSON,
		ConsideredAssetIDs: consideredAssetIDs,
	}
	f.saved = append(f.saved, d)
	return d, nil
}

type fakeSink struct {
	committed []domain.Asset
}

func (f *fakeSink) Commit(ctx context.Context, a domain.Asset) (assets.CommitResult, error) {
	a.ID = fmt.Sprintf("a%d", len(f.committed)+1)
	f.committed = append(f.committed, a)
	return assets.CommitResult{Asset: a}, nil
}

type env struct {
	orch    *Orchestrator
	locker  *fakeLocker
	runs    *fakeRunStore
	doss    *fakeDossiers
	sink    *fakeSink
	slept   []time.Duration
	nowUnix int64
}

func stubRegistry(overrides map[string]Adapter) *Registry {
	r := NewRegistry()
	for _, spec := range Plan() {
		name := spec.Name
		r.Register(name, AdapterFunc(func(ctx context.Context, p StepPayload) (string, error) {
			return fmt.Sprintf(`{"step":%q}`, name), nil
		}))
	}
	for k, v := range overrides {
		r.Register(k, v)
	}
	return r
}

func newEnv(t *testing.T, overrides map[string]Adapter) *env {
	t.Helper()
	e := &env{
		locker: &fakeLocker{},
		runs:   &fakeRunStore{},
		doss:   &fakeDossiers{},
		sink:   &fakeSink{},
	}
	ex := NewExecutor(stubRegistry(overrides), DefaultRetryPolicy(), zap.NewNop())
	ex.Now = func() time.Time {
		e.nowUnix++
		return time.Unix(1770000000+e.nowUnix, 0)
	}
	ex.Sleep = func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.slept = append(e.slept, d)
		return nil
	}
	e.orch = New(ex, e.locker, e.runs, e.doss, e.sink, zap.NewNop())
	e.orch.Now = ex.Now
	return e
}

func testLead() domain.Lead {
	return domain.Lead{
		ID:           "lead-1",
		BusinessName: "Bella Bakery",
		Niche:        "bakery",
		City:         "Lisbon",
		Status:       "researching",
	}
}

func failNTimes(n int, out string) Adapter {
	calls := 0
	return AdapterFunc(func(ctx context.Context, p StepPayload) (string, error) {
		calls++
		if calls <= n {
			return "", fmt.Errorf("upstream glitch %d", calls)
		}
		return out, nil
	})
}

func alwaysFail(msg string) Adapter {
	return AdapterFunc(func(ctx context.Context, p StepPayload) (string, error) {
		return "", errors.New(msg)
	})
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxRetries: 2, BaseDelay: time.Second, Multiplier: 2}
	if got := p.Delay(1); got != time.Second {
		t.Fatalf("delay after attempt 1: got %s want 1s", got)
	}
	if got := p.Delay(2); got != 2*time.Second {
		t.Fatalf("delay after attempt 2: got %s want 2s", got)
	}
	if got := p.Delay(3); got != 4*time.Second {
		t.Fatalf("delay after attempt 3: got %s want 4s", got)
	}
}

func TestRunHappyPath(t *testing.T) {
	e := newEnv(t, nil)
	res, err := e.orch.Run(context.Background(), testLead())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != domain.RunSuccess {
		t.Fatalf("status: got %s want %s", res.Status, domain.RunSuccess)
	}
	plan := Plan()
	if len(res.Steps) != len(plan) {
		t.Fatalf("steps: got %d want %d", len(res.Steps), len(plan))
	}
	for i, step := range res.Steps {
		if step.OrderIndex != i+1 {
			t.Fatalf("step %d order index: got %d want %d", i, step.OrderIndex, i+1)
		}
		if step.Status != domain.StepSuccess {
			t.Fatalf("step %s status: got %s", plan[i].Name, step.Status)
		}
		if step.RetryCount != 0 {
			t.Fatalf("step %s retry count: got %d want 0", plan[i].Name, step.RetryCount)
		}
	}
	if res.Package == "" || !strings.Contains(res.Package, "package.compile") {
		t.Fatalf("package output missing: %q", res.Package)
	}
	// Every step except package.compile commits one asset.
	if len(e.sink.committed) != len(plan)-1 {
		t.Fatalf("assets committed: got %d want %d", len(e.sink.committed), len(plan)-1)
	}
	if len(e.doss.saved) != 1 {
		t.Fatalf("dossiers saved: got %d want 1", len(e.doss.saved))
	}
	if e.doss.saved[0].PackageJSON != res.Package {
		t.Fatalf("dossier package mismatch")
	}
	if len(e.locker.acquired) != 1 || len(e.locker.released) != 1 {
		t.Fatalf("lock lifecycle: acquired=%d released=%d", len(e.locker.acquired), len(e.locker.released))
	}
	if len(e.runs.completed) != 1 || e.runs.completed[0].Status != domain.RunSuccess {
		t.Fatalf("run record not completed as success")
	}
	if e.runs.completed[0].CompletedAt == nil {
		t.Fatalf("completed run missing completion time")
	}
}

func TestRetryThenSuccess(t *testing.T) {
	e := newEnv(t, map[string]Adapter{
		"funnel.map": failNTimes(2, `{"stages":[]}`),
	})
	res, err := e.orch.Run(context.Background(), testLead())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != domain.RunSuccess {
		t.Fatalf("status: got %s", res.Status)
	}
	var step domain.ReplayStep
	for _, s := range res.Steps {
		if s.Module == "funnel" {
			step = s
		}
	}
	if step.Status != domain.StepSuccess {
		t.Fatalf("funnel step status: got %s", step.Status)
	}
	if step.RetryCount != 2 {
		t.Fatalf("retry count: got %d want 2", step.RetryCount)
	}
	retryLines := 0
	for _, line := range step.Log {
		if strings.HasPrefix(line, "retry ") {
			retryLines++
		}
	}
	if retryLines != 2 {
		t.Fatalf("retry log lines: got %d want 2\nlog: %v", retryLines, step.Log)
	}
	if len(e.slept) != 2 || e.slept[0] != time.Second || e.slept[1] != 2*time.Second {
		t.Fatalf("backoff delays: got %v want [1s 2s]", e.slept)
	}
}

func TestCriticalFailureTruncatesReplay(t *testing.T) {
	e := newEnv(t, map[string]Adapter{
		"strategy.campaign": alwaysFail("model unavailable"),
	})
	res, err := e.orch.Run(context.Background(), testLead())
	if err != nil {
		t.Fatalf("pipeline failures must not surface as errors: %v", err)
	}
	if res.Status != domain.RunFailed {
		t.Fatalf("status: got %s want %s", res.Status, domain.RunFailed)
	}
	if len(res.Steps) != 2 {
		t.Fatalf("replay log: got %d steps want 2 (truncated at failure)", len(res.Steps))
	}
	last := res.Steps[len(res.Steps)-1]
	if last.Status != domain.StepFailed || last.RetryCount != 2 {
		t.Fatalf("failed step: status=%s retries=%d", last.Status, last.RetryCount)
	}
	if last.Error == nil || !strings.Contains(*last.Error, "model unavailable") {
		t.Fatalf("failed step error not recorded: %v", last.Error)
	}
	if len(e.doss.saved) != 0 {
		t.Fatalf("failed run must not save a dossier")
	}
	if len(e.runs.completed) != 1 || e.runs.completed[0].Status != domain.RunFailed {
		t.Fatalf("run record not completed as failed")
	}
	if e.runs.completed[0].Error == nil {
		t.Fatalf("failed run record missing error")
	}
	if len(e.locker.released) != 1 {
		t.Fatalf("lock must be released after a failed run")
	}
}

func TestAuxiliaryFailureSkipsAndContinues(t *testing.T) {
	e := newEnv(t, map[string]Adapter{
		"sparks.content": alwaysFail("flaky generator"),
	})
	res, err := e.orch.Run(context.Background(), testLead())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != domain.RunPartialSuccess {
		t.Fatalf("status: got %s want %s", res.Status, domain.RunPartialSuccess)
	}
	if len(res.Steps) != len(Plan()) {
		t.Fatalf("auxiliary failure must not truncate: got %d steps", len(res.Steps))
	}
	var sparks domain.ReplayStep
	for _, s := range res.Steps {
		if s.Module == "sparks" {
			sparks = s
		}
	}
	if sparks.Status != domain.StepSkipped {
		t.Fatalf("sparks status: got %s want %s", sparks.Status, domain.StepSkipped)
	}
	if sparks.RetryCount != 2 {
		t.Fatalf("auxiliary step still retries before being skipped: got %d", sparks.RetryCount)
	}
	if sparks.Error == nil || !strings.Contains(*sparks.Error, "flaky generator") {
		t.Fatalf("skip reason lost: %v", sparks.Error)
	}
	if len(e.doss.saved) != 1 {
		t.Fatalf("partial success still saves a dossier")
	}
}

func TestEmptyOutputIsSuccess(t *testing.T) {
	calls := 0
	e := newEnv(t, map[string]Adapter{
		"concierge.simulation": AdapterFunc(func(ctx context.Context, p StepPayload) (string, error) {
			calls++
			return "", nil
		}),
	})
	res, err := e.orch.Run(context.Background(), testLead())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls != 1 {
		t.Fatalf("empty output must not be retried: %d calls", calls)
	}
	if res.Status != domain.RunSuccess {
		t.Fatalf("status: got %s", res.Status)
	}
	for _, a := range e.sink.committed {
		if a.SourceModule == "concierge" {
			t.Fatalf("empty output must not commit an asset")
		}
	}
}

func TestPanicIsRecoveredAndRetried(t *testing.T) {
	calls := 0
	e := newEnv(t, map[string]Adapter{
		"deck.structure": AdapterFunc(func(ctx context.Context, p StepPayload) (string, error) {
			calls++
			if calls == 1 {
				panic("nil slide")
			}
			return `{"slides":[]}`, nil
		}),
	})
	res, err := e.orch.Run(context.Background(), testLead())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != domain.RunSuccess {
		t.Fatalf("status: got %s", res.Status)
	}
	var deck domain.ReplayStep
	for _, s := range res.Steps {
		if s.Module == "deck" {
			deck = s
		}
	}
	if deck.RetryCount != 1 {
		t.Fatalf("panic attempt counts as a failure: retries=%d", deck.RetryCount)
	}
	found := false
	for _, line := range deck.Log {
		if strings.Contains(line, "adapter panic: nil slide") {
			found = true
		}
	}
	if !found {
		t.Fatalf("panic message not stringified into log: %v", deck.Log)
	}
}

func TestMediaDisabledStepsSkipped(t *testing.T) {
	e := newEnv(t, map[string]Adapter{
		"visual.brand":  mediaAdapter(media.Disabled{}, "image", brandPrompt),
		"visual.mockup": mediaAdapter(media.Disabled{}, "image", mockupPrompt),
	})
	res, err := e.orch.Run(context.Background(), testLead())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != domain.RunPartialSuccess {
		t.Fatalf("status: got %s want %s", res.Status, domain.RunPartialSuccess)
	}
	skipped := 0
	for _, s := range res.Steps {
		if s.Module == "visual" {
			if s.Status != domain.StepSkipped {
				t.Fatalf("visual step status: got %s", s.Status)
			}
			if s.RetryCount != 0 {
				t.Fatalf("gated skip must not retry: %d", s.RetryCount)
			}
			skipped++
		}
	}
	if skipped != 2 {
		t.Fatalf("expected both visual steps skipped, got %d", skipped)
	}
}

func TestCancelledContextAbortsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := newEnv(t, map[string]Adapter{
		"funnel.map": AdapterFunc(func(c context.Context, p StepPayload) (string, error) {
			cancel()
			return "", errors.New("late failure")
		}),
	})
	res, err := e.orch.Run(ctx, testLead())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != domain.RunFailed {
		t.Fatalf("status: got %s want %s", res.Status, domain.RunFailed)
	}
	last := res.Steps[len(res.Steps)-1]
	if last.Error == nil || !strings.Contains(*last.Error, context.Canceled.Error()) {
		t.Fatalf("cancellation not recorded: %v", last.Error)
	}
	if len(e.runs.completed) != 1 || e.runs.completed[0].Status != domain.RunFailed {
		t.Fatalf("cancelled run record not completed as failed")
	}
}

func TestLockContentionFailsFast(t *testing.T) {
	e := newEnv(t, nil)
	e.locker.acquireErr = errors.New("lease already held")
	_, err := e.orch.Run(context.Background(), testLead())
	if err == nil || !strings.Contains(err.Error(), "lease already held") {
		t.Fatalf("expected lock error, got %v", err)
	}
	if len(e.runs.created) != 0 {
		t.Fatalf("no run record without the lock")
	}
}

func TestDossierSaveErrorKeepsComputedStatus(t *testing.T) {
	e := newEnv(t, nil)
	e.doss.saveErr = errors.New("disk full")
	res, err := e.orch.Run(context.Background(), testLead())
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("dossier save error must surface: %v", err)
	}
	if res.Status != domain.RunSuccess {
		t.Fatalf("computed status must survive a dossier save failure: got %s", res.Status)
	}
	if len(e.runs.completed) != 1 || e.runs.completed[0].Error == nil {
		t.Fatalf("run record should note the dossier failure")
	}
}

func TestSkippedStepOutputNotPassedDownstream(t *testing.T) {
	var pitchInputs map[string]string
	e := newEnv(t, map[string]Adapter{
		"sparks.content": alwaysFail("down"),
		"package.compile": AdapterFunc(func(ctx context.Context, p StepPayload) (string, error) {
			pitchInputs = p.Inputs
			return `{"title":"pkg"}`, nil
		}),
	})
	if _, err := e.orch.Run(context.Background(), testLead()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, ok := pitchInputs["sparks.content"]; ok {
		t.Fatalf("skipped step output leaked downstream")
	}
	if _, ok := pitchInputs["strategy.campaign"]; !ok {
		t.Fatalf("successful upstream outputs must be passed")
	}
}

func TestReplayStepsCarryInputAndOutput(t *testing.T) {
	e := newEnv(t, map[string]Adapter{
		"package.compile": AdapterFunc(func(ctx context.Context, p StepPayload) (string, error) {
			return `{"package":"` + strings.Repeat("x", 400) + `"}`, nil
		}),
	})
	res, err := e.orch.Run(context.Background(), testLead())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	for i, step := range res.Steps {
		if step.InputJSON == "" {
			t.Fatalf("step %d has no recorded input", i)
		}
		var in struct {
			LeadID       string   `json:"lead_id"`
			BusinessName string   `json:"business_name"`
			Inputs       []string `json:"inputs"`
		}
		if err := json.Unmarshal([]byte(step.InputJSON), &in); err != nil {
			t.Fatalf("step %d input not JSON: %v", i, err)
		}
		if in.LeadID != "lead-1" || in.BusinessName != "Bella Bakery" {
			t.Fatalf("step %d input lead: %+v", i, in)
		}
		if step.Status == domain.StepSuccess {
			if step.OutputSummary == nil || *step.OutputSummary == "" {
				t.Fatalf("successful step %d has no output summary", i)
			}
		}
	}

	last := res.Steps[len(res.Steps)-1]
	var lastIn struct {
		Inputs []string `json:"inputs"`
	}
	if err := json.Unmarshal([]byte(last.InputJSON), &lastIn); err != nil {
		t.Fatalf("last step input: %v", err)
	}
	if len(lastIn.Inputs) == 0 {
		t.Fatalf("final step should list its upstream inputs")
	}
	for i := 1; i < len(lastIn.Inputs); i++ {
		if lastIn.Inputs[i-1] >= lastIn.Inputs[i] {
			t.Fatalf("input names not sorted: %v", lastIn.Inputs)
		}
	}
	if len(*last.OutputSummary) > outputSummaryLimit+len("...") {
		t.Fatalf("output summary not truncated: %d bytes", len(*last.OutputSummary))
	}
	if !strings.HasSuffix(*last.OutputSummary, "...") {
		t.Fatalf("truncated summary should end with ellipsis: %q", *last.OutputSummary)
	}
}

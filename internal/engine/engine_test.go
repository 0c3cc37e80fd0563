package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"leadline/internal/config"
	"leadline/internal/db"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/migrate"
	"leadline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func mustCreateLead(t *testing.T, env testEnv, name string) domain.Lead {
	t.Helper()
	l, err := env.Engine.CreateLead(env.Ctx, engine.LeadCreateOptions{
		BusinessName: name,
		Niche:        "bakery",
		City:         "Lisbon",
		LeadScore:    70,
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("create lead: %v", err)
	}
	return l
}

func TestLeadStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	l := mustCreateLead(t, env, "Bella Bakery")
	if l.Status != "new" {
		t.Fatalf("new lead status: %s", l.Status)
	}

	l, err := env.Engine.UpdateLead(env.Ctx, engine.LeadUpdateOptions{ID: l.ID, Status: "researching", ActorID: "tester"})
	if err != nil || l.Status != "researching" {
		t.Fatalf("to researching: %v", err)
	}
	l, err = env.Engine.UpdateLead(env.Ctx, engine.LeadUpdateOptions{ID: l.ID, Status: "contacted", ActorID: "tester"})
	if err != nil || l.Status != "contacted" {
		t.Fatalf("to contacted: %v", err)
	}
	l, err = env.Engine.UpdateLead(env.Ctx, engine.LeadUpdateOptions{ID: l.ID, Status: "responded", ActorID: "tester"})
	if err != nil || l.Status != "responded" {
		t.Fatalf("to responded: %v", err)
	}
	l, err = env.Engine.UpdateLead(env.Ctx, engine.LeadUpdateOptions{ID: l.ID, Status: "won", ActorID: "tester"})
	if err != nil || l.Status != "won" {
		t.Fatalf("to won: %v", err)
	}
	// won is terminal
	_, err = env.Engine.UpdateLead(env.Ctx, engine.LeadUpdateOptions{ID: l.ID, Status: "new", ActorID: "tester"})
	if err == nil {
		t.Fatalf("expected transition error")
	}
	// force overrides
	_, err = env.Engine.UpdateLead(env.Ctx, engine.LeadUpdateOptions{ID: l.ID, Status: "researching", ActorID: "tester", Force: true})
	if err != nil {
		t.Fatalf("forced transition: %v", err)
	}
}

func TestLeadScoreValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateLead(env.Ctx, engine.LeadCreateOptions{BusinessName: "x", LeadScore: 120, ActorID: "tester"})
	if err == nil {
		t.Fatalf("expected score validation error")
	}
	l := mustCreateLead(t, env, "Scored")
	bad := -1
	if _, err := env.Engine.UpdateLead(env.Ctx, engine.LeadUpdateOptions{ID: l.ID, LeadScore: &bad, ActorID: "tester"}); err == nil {
		t.Fatalf("expected update score validation error")
	}
}

func TestOutreachAdvancesFreshLead(t *testing.T) {
	env := newTestEnv(t)
	l := mustCreateLead(t, env, "Touchy")
	entry, err := env.Engine.AddOutreach(env.Ctx, l.ID, "email", "hi there", "sent", "tester")
	if err != nil {
		t.Fatalf("add outreach: %v", err)
	}
	if entry.ID == "" {
		t.Fatalf("expected outreach id")
	}
	got, err := env.Engine.Repo.GetLead(env.Ctx, l.ID)
	if err != nil {
		t.Fatalf("get lead: %v", err)
	}
	if got.Status != "contacted" {
		t.Fatalf("first touch should move lead to contacted, got %s", got.Status)
	}
	entries, err := env.Engine.Repo.ListOutreach(env.Ctx, l.ID)
	if err != nil || len(entries) != 1 {
		t.Fatalf("list outreach: %v (%d)", err, len(entries))
	}
}

func TestLockAcquireRelease(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Now = time.Now
	l := mustCreateLead(t, env, "Locked")

	if err := env.Engine.AcquireLock(env.Ctx, l.ID, "run-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// another run cannot take the lead before expiry
	if err := env.Engine.AcquireLock(env.Ctx, l.ID, "run-2"); err == nil {
		t.Fatalf("expected lock held error")
	}
	// same run may refresh its own lock
	if err := env.Engine.AcquireLock(env.Ctx, l.ID, "run-1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := env.Engine.ReleaseLock(env.Ctx, l.ID, "run-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := env.Engine.AcquireLock(env.Ctx, l.ID, "run-2"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	// release by a run that no longer holds the lock is a no-op
	if err := env.Engine.ReleaseLock(env.Ctx, l.ID, "run-1"); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	got, _ := env.Engine.Repo.GetLead(env.Ctx, l.ID)
	if got.LockedByRunID == nil || *got.LockedByRunID != "run-2" {
		t.Fatalf("run-2 lock should survive a stale release")
	}
}

func TestExpiredLockCanBeTakenOver(t *testing.T) {
	env := newTestEnv(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return base }
	l := mustCreateLead(t, env, "Stale")

	if err := env.Engine.AcquireLock(env.Ctx, l.ID, "run-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// jump past the TTL
	env.Engine.Now = func() time.Time { return base.Add(env.Engine.Config.LockTTL() + time.Minute) }
	if err := env.Engine.AcquireLock(env.Ctx, l.ID, "run-2"); err != nil {
		t.Fatalf("takeover after expiry: %v", err)
	}
}

func TestDossierVersionsIncrement(t *testing.T) {
	env := newTestEnv(t)
	l := mustCreateLead(t, env, "Versioned")

	d1, err := env.Engine.SaveDossier(env.Ctx, l.ID, `{"v":1}`, nil)
	if err != nil {
		t.Fatalf("save 1: %v", err)
	}
	d2, err := env.Engine.SaveDossier(env.Ctx, l.ID, `{"v":2}`, []string{"a1"})
	if err != nil {
		t.Fatalf("save 2: %v", err)
	}
	if d1.Version != 1 || d2.Version != 2 {
		t.Fatalf("versions: got %d, %d", d1.Version, d2.Version)
	}

	// another lead starts back at version 1
	other := mustCreateLead(t, env, "Other")
	d3, err := env.Engine.SaveDossier(env.Ctx, other.ID, `{"v":1}`, nil)
	if err != nil || d3.Version != 1 {
		t.Fatalf("other lead version: %v (%d)", err, d3.Version)
	}

	list, err := env.Engine.Repo.ListDossiersByLead(env.Ctx, l.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Version != 2 || list[1].Version != 1 {
		t.Fatalf("expected newest-first versions, got %+v", list)
	}
}

func TestImportSkipsDuplicates(t *testing.T) {
	env := newTestEnv(t)
	existing := mustCreateLead(t, env, "Existing")

	sum, err := env.Engine.ImportLeads(env.Ctx, []domain.Lead{
		{ID: existing.ID, BusinessName: "Existing again"},
		{ID: "fresh-1", BusinessName: "Fresh One"},
		{ID: "fresh-2", BusinessName: "Fresh Two", Status: "contacted"},
	}, "tester")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if sum.Imported != 2 || sum.Skipped != 1 {
		t.Fatalf("summary: %+v", sum)
	}
	if len(sum.SkipIDs) != 1 || sum.SkipIDs[0] != existing.ID {
		t.Fatalf("skip ids: %v", sum.SkipIDs)
	}
	got, err := env.Engine.Repo.GetLead(env.Ctx, existing.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.BusinessName != "Existing" {
		t.Fatalf("duplicate import must not overwrite, got %q", got.BusinessName)
	}
	all, err := env.Engine.ExportLeads(env.Ctx)
	if err != nil || len(all) != 3 {
		t.Fatalf("export: %v (%d)", err, len(all))
	}
}

func TestMintAPIKey(t *testing.T) {
	env := newTestEnv(t)
	plaintext, key, err := env.Engine.MintAPIKey(env.Ctx, "tester", "laptop")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if !strings.HasPrefix(plaintext, "llk_") {
		t.Fatalf("key prefix: %q", plaintext)
	}
	if key.KeyHash != repo.HashAPIKey(plaintext) {
		t.Fatalf("stored hash does not match plaintext")
	}
	found, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(plaintext))
	if err != nil || found.ActorID != "tester" {
		t.Fatalf("lookup: %v", err)
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	l := mustCreateLead(t, env, "Evented")
	_, _ = env.Engine.UpdateLead(env.Ctx, engine.LeadUpdateOptions{ID: l.ID, Status: "researching", ActorID: "tester"})
	_ = env.Engine.DeleteLead(env.Ctx, l.ID, "tester")

	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE entity_id=?`, l.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		count++
	}
	if count < 3 {
		t.Fatalf("expected multiple events, got %d", count)
	}
}

func TestDeleteLeadRemovesRunHistory(t *testing.T) {
	env := newTestEnv(t)
	l := mustCreateLead(t, env, "Bella Bakery")

	run := domain.Run{ID: "run-1", LeadID: l.ID, Status: domain.RunInProgress, StartedAt: "2026-03-01T00:00:00Z"}
	if err := env.Engine.CreateRun(env.Ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	ended := "2026-03-01T00:01:00Z"
	step := domain.ReplayStep{
		ID:         "step-1",
		RunID:      run.ID,
		OrderIndex: 1,
		Module:     "market",
		Action:     "gap_analysis",
		Status:     domain.StepSuccess,
		StartedAt:  run.StartedAt,
		EndedAt:    &ended,
	}
	if err := env.Engine.AppendStep(env.Ctx, step); err != nil {
		t.Fatalf("append step: %v", err)
	}
	run.Status = domain.RunSuccess
	run.CompletedAt = &ended
	if err := env.Engine.CompleteRun(env.Ctx, run); err != nil {
		t.Fatalf("complete run: %v", err)
	}
	if _, err := env.Engine.SaveDossier(env.Ctx, l.ID, `{"summary":"done"}`, nil); err != nil {
		t.Fatalf("save dossier: %v", err)
	}

	if err := env.Engine.DeleteLead(env.Ctx, l.ID, "tester"); err != nil {
		t.Fatalf("delete lead with history: %v", err)
	}
	if _, err := env.Engine.Repo.GetLead(env.Ctx, l.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("lead still readable after delete: %v", err)
	}
	runs, err := env.Engine.Repo.ListRunsByLead(env.Ctx, l.ID)
	if err != nil || len(runs) != 0 {
		t.Fatalf("runs after delete: %v, %d left", err, len(runs))
	}
	dossiers, err := env.Engine.Repo.ListDossiersByLead(env.Ctx, l.ID)
	if err != nil || len(dossiers) != 0 {
		t.Fatalf("dossiers after delete: %v, %d left", err, len(dossiers))
	}
}

package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"leadline/internal/config"
	"leadline/internal/domain"
	"leadline/internal/events"
	"leadline/internal/repo"
)

// pipelineActor is the actor recorded on events written by the
// orchestrator rather than a person.
const pipelineActor = "system:pipeline"

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// LeadCreateOptions are parameters for creating a lead.
type LeadCreateOptions struct {
	ID           string
	Rank         int
	BusinessName string
	WebsiteURL   string
	Niche        string
	City         string
	ContactEmail string
	ContactPhone string
	LeadScore    int
	AssetGrade   string
	Notes        string
	Tags         []string
	OwnerID      string
	ActorID      string
}

func (e Engine) CreateLead(ctx context.Context, opts LeadCreateOptions) (domain.Lead, error) {
	if opts.BusinessName == "" {
		return domain.Lead{}, errors.New("business name is required")
	}
	if opts.LeadScore < 0 || opts.LeadScore > 100 {
		return domain.Lead{}, errors.New("lead score must be between 0 and 100")
	}
	if opts.AssetGrade != "" && opts.AssetGrade != "A" && opts.AssetGrade != "B" && opts.AssetGrade != "C" {
		return domain.Lead{}, fmt.Errorf("invalid asset grade %q", opts.AssetGrade)
	}
	id := opts.ID
	now := e.timestamp()
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.BusinessName+"|"+opts.City+"|"+now)).String()
	}
	l := domain.Lead{
		ID:           id,
		Rank:         opts.Rank,
		BusinessName: opts.BusinessName,
		WebsiteURL:   opts.WebsiteURL,
		Niche:        opts.Niche,
		City:         opts.City,
		ContactEmail: opts.ContactEmail,
		ContactPhone: opts.ContactPhone,
		LeadScore:    opts.LeadScore,
		AssetGrade:   opts.AssetGrade,
		Status:       "new",
		Notes:        opts.Notes,
		Tags:         opts.Tags,
		OwnerID:      optionalString(opts.OwnerID),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lead{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertLead(ctx, tx, l); err != nil {
		return domain.Lead{}, fmt.Errorf("insert lead: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "lead.created", "lead", l.ID, opts.ActorID, events.EventPayload{"business_name": l.BusinessName, "status": l.Status}); err != nil {
		return domain.Lead{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Lead{}, err
	}
	return l, nil
}

// ensureLeadTransition guards the CRM status lifecycle. Won and lost
// are terminal unless forced.
func ensureLeadTransition(oldStatus, newStatus string, force bool) error {
	if force || oldStatus == newStatus {
		return nil
	}
	allowed := map[string][]string{
		"new":         {"researching", "contacted", "lost"},
		"researching": {"contacted", "lost"},
		"contacted":   {"responded", "lost"},
		"responded":   {"won", "lost"},
	}
	for _, s := range allowed[oldStatus] {
		if s == newStatus {
			return nil
		}
	}
	return fmt.Errorf("invalid status transition %s -> %s", oldStatus, newStatus)
}

// LeadUpdateOptions encapsulates allowed updates. Nil pointers leave
// the field untouched.
type LeadUpdateOptions struct {
	ID           string
	Rank         *int
	BusinessName *string
	WebsiteURL   *string
	Niche        *string
	City         *string
	ContactEmail *string
	ContactPhone *string
	LeadScore    *int
	AssetGrade   *string
	Status       string
	Notes        *string
	Tags         []string
	Assign       *string
	ActorID      string
	Force        bool
}

func (e Engine) UpdateLead(ctx context.Context, opts LeadUpdateOptions) (domain.Lead, error) {
	l, err := e.Repo.GetLead(ctx, opts.ID)
	if err != nil {
		return l, err
	}
	original := l

	if opts.Rank != nil {
		l.Rank = *opts.Rank
	}
	if opts.BusinessName != nil {
		if *opts.BusinessName == "" {
			return l, errors.New("business name cannot be empty")
		}
		l.BusinessName = *opts.BusinessName
	}
	if opts.WebsiteURL != nil {
		l.WebsiteURL = *opts.WebsiteURL
	}
	if opts.Niche != nil {
		l.Niche = *opts.Niche
	}
	if opts.City != nil {
		l.City = *opts.City
	}
	if opts.ContactEmail != nil {
		l.ContactEmail = *opts.ContactEmail
	}
	if opts.ContactPhone != nil {
		l.ContactPhone = *opts.ContactPhone
	}
	if opts.LeadScore != nil {
		if *opts.LeadScore < 0 || *opts.LeadScore > 100 {
			return l, errors.New("lead score must be between 0 and 100")
		}
		l.LeadScore = *opts.LeadScore
	}
	if opts.AssetGrade != nil {
		if *opts.AssetGrade != "" && *opts.AssetGrade != "A" && *opts.AssetGrade != "B" && *opts.AssetGrade != "C" {
			return l, fmt.Errorf("invalid asset grade %q", *opts.AssetGrade)
		}
		l.AssetGrade = *opts.AssetGrade
	}
	if opts.Notes != nil {
		l.Notes = *opts.Notes
	}
	if opts.Tags != nil {
		l.Tags = opts.Tags
	}
	if opts.Assign != nil {
		if *opts.Assign == "" {
			l.OwnerID = nil
		} else {
			l.OwnerID = opts.Assign
		}
	}
	if opts.Status != "" {
		if err := ensureLeadTransition(l.Status, opts.Status, opts.Force); err != nil {
			return l, err
		}
		l.Status = opts.Status
	}
	l.UpdatedAt = e.timestamp()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return l, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateLead(ctx, tx, l); err != nil {
		return l, err
	}
	if opts.Status != "" && opts.Status != original.Status {
		if err := e.Events.Append(ctx, tx, "lead.status.changed", "lead", l.ID, opts.ActorID, events.EventPayload{"from": original.Status, "to": l.Status}); err != nil {
			return l, err
		}
	}
	if err := e.Events.Append(ctx, tx, "lead.updated", "lead", l.ID, opts.ActorID, events.EventPayload{"status": l.Status}); err != nil {
		return l, err
	}
	if err := tx.Commit(); err != nil {
		return l, err
	}
	return l, nil
}

func (e Engine) DeleteLead(ctx context.Context, id, actorID string) error {
	l, err := e.Repo.GetLead(ctx, id)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteLeadTx(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "lead.deleted", "lead", id, actorID, events.EventPayload{"business_name": l.BusinessName}); err != nil {
		return err
	}
	return tx.Commit()
}

// AddOutreach records an outreach touch. A first touch moves a fresh
// lead to contacted automatically.
func (e Engine) AddOutreach(ctx context.Context, leadID, channel, snippet, outcome, actorID string) (domain.OutreachEntry, error) {
	if channel == "" {
		return domain.OutreachEntry{}, errors.New("channel is required")
	}
	l, err := e.Repo.GetLead(ctx, leadID)
	if err != nil {
		return domain.OutreachEntry{}, err
	}
	entry := domain.OutreachEntry{
		ID:      uuid.NewString(),
		LeadID:  leadID,
		TS:      e.timestamp(),
		Channel: channel,
		Snippet: snippet,
		Outcome: outcome,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return entry, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertOutreach(ctx, tx, entry); err != nil {
		return entry, err
	}
	if l.Status == "new" || l.Status == "researching" {
		from := l.Status
		l.Status = "contacted"
		l.UpdatedAt = entry.TS
		if err := e.Repo.UpdateLead(ctx, tx, l); err != nil {
			return entry, err
		}
		if err := e.Events.Append(ctx, tx, "lead.status.changed", "lead", l.ID, actorID, events.EventPayload{"from": from, "to": l.Status}); err != nil {
			return entry, err
		}
	}
	if err := e.Events.Append(ctx, tx, "outreach.logged", "lead", leadID, actorID, events.EventPayload{"channel": channel, "outcome": outcome}); err != nil {
		return entry, err
	}
	if err := tx.Commit(); err != nil {
		return entry, err
	}
	return entry, nil
}

// AcquireLock claims a lead for a pipeline run. The claim survives a
// crashed run only until its TTL expires, after which another run may
// take over.
func (e Engine) AcquireLock(ctx context.Context, leadID, runID string) error {
	if e.Config == nil {
		return errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetLeadTx(ctx, tx, leadID)
	if err != nil {
		return err
	}
	now := e.now().UTC()
	if l.LockedByRunID != nil && *l.LockedByRunID != runID && l.LockExpiresAt != nil {
		exp, _ := time.Parse(time.RFC3339, *l.LockExpiresAt)
		if now.Before(exp) {
			return fmt.Errorf("lead locked by run %s", *l.LockedByRunID)
		}
	}
	expires := now.Add(e.Config.LockTTL()).Format(time.RFC3339)
	l.LockedByRunID = &runID
	l.LockExpiresAt = &expires
	l.UpdatedAt = now.Format(time.RFC3339)
	if err := e.Repo.UpdateLead(ctx, tx, l); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "lead.locked", "lead", leadID, pipelineActor, events.EventPayload{"run_id": runID, "expires_at": expires}); err != nil {
		return err
	}
	return tx.Commit()
}

// ReleaseLock clears a lead's lock when held by the given run. A lock
// already taken over by another run is left alone.
func (e Engine) ReleaseLock(ctx context.Context, leadID, runID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetLeadTx(ctx, tx, leadID)
	if err != nil {
		return err
	}
	if l.LockedByRunID == nil || *l.LockedByRunID != runID {
		return nil
	}
	l.LockedByRunID = nil
	l.LockExpiresAt = nil
	l.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateLead(ctx, tx, l); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "lead.unlocked", "lead", leadID, pipelineActor, events.EventPayload{"run_id": runID}); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateRun records a started pipeline run.
func (e Engine) CreateRun(ctx context.Context, run domain.Run) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRunTx(ctx, tx, run); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "run.started", "run", run.ID, pipelineActor, events.EventPayload{"lead_id": run.LeadID}); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendStep persists one replay log entry.
func (e Engine) AppendStep(ctx context.Context, step domain.ReplayStep) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertReplayStepTx(ctx, tx, step); err != nil {
		return fmt.Errorf("insert replay step: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "run.step", "run", step.RunID, pipelineActor, events.EventPayload{
		"module": step.Module, "action": step.Action, "status": step.Status, "order_index": step.OrderIndex,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// CompleteRun records a run's terminal status.
func (e Engine) CompleteRun(ctx context.Context, run domain.Run) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRunTx(ctx, tx, run); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "run.completed", "run", run.ID, pipelineActor, events.EventPayload{"status": run.Status}); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveDossier writes the compiled package as the next dossier version
// for the lead. Version assignment happens inside the transaction so
// concurrent saves cannot collide.
func (e Engine) SaveDossier(ctx context.Context, leadID, packageJSON string, consideredAssetIDs []string) (domain.Dossier, error) {
	if _, err := e.Repo.GetLead(ctx, leadID); err != nil {
		return domain.Dossier{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dossier{}, err
	}
	defer tx.Rollback()

	maxV, err := e.Repo.MaxDossierVersionTx(ctx, tx, leadID)
	if err != nil {
		return domain.Dossier{}, err
	}
	d := domain.Dossier{
		ID:                 uuid.NewString(),
		LeadID:             leadID,
		Version:            maxV + 1,
		PackageJSON:        packageJSON,
		ConsideredAssetIDs: consideredAssetIDs,
		CreatedAt:          e.timestamp(),
	}
	if err := e.Repo.InsertDossierTx(ctx, tx, d); err != nil {
		return domain.Dossier{}, fmt.Errorf("insert dossier: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "dossier.created", "dossier", d.ID, pipelineActor, events.EventPayload{"lead_id": leadID, "version": d.Version}); err != nil {
		return domain.Dossier{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Dossier{}, err
	}
	return d, nil
}

// ExportLeads returns every lead for backup or transfer.
func (e Engine) ExportLeads(ctx context.Context) ([]domain.Lead, error) {
	return e.Repo.ListLeads(ctx, repo.LeadFilters{})
}

// ImportSummary reports the outcome of a bulk lead import.
type ImportSummary struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	SkipIDs  []string `json:"skip_ids,omitempty"`
}

// ImportLeads inserts the given leads, skipping any whose ID already
// exists instead of failing the whole batch.
func (e Engine) ImportLeads(ctx context.Context, leads []domain.Lead, actorID string) (ImportSummary, error) {
	var sum ImportSummary
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return sum, err
	}
	defer tx.Rollback()

	now := e.timestamp()
	for _, l := range leads {
		if l.ID == "" || l.BusinessName == "" {
			return sum, errors.New("imported leads need id and business_name")
		}
		if _, err := e.Repo.GetLeadTx(ctx, tx, l.ID); err == nil {
			sum.Skipped++
			sum.SkipIDs = append(sum.SkipIDs, l.ID)
			continue
		} else if !errors.Is(err, repo.ErrNotFound) {
			return sum, err
		}
		if l.Status == "" {
			l.Status = "new"
		}
		if l.CreatedAt == "" {
			l.CreatedAt = now
		}
		l.UpdatedAt = now
		if err := e.Repo.InsertLead(ctx, tx, l); err != nil {
			return sum, fmt.Errorf("import lead %s: %w", l.ID, err)
		}
		sum.Imported++
	}
	if err := e.Events.Append(ctx, tx, "leads.imported", "lead", "", actorID, events.EventPayload{"imported": sum.Imported, "skipped": sum.Skipped}); err != nil {
		return sum, err
	}
	if err := tx.Commit(); err != nil {
		return sum, err
	}
	return sum, nil
}

// MintAPIKey creates an API key and returns its plaintext exactly once.
func (e Engine) MintAPIKey(ctx context.Context, actorID, name string) (string, domain.APIKey, error) {
	if actorID == "" {
		return "", domain.APIKey{}, errors.New("actor is required")
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", domain.APIKey{}, err
	}
	plaintext := "llk_" + hex.EncodeToString(raw)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := e.Events.Append(ctx, tx, "apikey.created", "apikey", key.ID, actorID, events.EventPayload{"name": name}); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return plaintext, key, nil
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

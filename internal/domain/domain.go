package domain

type Lead struct {
	ID            string   `json:"id"`
	Rank          int      `json:"rank,omitempty"`
	BusinessName  string   `json:"business_name"`
	WebsiteURL    string   `json:"website_url,omitempty"`
	Niche         string   `json:"niche,omitempty"`
	City          string   `json:"city,omitempty"`
	ContactEmail  string   `json:"contact_email,omitempty"`
	ContactPhone  string   `json:"contact_phone,omitempty"`
	LeadScore     int      `json:"lead_score" minimum:"0" maximum:"100"`
	AssetGrade    string   `json:"asset_grade,omitempty" enum:"A,B,C"`
	Status        string   `json:"status" enum:"new,researching,contacted,responded,won,lost"`
	Notes         string   `json:"notes,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	OwnerID       *string  `json:"owner_id,omitempty"`
	LockedByRunID *string  `json:"locked_by_run_id,omitempty"`
	LockExpiresAt *string  `json:"lock_expires_at,omitempty" format:"date-time"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
}

type OutreachEntry struct {
	ID      string `json:"id"`
	LeadID  string `json:"lead_id"`
	TS      string `json:"ts" format:"date-time"`
	Channel string `json:"channel"`
	Snippet string `json:"snippet,omitempty"`
	Outcome string `json:"outcome,omitempty"`
}

type Run struct {
	ID          string  `json:"id"`
	LeadID      string  `json:"lead_id"`
	Status      string  `json:"status" enum:"in_progress,success,partial_success,failed"`
	PackageJSON *string `json:"package_json,omitempty"`
	Error       *string `json:"error,omitempty"`
	StartedAt   string  `json:"started_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

// ReplayStep is one executed pipeline task in a run's replay log.
// OrderIndex is assigned when the step starts and is strictly increasing
// within a run, so the log reconstructs a deterministic timeline.
type ReplayStep struct {
	ID            string   `json:"id"`
	RunID         string   `json:"run_id"`
	OrderIndex    int      `json:"order_index"`
	Module        string   `json:"module"`
	Action        string   `json:"action"`
	Status        string   `json:"status" enum:"pending,in_progress,success,failed,skipped"`
	StartedAt     string   `json:"started_at" format:"date-time"`
	EndedAt       *string  `json:"ended_at,omitempty" format:"date-time"`
	RetryCount    int      `json:"retry_count"`
	InputJSON     string   `json:"input_json,omitempty"`
	AssetIDs      []string `json:"asset_ids,omitempty"`
	Log           []string `json:"log,omitempty"`
	Error         *string  `json:"error,omitempty"`
	OutputSummary *string  `json:"output_summary,omitempty"`
}

type Asset struct {
	ID           string            `json:"id"`
	LeadID       *string           `json:"lead_id,omitempty"`
	Type         string            `json:"type" enum:"text,image,video,audio"`
	Title        string            `json:"title"`
	Payload      string            `json:"payload"`
	SourceModule string            `json:"source_module"`
	ContentHash  *string           `json:"content_hash,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    string            `json:"created_at" format:"date-time"`
}

// Dossier is a versioned snapshot of a run's compiled package for one lead.
type Dossier struct {
	ID                 string   `json:"id"`
	LeadID             string   `json:"lead_id"`
	Version            int      `json:"version"`
	PackageJSON        string   `json:"package_json"`
	ConsideredAssetIDs []string `json:"considered_asset_ids,omitempty"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Asset types.
const (
	AssetText  = "text"
	AssetImage = "image"
	AssetVideo = "video"
	AssetAudio = "audio"
)

// Run statuses.
const (
	RunInProgress     = "in_progress"
	RunSuccess        = "success"
	RunPartialSuccess = "partial_success"
	RunFailed         = "failed"
)

// Replay step statuses.
const (
	StepPending    = "pending"
	StepInProgress = "in_progress"
	StepSuccess    = "success"
	StepFailed     = "failed"
	StepSkipped    = "skipped"
)

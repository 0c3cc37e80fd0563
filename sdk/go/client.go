package leadlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Leadline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Lead represents the API lead model (partial).
type Lead struct {
	ID           string   `json:"id"`
	Rank         int      `json:"rank"`
	BusinessName string   `json:"business_name"`
	WebsiteURL   string   `json:"website_url,omitempty"`
	Niche        string   `json:"niche,omitempty"`
	City         string   `json:"city,omitempty"`
	ContactEmail string   `json:"contact_email,omitempty"`
	ContactPhone string   `json:"contact_phone,omitempty"`
	LeadScore    int      `json:"lead_score"`
	AssetGrade   string   `json:"asset_grade,omitempty"`
	Status       string   `json:"status"`
	Notes        string   `json:"notes,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	OwnerID      string   `json:"owner_id,omitempty"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
}

// OutreachEntry is a logged outreach touch.
type OutreachEntry struct {
	ID      string `json:"id"`
	LeadID  string `json:"lead_id"`
	Channel string `json:"channel"`
	Snippet string `json:"snippet,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	TS      string `json:"ts"`
}

// ReplayStep is one entry in a run's replay log.
type ReplayStep struct {
	ID            string   `json:"id"`
	RunID         string   `json:"run_id"`
	OrderIndex    int      `json:"order_index"`
	Module        string   `json:"module"`
	Action        string   `json:"action"`
	Status        string   `json:"status"`
	RetryCount    int      `json:"retry_count"`
	AssetIDs      []string `json:"asset_ids,omitempty"`
	Log           []string `json:"log,omitempty"`
	Error         string   `json:"error,omitempty"`
	OutputSummary string   `json:"output_summary,omitempty"`
	StartedAt     string   `json:"started_at"`
	EndedAt       string   `json:"ended_at,omitempty"`
}

// Run represents a pipeline run with its replay log.
type Run struct {
	ID          string       `json:"id"`
	LeadID      string       `json:"lead_id"`
	Status      string       `json:"status"`
	PackageJSON string       `json:"package_json,omitempty"`
	Error       string       `json:"error,omitempty"`
	StartedAt   string       `json:"started_at"`
	CompletedAt string       `json:"completed_at,omitempty"`
	Steps       []ReplayStep `json:"steps,omitempty"`
}

// Asset represents a committed generation output.
type Asset struct {
	ID           string            `json:"id"`
	LeadID       string            `json:"lead_id,omitempty"`
	Type         string            `json:"type"`
	Title        string            `json:"title"`
	Payload      string            `json:"payload"`
	SourceModule string            `json:"source_module"`
	ContentHash  string            `json:"content_hash,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    string            `json:"created_at"`
}

// Dossier is a versioned client package.
type Dossier struct {
	ID                 string   `json:"id"`
	LeadID             string   `json:"lead_id"`
	Version            int      `json:"version"`
	PackageJSON        string   `json:"package_json"`
	ConsideredAssetIDs []string `json:"considered_asset_ids,omitempty"`
	CreatedAt          string   `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
}

// ImportSummary reports the outcome of a bulk import.
type ImportSummary struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	SkipIDs  []string `json:"skip_ids,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedLeads wraps lead listings with a cursor.
type PaginatedLeads struct {
	Items      []Lead `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedEvents wraps event listings with a cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateLead creates a lead.
func (c *Client) CreateLead(ctx context.Context, businessName string, fields map[string]any) (Lead, error) {
	body := map[string]any{"business_name": businessName}
	for k, v := range fields {
		body[k] = v
	}
	var resp Lead
	err := c.do(ctx, http.MethodPost, "v0/leads", body, &resp)
	return resp, err
}

// GetLead fetches a lead by id.
func (c *Client) GetLead(ctx context.Context, id string) (Lead, error) {
	var resp Lead
	err := c.do(ctx, http.MethodGet, "v0/leads/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// UpdateLead applies a partial update.
func (c *Client) UpdateLead(ctx context.Context, id string, fields map[string]any) (Lead, error) {
	var resp Lead
	err := c.do(ctx, http.MethodPatch, "v0/leads/"+url.PathEscape(id), fields, &resp)
	return resp, err
}

// DeleteLead removes a lead.
func (c *Client) DeleteLead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "v0/leads/"+url.PathEscape(id), nil, nil)
}

// LeadsPage returns a paginated lead listing.
func (c *Client) LeadsPage(ctx context.Context, limit int, cursor string) (PaginatedLeads, error) {
	endpoint := "v0/leads"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedLeads
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ImportLeads bulk-creates leads, skipping existing ids.
func (c *Client) ImportLeads(ctx context.Context, leads []Lead) (ImportSummary, error) {
	var resp ImportSummary
	err := c.do(ctx, http.MethodPost, "v0/leads/import", map[string]any{"leads": leads}, &resp)
	return resp, err
}

// ExportLeads returns every lead in the workspace.
func (c *Client) ExportLeads(ctx context.Context) ([]Lead, error) {
	var resp []Lead
	err := c.do(ctx, http.MethodGet, "v0/leads/export", nil, &resp)
	return resp, err
}

// AddOutreach logs an outreach touch against a lead.
func (c *Client) AddOutreach(ctx context.Context, leadID, channel, snippet, outcome string) (OutreachEntry, error) {
	body := map[string]any{
		"channel": channel,
		"snippet": snippet,
		"outcome": outcome,
	}
	var resp OutreachEntry
	endpoint := fmt.Sprintf("v0/leads/%s/outreach", url.PathEscape(leadID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// StartRun runs the generation pipeline for a lead and waits for the result.
func (c *Client) StartRun(ctx context.Context, leadID string) (Run, error) {
	var resp Run
	endpoint := fmt.Sprintf("v0/leads/%s/runs", url.PathEscape(leadID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// GetRun fetches a run with its replay log.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "v0/runs/"+url.PathEscape(runID), nil, &resp)
	return resp, err
}

// ListAssets returns assets, optionally filtered by lead.
func (c *Client) ListAssets(ctx context.Context, leadID string) ([]Asset, error) {
	endpoint := "v0/assets"
	if leadID != "" {
		endpoint = fmt.Sprintf("%s?lead_id=%s", endpoint, url.QueryEscape(leadID))
	}
	var resp []Asset
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListDossiers returns dossier versions for a lead, newest first.
func (c *Client) ListDossiers(ctx context.Context, leadID string) ([]Dossier, error) {
	var resp []Dossier
	endpoint := fmt.Sprintf("v0/leads/%s/dossiers", url.PathEscape(leadID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

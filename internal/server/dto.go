package server

import (
	"leadline/internal/domain"
)

type CreateLeadRequest struct {
	ID           *string  `json:"id,omitempty"`
	Rank         *int     `json:"rank,omitempty"`
	BusinessName string   `json:"business_name"`
	WebsiteURL   *string  `json:"website_url,omitempty"`
	Niche        *string  `json:"niche,omitempty"`
	City         *string  `json:"city,omitempty"`
	ContactEmail *string  `json:"contact_email,omitempty"`
	ContactPhone *string  `json:"contact_phone,omitempty"`
	LeadScore    *int     `json:"lead_score,omitempty" minimum:"0" maximum:"100"`
	AssetGrade   *string  `json:"asset_grade,omitempty" enum:"A,B,C"`
	Notes        *string  `json:"notes,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	OwnerID      *string  `json:"owner_id,omitempty"`
}

type UpdateLeadRequest struct {
	Rank         *int     `json:"rank,omitempty"`
	BusinessName *string  `json:"business_name,omitempty"`
	WebsiteURL   *string  `json:"website_url,omitempty"`
	Niche        *string  `json:"niche,omitempty"`
	City         *string  `json:"city,omitempty"`
	ContactEmail *string  `json:"contact_email,omitempty"`
	ContactPhone *string  `json:"contact_phone,omitempty"`
	LeadScore    *int     `json:"lead_score,omitempty" minimum:"0" maximum:"100"`
	AssetGrade   *string  `json:"asset_grade,omitempty" enum:"A,B,C"`
	Status       string   `json:"status,omitempty" enum:"new,researching,contacted,responded,won,lost"`
	Notes        *string  `json:"notes,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Assign       *string  `json:"assign,omitempty"`
	Force        bool     `json:"force,omitempty"`
}

type LeadResponse struct {
	domain.Lead
}

type paginatedLeads struct {
	Items      []LeadResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type ImportLeadsRequest struct {
	Leads []domain.Lead `json:"leads"`
}

type CreateOutreachRequest struct {
	Channel string `json:"channel"`
	Snippet string `json:"snippet,omitempty"`
	Outcome string `json:"outcome,omitempty"`
}

type RunResponse struct {
	domain.Run
	Steps []domain.ReplayStep `json:"steps,omitempty"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type MintAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type MintAPIKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

func leadResponses(in []domain.Lead) []LeadResponse {
	out := make([]LeadResponse, 0, len(in))
	for _, l := range in {
		out = append(out, LeadResponse{Lead: l})
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func intOrZero(ptr *int) int {
	if ptr == nil {
		return 0
	}
	return *ptr
}

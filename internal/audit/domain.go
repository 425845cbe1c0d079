// Package audit exposes the forensic audit trail to facility directors.
package audit

import (
	"encoding/json"
	"time"
)

// TimelineFilters narrows the audit timeline.
type TimelineFilters struct {
	From       time.Time
	To         time.Time
	ActorID    int64
	EntityType string
	EntityID   int64
	EventType  string
	MinRisk    string
	Page       int
	PageSize   int
}

// TimelineRow is one audit_logs entry.
type TimelineRow struct {
	ID          int64           `json:"id"`
	At          time.Time       `json:"at"`
	ActorID     int64           `json:"actor_id,omitempty"`
	EventType   string          `json:"event_type"`
	Description string          `json:"description"`
	EntityType  string          `json:"entity_type"`
	EntityID    int64           `json:"entity_id"`
	RiskLevel   string          `json:"risk_level"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// PagingInfo describes the page returned.
type PagingInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasNext  bool `json:"has_next"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// Result wraps a timeline page.
type Result struct {
	Rows   []TimelineRow `json:"rows"`
	Paging PagingInfo    `json:"paging"`
}

// Query is what the repository executes. FacilityID scopes rows to events whose actor
// belongs to the facility.
type Query struct {
	TimelineFilters
	FacilityID int64
	Offset     int
	Limit      int
}

package model

import (
	"strings"
)

// EventType represents different types of CRM webhook events
type EventType string

// Known event type constants (with versioning). Only stage-relevant types are
// listed; anything else the platform sends is filtered before any work happens.
const (
	V1LeadStageChanged EventType = "v1.leads.stage_changed"
	V1LeadCreated      EventType = "v1.leads.created"
	V1LeadUpdated      EventType = "v1.leads.updated"
	V1LeadTagsChanged  EventType = "v1.leads.tags_changed"
)

// MapToBaseEventType attempts to map an input string (potentially with an extra
// trailing account discriminator, e.g. "v1.leads.updated.acc42") back to a
// known base EventType constant.
// It returns the mapped EventType and true if successful, or an empty EventType
// ("") and false if no mapping is found.
func MapToBaseEventType(input string) (EventType, bool) {
	// Direct match first.
	switch EventType(input) {
	case V1LeadStageChanged, V1LeadCreated, V1LeadUpdated, V1LeadTagsChanged:
		return EventType(input), true
	}

	// If no direct match, try stripping the last component after the final dot.
	lastDotIndex := strings.LastIndex(input, ".")
	if lastDotIndex <= 0 {
		return "", false
	}

	base := input[:lastDotIndex]
	switch EventType(base) {
	case V1LeadStageChanged:
		return V1LeadStageChanged, true
	case V1LeadCreated:
		return V1LeadCreated, true
	case V1LeadUpdated:
		return V1LeadUpdated, true
	case V1LeadTagsChanged:
		return V1LeadTagsChanged, true
	default:
		return "", false
	}
}

// IsStageRelevant reports whether events of this type can indicate a pipeline
// stage change. The filter decision is made on the type tag alone; no lead
// data is fetched before it.
func (e EventType) IsStageRelevant() bool {
	switch e {
	case V1LeadStageChanged, V1LeadCreated, V1LeadUpdated, V1LeadTagsChanged:
		return true
	default:
		return false
	}
}

// GetVersion extracts the version from an event type
// Returns the version string (e.g., "v1") or an empty string if no version specified
func (e EventType) GetVersion() string {
	parts := strings.SplitN(string(e), ".", 2)
	if len(parts) < 2 {
		return ""
	}

	if len(parts[0]) >= 2 && parts[0][0] == 'v' {
		return parts[0]
	}
	return ""
}

// GetBaseType strips the version prefix from an event type
func (e EventType) GetBaseType() EventType {
	version := e.GetVersion()
	if version == "" {
		return e
	}
	return EventType(strings.TrimPrefix(string(e), version+"."))
}

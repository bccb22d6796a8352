// Package types provides common type definitions for the guild ingestion pipeline.
package types

import "strings"

// QueueStatus represents the lifecycle state of a guild queue entry
type QueueStatus string

const (
	// StatusPending means the entry is waiting to be claimed by a worker
	StatusPending QueueStatus = "pending"
	// StatusInProgress means a worker currently owns the entry
	StatusInProgress QueueStatus = "in_progress"
	// StatusCompleted means every report for the guild has been fetched
	StatusCompleted QueueStatus = "completed"
	// StatusFailed means the entry will not be retried without operator action
	StatusFailed QueueStatus = "failed"
	// StatusPaused means an operator has taken the entry out of rotation
	StatusPaused QueueStatus = "paused"
)

// AllQueueStatuses returns every queue status in display order
func AllQueueStatuses() []QueueStatus {
	return []QueueStatus{StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusPaused}
}

// ParseQueueStatus parses a status string, reporting whether it is known
func ParseQueueStatus(value string) (QueueStatus, bool) {
	normalized := QueueStatus(strings.ToLower(strings.TrimSpace(value)))
	for _, status := range AllQueueStatuses() {
		if status == normalized {
			return status, true
		}
	}
	return "", false
}

// ErrorType classifies why an ingestion attempt failed
type ErrorType string

const (
	// ErrorGuildNotFound means the guild does not exist upstream (permanent)
	ErrorGuildNotFound ErrorType = "guild_not_found"
	// ErrorRateLimited means request backoff was exhausted
	ErrorRateLimited ErrorType = "rate_limited"
	// ErrorNetwork means the upstream could not be reached
	ErrorNetwork ErrorType = "network_error"
	// ErrorAPI means the upstream answered with an unexpected status
	ErrorAPI ErrorType = "api_error"
	// ErrorDatabase means a local store failed
	ErrorDatabase ErrorType = "database_error"
	// ErrorUnknown is the fallback classification
	ErrorUnknown ErrorType = "unknown"
)

// Region is a Battle.net region
type Region string

const (
	RegionUS Region = "us"
	RegionEU Region = "eu"
	RegionKR Region = "kr"
	RegionTW Region = "tw"
)

// ParseRegion parses a region code, reporting whether it is supported
func ParseRegion(value string) (Region, bool) {
	switch Region(strings.ToLower(strings.TrimSpace(value))) {
	case RegionUS:
		return RegionUS, true
	case RegionEU:
		return RegionEU, true
	case RegionKR:
		return RegionKR, true
	case RegionTW:
		return RegionTW, true
	default:
		return "", false
	}
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

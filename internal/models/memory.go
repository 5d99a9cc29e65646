package models

import (
	"encoding/json"
	"time"
)

// CoreSegment partitions core memory
type CoreSegment string

const (
	SegmentPersona CoreSegment = "persona"
	SegmentHuman   CoreSegment = "human"
)

// IsValid reports whether the segment is known
func (s CoreSegment) IsValid() bool {
	return s == SegmentPersona || s == SegmentHuman
}

// Role is the author of an episodic turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// IsValid reports whether the role is known
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// ResourceType classifies a resource memory row
type ResourceType string

const (
	ResourceImage ResourceType = "image"
	ResourceVideo ResourceType = "video"
	ResourceURL   ResourceType = "url"
	ResourceFile  ResourceType = "file"
)

// IsValid reports whether the resource type is known
func (t ResourceType) IsValid() bool {
	switch t {
	case ResourceImage, ResourceVideo, ResourceURL, ResourceFile:
		return true
	}
	return false
}

// Sensitivity labels a knowledge vault entry
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// IsValid reports whether the sensitivity label is known
func (s Sensitivity) IsValid() bool {
	switch s {
	case SensitivityLow, SensitivityMedium, SensitivityHigh:
		return true
	}
	return false
}

// CoreEntry is a durable fact about the user or the assistant persona.
// Unique per (user, segment, key).
type CoreEntry struct {
	ID        int64       `json:"id"`
	UserID    int64       `json:"user_id"`
	Segment   CoreSegment `json:"segment"`
	Key       string      `json:"key"`
	Value     string      `json:"value"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// EpisodicEntry is one immutable conversation turn
type EpisodicEntry struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	ChatID    int64           `json:"chat_id"`
	Role      Role            `json:"role"`
	Content   string          `json:"content"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// SemanticEntry is an extracted fact or entity.
// Unique per (user, entity_type, summary).
type SemanticEntry struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	EntityType string    `json:"entity_type"`
	Summary    string    `json:"summary"`
	Details    string    `json:"details,omitempty"`
	Source     string    `json:"source,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ResourceEntry references external media or documents. ChatID is nil for
// user-scoped resources.
type ResourceEntry struct {
	ID           int64        `json:"id"`
	UserID       int64        `json:"user_id"`
	ChatID       *int64       `json:"chat_id,omitempty"`
	Title        string       `json:"title"`
	Summary      string       `json:"summary,omitempty"`
	ResourceType ResourceType `json:"resource_type"`
	Location     string       `json:"location"` // URL, data URI or inline content
	CreatedAt    time.Time    `json:"created_at"`
}

// Procedure is a named task template with opaque ordered steps
type Procedure struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Name      string          `json:"name"`
	Steps     json.RawMessage `json:"steps"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// VaultEntry is a sensitive key/value pair. Value is plaintext in memory and
// sealed at rest.
type VaultEntry struct {
	ID          int64       `json:"id"`
	UserID      int64       `json:"user_id"`
	Key         string      `json:"key"`
	Value       string      `json:"value,omitempty"`
	Sensitivity Sensitivity `json:"sensitivity"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Turn is one committed exchange: the user's query, the assistant's answer
// and any resources the pipeline produced.
type Turn struct {
	UserID    int64
	ChatID    int64
	Query     string
	Answer    string
	Payload   json.RawMessage
	Resources []ResourceEntry
}

// Package knowledge holds the canonical data model shared by the cache,
// the mutation manager and the progress poller, plus the HTTP client for
// the knowledge-base server. Server payloads use several aliases for the
// same fact (operation_id vs progressId); normalization happens once, at
// the client boundary, and only canonical types travel further in.
package knowledge

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Entity statuses.
const (
	EntityStatusProcessing = "processing"
	EntityStatusActive     = "active"
	EntityStatusError      = "error"
)

// Transient operation statuses, in pipeline order.
const (
	OpStatusStarting        = "starting"
	OpStatusInitializing    = "initializing"
	OpStatusAnalyzing       = "analyzing"
	OpStatusCrawling        = "crawling"
	OpStatusProcessing      = "processing"
	OpStatusSourceCreation  = "source_creation"
	OpStatusDocumentStorage = "document_storage"
	OpStatusCodeExtraction  = "code_extraction"
	OpStatusFinalization    = "finalization"
)

// Terminal operation statuses. Once one of these is observed, polling stops.
const (
	OpStatusCompleted = "completed"
	OpStatusError     = "error"
	OpStatusFailed    = "failed"
	OpStatusCancelled = "cancelled"
)

// Operation types.
const (
	OpTypeCrawl  = "crawl"
	OpTypeUpload = "upload"
	OpTypeUpdate = "update"
	OpTypeDelete = "delete"
)

func IsTerminalStatus(status string) bool {
	switch status {
	case OpStatusCompleted, OpStatusError, OpStatusFailed, OpStatusCancelled:
		return true
	default:
		return false
	}
}

// EntityMetadata is the nested copy of facts that are also denormalized on
// the entity itself. Both representations must stay equal after every
// mutation.
type EntityMetadata struct {
	KnowledgeType string   `json:"knowledge_type,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	SourceURL     string   `json:"source_url,omitempty"`
}

// Entity is one knowledge/document item tracked across cached views.
type Entity struct {
	SourceID          string         `json:"source_id"`
	Title             string         `json:"title"`
	URL               string         `json:"url,omitempty"`
	Status            string         `json:"status"`
	KnowledgeType     string         `json:"knowledge_type,omitempty"`
	Tags              []string       `json:"tags,omitempty"`
	DocumentCount     int            `json:"document_count"`
	CodeExamplesCount int            `json:"code_examples_count"`
	Metadata          EntityMetadata `json:"metadata,omitempty"`
	CreatedAt         string         `json:"created_at,omitempty"`
	UpdatedAt         string         `json:"updated_at,omitempty"`
}

// Operation is one long-running server-side task identified by an id and
// polled for status.
type Operation struct {
	OperationID   string  `json:"operation_id"`
	OperationType string  `json:"operation_type"`
	Status        string  `json:"status"`
	Progress      float64 `json:"progress"`
	Message       string  `json:"message,omitempty"`
	SourceID      string  `json:"source_id,omitempty"`
	StartedAt     string  `json:"started_at,omitempty"`
}

func (op Operation) Terminal() bool {
	return IsTerminalStatus(op.Status)
}

// ItemPatch is a partial update for an entity. Nil fields are untouched.
type ItemPatch struct {
	Title         *string  `json:"title,omitempty"`
	KnowledgeType *string  `json:"knowledge_type,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

// TempItemID synthesizes a placeholder entity id, unique within a session
// by combining the action type with the wall-clock millisecond.
func TempItemID(action string, now time.Time) string {
	return fmt.Sprintf("temp-item-%s-%d", action, now.UnixMilli())
}

// TempProgressID synthesizes a placeholder operation id.
func TempProgressID(action string, now time.Time) string {
	return fmt.Sprintf("temp-progress-%s-%d", action, now.UnixMilli())
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, "temp-item-") || strings.HasPrefix(id, "temp-progress-")
}

// TitleFromURL derives a display title from a crawl target's hostname,
// falling back to the raw input when it does not parse.
func TitleFromURL(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Host == "" {
		return strings.TrimSpace(raw)
	}
	return parsed.Host
}

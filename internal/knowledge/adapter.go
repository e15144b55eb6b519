package knowledge

import (
	"encoding/json"
	"strings"
)

// The server spells the same facts several ways depending on endpoint
// vintage: operation_id vs progressId vs progress_id, operation_type vs
// type, numeric-or-string progress. These payload types absorb every
// variant; normalize() produces the one canonical shape the rest of the
// engine sees. The aliasing must never leak past this file.

type startPayload struct {
	ProgressID      string `json:"progressId"`
	ProgressIDSnake string `json:"progress_id"`
	OperationID     string `json:"operation_id"`
	Message         string `json:"message"`
}

func (p startPayload) normalize() StartResult {
	return StartResult{
		ProgressID: firstNonEmpty(p.ProgressID, p.ProgressIDSnake, p.OperationID),
		Message:    p.Message,
	}
}

type operationPayload struct {
	OperationID     string      `json:"operation_id"`
	ProgressID      string      `json:"progressId"`
	ProgressIDSnake string      `json:"progress_id"`
	OperationType   string      `json:"operation_type"`
	Type            string      `json:"type"`
	Status          string      `json:"status"`
	Progress        json.Number `json:"progress"`
	Percentage      json.Number `json:"percentage"`
	Message         string      `json:"message"`
	Log             string      `json:"log"`
	Error           string      `json:"error"`
	SourceID        string      `json:"source_id"`
	StartedAt       string      `json:"started_at"`
}

func (p operationPayload) normalize() Operation {
	message := firstNonEmpty(p.Message, p.Log)
	if message == "" && p.Error != "" {
		message = p.Error
	}
	return Operation{
		OperationID:   firstNonEmpty(p.OperationID, p.ProgressID, p.ProgressIDSnake),
		OperationType: firstNonEmpty(p.OperationType, p.Type),
		Status:        strings.TrimSpace(p.Status),
		Progress:      clampProgress(numberOrZero(p.Progress, p.Percentage)),
		Message:       message,
		SourceID:      p.SourceID,
		StartedAt:     p.StartedAt,
	}
}

type operationListPayload struct {
	Operations []operationPayload `json:"operations"`
	Count      int                `json:"count"`
	Timestamp  string             `json:"timestamp"`
}

func (p operationListPayload) normalize() OperationList {
	out := OperationList{
		Operations: make([]Operation, 0, len(p.Operations)),
		Count:      p.Count,
		Timestamp:  p.Timestamp,
	}
	for _, op := range p.Operations {
		out.Operations = append(out.Operations, op.normalize())
	}
	if out.Count == 0 {
		out.Count = len(out.Operations)
	}
	return out
}

type entityPayload struct {
	SourceID          string         `json:"source_id"`
	ID                string         `json:"id"`
	Title             string         `json:"title"`
	URL               string         `json:"url"`
	Status            string         `json:"status"`
	KnowledgeType     string         `json:"knowledge_type"`
	Tags              []string       `json:"tags"`
	DocumentCount     int            `json:"document_count"`
	CodeExamplesCount int            `json:"code_examples_count"`
	Metadata          EntityMetadata `json:"metadata"`
	CreatedAt         string         `json:"created_at"`
	UpdatedAt         string         `json:"updated_at"`
}

func (p entityPayload) normalize() Entity {
	entity := Entity{
		SourceID:          firstNonEmpty(p.SourceID, p.ID),
		Title:             p.Title,
		URL:               firstNonEmpty(p.URL, p.Metadata.SourceURL),
		Status:            firstNonEmpty(p.Status, EntityStatusActive),
		KnowledgeType:     firstNonEmpty(p.KnowledgeType, p.Metadata.KnowledgeType),
		Tags:              p.Tags,
		DocumentCount:     p.DocumentCount,
		CodeExamplesCount: p.CodeExamplesCount,
		Metadata:          p.Metadata,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
	if len(entity.Tags) == 0 {
		entity.Tags = p.Metadata.Tags
	}
	// The denormalized fields and the nested metadata copies are two
	// representations of the same fact and must leave the boundary equal.
	entity.Metadata.KnowledgeType = entity.KnowledgeType
	entity.Metadata.Tags = append([]string(nil), entity.Tags...)
	entity.Tags = append([]string(nil), entity.Tags...)
	return entity
}

type entityPagePayload struct {
	Items []entityPayload `json:"items"`
	Total int             `json:"total"`
}

func (p entityPagePayload) normalize() EntityPage {
	out := EntityPage{
		Items: make([]Entity, 0, len(p.Items)),
		Total: p.Total,
	}
	for _, item := range p.Items {
		out.Items = append(out.Items, item.normalize())
	}
	if out.Total == 0 {
		out.Total = len(out.Items)
	}
	return out
}

// ParseOperation normalizes one raw operation payload, e.g. a frame from
// the progress stream.
func ParseOperation(data []byte) (Operation, error) {
	var payload operationPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Operation{}, err
	}
	return payload.normalize(), nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func numberOrZero(values ...json.Number) float64 {
	for _, value := range values {
		if value == "" {
			continue
		}
		if f, err := value.Float64(); err == nil {
			return f
		}
	}
	return 0
}

func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

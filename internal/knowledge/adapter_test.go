package knowledge

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func timeFromMilli(t *testing.T, ms int64) time.Time {
	t.Helper()
	return time.UnixMilli(ms)
}

func TestStartPayloadAliases(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"camel", `{"progressId":"op-1"}`, "op-1"},
		{"snake", `{"progress_id":"op-2"}`, "op-2"},
		{"operation id", `{"operation_id":"op-3"}`, "op-3"},
		{"camel wins", `{"progressId":"op-1","operation_id":"op-3"}`, "op-1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var payload startPayload
			if err := json.Unmarshal([]byte(tc.raw), &payload); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := payload.normalize().ProgressID; got != tc.want {
				t.Fatalf("ProgressID = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestParseOperationAliases(t *testing.T) {
	raw := `{"progressId":"op-9","type":"crawl","status":"crawling","percentage":"42.5","log":"crawling docs"}`
	op, err := ParseOperation([]byte(raw))
	if err != nil {
		t.Fatalf("ParseOperation: %v", err)
	}
	want := Operation{
		OperationID:   "op-9",
		OperationType: "crawl",
		Status:        OpStatusCrawling,
		Progress:      42.5,
		Message:       "crawling docs",
	}
	if !reflect.DeepEqual(op, want) {
		t.Fatalf("op = %+v, want %+v", op, want)
	}
}

func TestParseOperationClampsProgress(t *testing.T) {
	for raw, want := range map[string]float64{
		`{"operation_id":"a","progress":-3}`:  0,
		`{"operation_id":"a","progress":150}`: 100,
		`{"operation_id":"a","progress":55}`:  55,
	} {
		op, err := ParseOperation([]byte(raw))
		if err != nil {
			t.Fatalf("ParseOperation(%s): %v", raw, err)
		}
		if op.Progress != want {
			t.Fatalf("progress for %s = %v, want %v", raw, op.Progress, want)
		}
	}
}

func TestParseOperationErrorFieldBecomesMessage(t *testing.T) {
	op, err := ParseOperation([]byte(`{"operation_id":"a","status":"failed","error":"out of disk"}`))
	if err != nil {
		t.Fatalf("ParseOperation: %v", err)
	}
	if op.Message != "out of disk" {
		t.Fatalf("message = %q", op.Message)
	}
}

func TestEntityNormalizationKeepsCopiesEqual(t *testing.T) {
	raw := `{
		"id": "src-1",
		"title": "Docs",
		"metadata": {"knowledge_type": "technical", "tags": ["go","docs"], "source_url": "https://docs.example.com"}
	}`
	var payload entityPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	entity := payload.normalize()

	if entity.SourceID != "src-1" {
		t.Fatalf("source id = %q", entity.SourceID)
	}
	if entity.URL != "https://docs.example.com" {
		t.Fatalf("url = %q", entity.URL)
	}
	if entity.KnowledgeType != entity.Metadata.KnowledgeType {
		t.Fatalf("knowledge type diverged: %q vs %q", entity.KnowledgeType, entity.Metadata.KnowledgeType)
	}
	if !reflect.DeepEqual(entity.Tags, entity.Metadata.Tags) {
		t.Fatalf("tags diverged: %v vs %v", entity.Tags, entity.Metadata.Tags)
	}
	if entity.Status != EntityStatusActive {
		t.Fatalf("status default = %q", entity.Status)
	}
}

func TestEntityPageTotalFallsBackToLength(t *testing.T) {
	var payload entityPagePayload
	if err := json.Unmarshal([]byte(`{"items":[{"source_id":"a"},{"source_id":"b"}]}`), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := payload.normalize().Total; got != 2 {
		t.Fatalf("total = %d, want 2", got)
	}
}

func TestTempIDs(t *testing.T) {
	now := timeFromMilli(t, 1757600000123)
	if got := TempItemID("crawl", now); got != "temp-item-crawl-1757600000123" {
		t.Fatalf("TempItemID = %q", got)
	}
	if got := TempProgressID("upload", now); got != "temp-progress-upload-1757600000123" {
		t.Fatalf("TempProgressID = %q", got)
	}
	if !IsTempID("temp-item-crawl-1") || !IsTempID("temp-progress-upload-1") {
		t.Fatalf("temp ids not recognized")
	}
	if IsTempID("op-42") {
		t.Fatalf("real id recognized as temp")
	}
}

func TestTitleFromURL(t *testing.T) {
	cases := map[string]string{
		"https://docs.example.com/guide": "docs.example.com",
		"http://localhost:8181":          "localhost:8181",
		"not a url":                      "not a url",
		"  https://a.b/x  ":              "a.b",
	}
	for raw, want := range cases {
		if got := TitleFromURL(raw); got != want {
			t.Fatalf("TitleFromURL(%q) = %q, want %q", raw, got, want)
		}
	}
}

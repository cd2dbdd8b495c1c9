package workflow

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemplate(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow_template.json")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

const sampleTemplate = `{
  "WorkflowId": "wf-onboarding",
  "Activities": [
    {"Category": "Prep", "AnchorDateType": "GoLive", "StartOffsetDays": -5, "DurationBusinessDays": 3, "DefaultRole": "PM"},
    {"Category": "Kickoff", "AnchorDateType": "GoLive", "StartOffsetDays": 0, "DurationBusinessDays": 1, "DefaultRole": "PM"},
    {"Category": "Retro", "AnchorDateType": "HypercareEnd", "StartOffsetDays": 0, "DurationBusinessDays": 2, "DefaultRole": "CSM"}
  ]
}`

func TestLoadBuildsFirstOccurrenceOrder(t *testing.T) {
	path := writeTemplate(t, sampleTemplate)
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if idx, ok := m.IndexOf("Prep", "GoLive"); !ok || idx != 0 {
		t.Fatalf("expected Prep/GoLive at index 0, got %d (%v)", idx, ok)
	}
	if idx, ok := m.IndexOf("Kickoff", "GoLive"); !ok || idx != 1 {
		t.Fatalf("expected Kickoff/GoLive at index 1, got %d (%v)", idx, ok)
	}
	if idx, ok := m.IndexOf("Retro", "HypercareEnd"); !ok || idx != 0 {
		t.Fatalf("expected Retro/HypercareEnd at index 0 (own anchor sequence), got %d (%v)", idx, ok)
	}
}

func TestPredecessorCategoryWithinSameAnchor(t *testing.T) {
	path := writeTemplate(t, sampleTemplate)
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	pred, ok := m.PredecessorCategory("Kickoff", "GoLive")
	if !ok || pred != "Prep" {
		t.Fatalf("expected predecessor Prep, got %q (%v)", pred, ok)
	}
}

func TestPredecessorCategoryFirstInSequenceHasNone(t *testing.T) {
	path := writeTemplate(t, sampleTemplate)
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	_, ok := m.PredecessorCategory("Prep", "GoLive")
	if ok {
		t.Fatal("expected no predecessor for the first category in sequence")
	}
}

func TestPredecessorCategoryUnknownPairHasNone(t *testing.T) {
	path := writeTemplate(t, sampleTemplate)
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	_, ok := m.PredecessorCategory("Unknown", "GoLive")
	if ok {
		t.Fatal("expected no predecessor for an unknown category")
	}
}

func TestIndexOfCategoryIgnoresAnchor(t *testing.T) {
	path := writeTemplate(t, sampleTemplate)
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if idx, ok := m.IndexOfCategory("Retro"); !ok || idx != 2 {
		t.Fatalf("expected Retro at global index 2, got %d (%v)", idx, ok)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err == nil {
		t.Fatal("expected an error for a missing template file")
	}
}

// Package workflow implements the Category Order & Workflow Mapping of
// spec.md §4.9 (C9): parses a workflow template JSON once at startup and
// builds the ordered (Category, AnchorDateType) -> index mapping the
// chaser loop's sequential gate depends on.
package workflow

import (
	"encoding/json"
	"fmt"
	"os"
)

// Activity is one step of a workflow template.
type Activity struct {
	Category             string `json:"Category"`
	AnchorDateType       string `json:"AnchorDateType"`
	StartOffsetDays      int    `json:"StartOffsetDays"`
	DurationBusinessDays int    `json:"DurationBusinessDays"`
	DefaultRole          string `json:"DefaultRole"`
}

// Template is the on-disk workflow template shape (spec.md §4.9).
type Template struct {
	WorkflowId string     `json:"WorkflowId"`
	Activities []Activity `json:"Activities"`
}

// key disambiguates an ordering lookup by category and anchor date type.
type key struct {
	Category       string
	AnchorDateType string
}

// Mapping is the loaded, queryable category ordering. Ordering is scoped
// per AnchorDateType: index 0 is the first category to appear for that
// anchor in the template, independent of other anchors' sequences.
type Mapping struct {
	WorkflowId          string
	byCategoryAndAnchor map[key]int
	orderByAnchor       map[string][]string
	byCategoryOnly      map[string]int
	orderCategoryOnly   []string
}

// Load reads and parses the workflow template at path, building both the
// per-anchor and category-only ordering maps by first-occurrence order.
func Load(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow template %s: %w", path, err)
	}

	var tmpl Template
	if err := json.Unmarshal(data, &tmpl); err != nil {
		return nil, fmt.Errorf("parse workflow template %s: %w", path, err)
	}

	m := &Mapping{
		WorkflowId:          tmpl.WorkflowId,
		byCategoryAndAnchor: map[key]int{},
		orderByAnchor:       map[string][]string{},
		byCategoryOnly:      map[string]int{},
	}

	for _, a := range tmpl.Activities {
		k := key{Category: a.Category, AnchorDateType: a.AnchorDateType}
		if _, exists := m.byCategoryAndAnchor[k]; !exists {
			m.byCategoryAndAnchor[k] = len(m.orderByAnchor[a.AnchorDateType])
			m.orderByAnchor[a.AnchorDateType] = append(m.orderByAnchor[a.AnchorDateType], a.Category)
		}
		if _, exists := m.byCategoryOnly[a.Category]; !exists {
			m.byCategoryOnly[a.Category] = len(m.orderCategoryOnly)
			m.orderCategoryOnly = append(m.orderCategoryOnly, a.Category)
		}
	}

	return m, nil
}

// IndexOf returns the ordering index for (category, anchorDateType), and
// false if the pair never appeared in the template.
func (m *Mapping) IndexOf(category, anchorDateType string) (int, bool) {
	idx, ok := m.byCategoryAndAnchor[key{Category: category, AnchorDateType: anchorDateType}]
	return idx, ok
}

// IndexOfCategory returns the category-only ordering index, for
// deployments that don't need per-anchor gating (spec.md §4.9).
func (m *Mapping) IndexOfCategory(category string) (int, bool) {
	idx, ok := m.byCategoryOnly[category]
	return idx, ok
}

// PredecessorCategory returns the category immediately preceding category
// within the same anchorDateType's sequence, and false if category is
// first or unknown.
func (m *Mapping) PredecessorCategory(category, anchorDateType string) (string, bool) {
	idx, ok := m.IndexOf(category, anchorDateType)
	if !ok || idx == 0 {
		return "", false
	}
	return m.orderByAnchor[anchorDateType][idx-1], true
}

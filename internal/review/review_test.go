package review

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studioline/internal/domain"
)

func TestReviewBanding(t *testing.T) {
	rv := New(7, 2)
	tests := []struct {
		quality  float64
		rating   int
		approved bool
		revision bool
		band     string
	}{
		{0.95, 10, true, false, "Excellent work"},
		{0.72, 7, true, false, "Good work"},
		{0.65, 7, true, false, "Good work"},
		{0.64, 6, false, true, "Acceptable"},
		{0.3, 3, false, true, "Significant revision required"},
		{0.0, 1, false, true, "Significant revision required"},
	}
	for _, tt := range tests {
		r := rv.Review(domain.Task{ID: "t"}, domain.TaskResult{TaskID: "t", Success: true, QualityScore: tt.quality})
		assert.Equal(t, tt.rating, r.Rating, "quality %v", tt.quality)
		assert.Equal(t, tt.approved, r.Approved, "quality %v", tt.quality)
		assert.Equal(t, tt.revision, r.RevisionRequired, "quality %v", tt.quality)
		assert.Contains(t, r.Feedback, tt.band)
	}
}

func TestFailedResultIsNeitherApprovedNorRevised(t *testing.T) {
	r := New(7, 2).Review(domain.Task{ID: "t"}, domain.TaskResult{Success: false, QualityScore: 0.99, Feedback: "exhausted"})
	assert.False(t, r.Approved)
	assert.False(t, r.RevisionRequired)
	assert.Contains(t, r.Feedback, "exhausted")
}

func TestReviseBuildsNextAttempt(t *testing.T) {
	rv := New(7, 2)
	orig := domain.Task{ID: "script", Department: domain.DeptWriting, Type: "script", Inputs: map[string]any{"prompt": "p"}, Dependencies: []string{"x"}}
	r := rv.Review(orig, domain.TaskResult{Success: true, QualityScore: 0.5, Notes: []string{"thin second act"}})
	require.True(t, r.RevisionRequired)

	rev, ok := rv.Revise(orig, r)
	require.True(t, ok)
	assert.Equal(t, "script-rev1", rev.ID)
	assert.Equal(t, "script", rev.RevisionOf)
	assert.Equal(t, 1, rev.Attempt)
	assert.Equal(t, "p", rev.Inputs["prompt"])
	assert.Contains(t, rev.Inputs["revision_notes"], "thin second act")
	assert.Equal(t, []string{"x"}, rev.Dependencies)
	assert.Nil(t, orig.Inputs["revision_notes"])

	rev2, ok := rv.Revise(rev, r)
	require.True(t, ok)
	assert.Equal(t, "script-rev2", rev2.ID)
	assert.Equal(t, "script", rev2.RevisionOf)

	_, ok = rv.Revise(rev2, r)
	assert.False(t, ok)
}

func TestZeroCapDisablesRevisions(t *testing.T) {
	rv := Reviewer{Threshold: 7, MaxRevisions: 0}
	_, ok := rv.Revise(domain.Task{ID: "t"}, domain.Review{RevisionRequired: true})
	assert.False(t, ok)
}

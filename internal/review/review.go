// Package review scores task results and synthesizes revision tasks.
package review

import (
	"fmt"
	"math"
	"strings"

	"studioline/internal/domain"
)

const (
	DefaultThreshold    = 7
	DefaultMaxRevisions = 2
)

type Reviewer struct {
	Threshold    int
	MaxRevisions int
}

func New(threshold, maxRevisions int) Reviewer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if maxRevisions < 0 {
		maxRevisions = DefaultMaxRevisions
	}
	return Reviewer{Threshold: threshold, MaxRevisions: maxRevisions}
}

// Rating maps a quality score in [0,1] to a 1..10 rating.
func Rating(quality float64) int {
	r := int(math.Round(quality * 10))
	if r < 1 {
		return 1
	}
	if r > 10 {
		return 10
	}
	return r
}

// Band returns the feedback band for a rating.
func Band(rating int) string {
	switch {
	case rating >= 9:
		return "Excellent work"
	case rating >= 7:
		return "Good work"
	case rating >= 5:
		return "Acceptable, minor improvements suggested"
	default:
		return "Significant revision required"
	}
}

// Review evaluates one task result.
func (rv Reviewer) Review(task domain.Task, res domain.TaskResult) domain.Review {
	threshold := rv.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	rating := Rating(res.QualityScore)
	approved := res.Success && rating >= threshold
	out := domain.Review{
		TaskID:           task.ID,
		Approved:         approved,
		Rating:           rating,
		RevisionRequired: !approved && res.Success,
	}
	if !res.Success {
		out.Feedback = "Task failed"
		if res.Feedback != "" {
			out.Feedback += ": " + res.Feedback
		}
		return out
	}
	out.Feedback = fmt.Sprintf("%s (%d/10)", Band(rating), rating)
	if out.RevisionRequired {
		notes := []string{fmt.Sprintf("raise quality from %d to at least %d", rating, threshold)}
		if res.Feedback != "" {
			notes = append(notes, res.Feedback)
		}
		notes = append(notes, res.Notes...)
		out.RevisionNotes = strings.Join(notes, "; ")
	}
	return out
}

// Revise builds the follow-up task for a review that requires revision.
// It returns false once the task reached the revision cap.
func (rv Reviewer) Revise(task domain.Task, r domain.Review) (domain.Task, bool) {
	if task.Attempt >= rv.MaxRevisions {
		return domain.Task{}, false
	}
	return RevisionTask(task, r.RevisionNotes), true
}

// RevisionTask copies a task into its next revision attempt. Dependencies are
// kept so the revision is built on the same upstream work.
func RevisionTask(task domain.Task, notes string) domain.Task {
	root := task.ID
	if task.RevisionOf != "" {
		root = task.RevisionOf
	}
	next := task.Clone()
	next.Attempt = task.Attempt + 1
	next.ID = fmt.Sprintf("%s-rev%d", root, next.Attempt)
	next.RevisionOf = root
	if next.Inputs == nil {
		next.Inputs = map[string]any{}
	}
	next.Inputs["revision_notes"] = notes
	next.Inputs["revision_attempt"] = next.Attempt
	return next
}

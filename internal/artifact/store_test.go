package artifact

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studioline/internal/domain"
)

func seqIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("a%d", n)
	}
}

func TestCreateAssignsVersionsPerLineage(t *testing.T) {
	clock := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	s := NewStore(WithIDs(seqIDs()), WithClock(func() time.Time { return clock }))
	meta := Meta{Department: domain.DeptWriting, CreatedBy: "writing", TaskID: "t1"}

	v1, err := s.Create(Draft{Type: "script", Name: "Draft"}, meta)
	require.NoError(t, err)
	v2, err := s.Create(Draft{Type: "script", Name: "Draft"}, meta)
	require.NoError(t, err)
	other, err := s.Create(Draft{Type: "script", Name: "Outline"}, meta)
	require.NoError(t, err)

	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, 1, other.Version)
	assert.NotEqual(t, v1.ID, v2.ID)
	assert.Equal(t, clock, v1.CreatedAt)

	hist := s.History(domain.DeptWriting, "script", "Draft")
	require.Len(t, hist, 2)
	assert.Equal(t, v1.ID, hist[0].ID)
}

func TestCreateRejectsForwardReferences(t *testing.T) {
	s := NewStore()
	_, err := s.Create(Draft{Type: "cut", Dependencies: []string{"nope"}}, Meta{Department: domain.DeptEditing})
	var missing *MissingDependencyError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"nope"}, missing.IDs)
	assert.Equal(t, 0, s.Len())
}

func TestResolveByIDOrLatestType(t *testing.T) {
	s := NewStore(WithIDs(seqIDs()))
	first, _ := s.Create(Draft{Type: "vision"}, Meta{Department: domain.DeptDirection})
	second, _ := s.Create(Draft{Type: "vision"}, Meta{Department: domain.DeptDirection})

	got, ok := s.Resolve(first.ID)
	require.True(t, ok)
	assert.Equal(t, first.ID, got.ID)

	got, ok = s.Resolve("vision")
	require.True(t, ok)
	assert.Equal(t, second.ID, got.ID)

	_, ok = s.Resolve("footage")
	assert.False(t, ok)
}

func TestPayloadIsCopied(t *testing.T) {
	s := NewStore()
	payload := map[string]any{"k": "v"}
	a, err := s.Create(Draft{Type: "note", Payload: payload}, Meta{})
	require.NoError(t, err)
	payload["k"] = "mutated"
	got, _ := s.Get(a.ID)
	assert.Equal(t, "v", got.Payload["k"])
}

func TestSinkAndTaskIndex(t *testing.T) {
	var seen []string
	s := NewStore(WithSink(func(a domain.Artifact) { seen = append(seen, a.ID) }))
	a, _ := s.Create(Draft{Type: "shot-list"}, Meta{Department: domain.DeptCinematography, TaskID: "t9"})
	assert.Equal(t, []string{a.ID}, seen)
	assert.True(t, s.HasTaskOutput("t9"))
	assert.Len(t, s.ByTask("t9"), 1)

	s.Restore(domain.Artifact{ID: "old", Type: "script", Department: domain.DeptWriting, TaskID: "t0", Version: 1})
	assert.Len(t, seen, 1)
	assert.True(t, s.HasTaskOutput("t0"))
}

func TestConcurrentCreate(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Create(Draft{Type: "frame", Name: "same"}, Meta{Department: domain.DeptCinematography})
		}()
	}
	wg.Wait()
	hist := s.History(domain.DeptCinematography, "frame", "same")
	require.Len(t, hist, 50)
	for i, a := range hist {
		assert.Equal(t, i+1, a.Version)
	}
}

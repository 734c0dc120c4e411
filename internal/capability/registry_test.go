package capability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studioline/internal/domain"
)

type fakeProvider struct {
	desc  Descriptor
	fail  bool
	err   error
	sleep time.Duration
	calls int
}

func (f *fakeProvider) Descriptor() Descriptor { return f.desc }

func (f *fakeProvider) Execute(ctx context.Context, req Request) (Output, error) {
	f.calls++
	if f.sleep > 0 {
		select {
		case <-time.After(f.sleep):
		case <-ctx.Done():
			return Output{}, ctx.Err()
		}
	}
	if f.err != nil {
		return Output{}, f.err
	}
	if f.fail {
		return Output{Success: false, Error: "unavailable"}, nil
	}
	q := 0.8
	return Output{Success: true, Data: map[string]any{"by": f.desc.ID}, Quality: &q, Metadata: Metadata{CreditsUsed: 2}}, nil
}

func newFake(id string, tier domain.Tier, depts ...domain.Department) *fakeProvider {
	return &fakeProvider{desc: Descriptor{
		ID:           id,
		Departments:  depts,
		Category:     "text",
		Tier:         tier,
		Capabilities: []Capability{{Action: ActionGenerateText}},
	}}
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newFake("p1", domain.TierPrimary, domain.DeptWriting)))
	err := r.Register(newFake("p1", domain.TierSecondary, domain.DeptWriting))
	var dup *DuplicateProviderError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "p1", dup.ID)
}

func TestRegisterRejectsUnknownTier(t *testing.T) {
	r := NewRegistry()
	err := r.Register(newFake("p1", domain.Tier("gold"), domain.DeptWriting))
	require.Error(t, err)
}

func TestSelectRankedOrdersByTierThenRegistration(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newFake("tert", domain.TierTertiary, domain.DeptWriting)))
	require.NoError(t, r.Register(newFake("sec-a", domain.TierSecondary, domain.DeptWriting)))
	require.NoError(t, r.Register(newFake("prim", domain.TierPrimary, domain.DeptWriting)))
	require.NoError(t, r.Register(newFake("sec-b", domain.TierSecondary, domain.DeptWriting)))
	require.NoError(t, r.Register(newFake("other", domain.TierPrimary, domain.DeptAudio)))

	ranked := r.SelectRanked(Criteria{Department: domain.DeptWriting})
	var ids []string
	for _, p := range ranked {
		ids = append(ids, p.Descriptor().ID)
	}
	assert.Equal(t, []string{"prim", "sec-a", "sec-b", "tert"}, ids)

	best, ok := r.SelectOne(Criteria{Department: domain.DeptWriting})
	require.True(t, ok)
	assert.Equal(t, "prim", best.Descriptor().ID)

	_, ok = r.SelectOne(Criteria{Department: domain.DeptEditing})
	assert.False(t, ok)
}

func TestSelectFiltersByCategoryAndTier(t *testing.T) {
	r := NewRegistry()
	img := newFake("img", domain.TierPrimary, domain.DeptProductionDesign)
	img.desc.Category = "image"
	img.desc.Capabilities = []Capability{{Action: ActionGenerateImage}}
	require.NoError(t, r.Register(img))
	require.NoError(t, r.Register(newFake("txt", domain.TierSecondary, domain.DeptProductionDesign)))

	got := r.SelectRanked(Criteria{Category: "image"})
	require.Len(t, got, 1)
	assert.Equal(t, "img", got[0].Descriptor().ID)

	got = r.SelectRanked(Criteria{Department: domain.DeptProductionDesign, Tier: domain.TierSecondary})
	require.Len(t, got, 1)
	assert.Equal(t, "txt", got[0].Descriptor().ID)

	got = r.SelectRanked(Criteria{Action: ActionGenerateImage})
	require.Len(t, got, 1)
}

func TestExecuteWithFallbackUsesNextTier(t *testing.T) {
	r := NewRegistry()
	primary := newFake("prim", domain.TierPrimary, domain.DeptWriting)
	primary.fail = true
	secondary := newFake("sec", domain.TierSecondary, domain.DeptWriting)
	require.NoError(t, r.Register(primary))
	require.NoError(t, r.Register(secondary))

	exec, err := r.ExecuteWithFallback(context.Background(), Criteria{Department: domain.DeptWriting}, ActionGenerateText, map[string]any{"prompt": "x"})
	require.NoError(t, err)
	assert.Equal(t, "sec", exec.ProviderID)
	require.Len(t, exec.Attempts, 2)
	assert.Equal(t, "prim", exec.Attempts[0].ProviderID)
	assert.NotEmpty(t, exec.Attempts[0].Error)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, secondary.calls)
}

func TestExecuteWithFallbackExhaustedNamesEveryProvider(t *testing.T) {
	r := NewRegistry()
	a := newFake("a", domain.TierPrimary, domain.DeptWriting)
	a.err = errors.New("boom")
	b := newFake("b", domain.TierSecondary, domain.DeptWriting)
	b.fail = true
	c := newFake("c", domain.TierTertiary, domain.DeptWriting)
	c.err = errors.New("quota")
	for _, p := range []*fakeProvider{c, b, a} {
		require.NoError(t, r.Register(p))
	}

	_, err := r.ExecuteWithFallback(context.Background(), Criteria{Department: domain.DeptWriting}, ActionGenerateText, nil)
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, ActionGenerateText, ex.Action)
	assert.Equal(t, []string{"a", "b", "c"}, ex.Providers())
	assert.Contains(t, err.Error(), "a: boom")
	assert.Contains(t, err.Error(), "c: quota")
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
	assert.Equal(t, 1, c.calls)
}

func TestExecuteWithFallbackNoCandidates(t *testing.T) {
	r := NewRegistry()
	_, err := r.ExecuteWithFallback(context.Background(), Criteria{Department: domain.DeptAudio}, ActionGenerateAudio, nil)
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Empty(t, ex.Attempts)
}

func TestExecuteWithFallbackDeadlineCountsAsFailure(t *testing.T) {
	r := NewRegistry(WithCallTimeout(20 * time.Millisecond))
	slow := newFake("slow", domain.TierPrimary, domain.DeptWriting)
	slow.sleep = time.Second
	fast := newFake("fast", domain.TierSecondary, domain.DeptWriting)
	require.NoError(t, r.Register(slow))
	require.NoError(t, r.Register(fast))

	exec, err := r.ExecuteWithFallback(context.Background(), Criteria{Department: domain.DeptWriting}, ActionGenerateText, nil)
	require.NoError(t, err)
	assert.Equal(t, "fast", exec.ProviderID)
	assert.Contains(t, exec.Attempts[0].Error, "deadline")
}

func TestExecuteWithFallbackValidatesInput(t *testing.T) {
	r := NewRegistry()
	strict := newFake("strict", domain.TierPrimary, domain.DeptWriting)
	strict.desc.Capabilities = []Capability{{Action: ActionGenerateText, Input: Schema{"prompt": {Required: true, Type: "string"}}}}
	loose := newFake("loose", domain.TierSecondary, domain.DeptWriting)
	require.NoError(t, r.Register(strict))
	require.NoError(t, r.Register(loose))

	exec, err := r.ExecuteWithFallback(context.Background(), Criteria{Department: domain.DeptWriting}, ActionGenerateText, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "loose", exec.ProviderID)
	assert.Equal(t, 0, strict.calls)
	assert.Contains(t, exec.Attempts[0].Error, "prompt is required")
}

func TestSchemaValidate(t *testing.T) {
	s := Schema{
		"prompt": {Required: true, Type: "string"},
		"length": {Type: "number"},
		"tone":   {Type: "string", Enum: []string{"dark", "light"}},
	}
	tests := []struct {
		name  string
		input map[string]any
		ok    bool
	}{
		{"valid", map[string]any{"prompt": "p", "length": 3.0, "tone": "dark"}, true},
		{"missing required", map[string]any{"length": 1}, false},
		{"wrong type", map[string]any{"prompt": 5}, false},
		{"enum violation", map[string]any{"prompt": "p", "tone": "neon"}, false},
		{"extra keys pass", map[string]any{"prompt": "p", "other": true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Validate(tt.input)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

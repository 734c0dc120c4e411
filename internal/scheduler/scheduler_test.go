package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studioline/internal/domain"
)

type recorder struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
}

func newRecorder() *recorder {
	return &recorder{calls: map[string]int{}, fail: map[string]error{}}
}

func (r *recorder) Dispatch(_ context.Context, t domain.Task) (domain.TaskResult, error) {
	r.mu.Lock()
	r.calls[t.ID]++
	err := r.fail[t.ID]
	r.mu.Unlock()
	if err != nil {
		return domain.TaskResult{}, err
	}
	return domain.TaskResult{TaskID: t.ID, Success: true, QualityScore: 0.8}, nil
}

func task(id string, deps ...string) domain.Task {
	return domain.Task{ID: id, Department: domain.DeptWriting, Type: "script", Dependencies: deps}
}

func TestRoundsFollowDependencies(t *testing.T) {
	rec := newRecorder()
	s := New(rec)
	out, err := s.ExecuteWorkflow(context.Background(), []domain.Task{
		task("final", "mix", "grade"),
		task("script"),
		task("grade", "script"),
		task("mix", "script"),
	})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"script"}, {"grade", "mix"}, {"final"}}, out.Rounds)
	require.Len(t, out.Results, 4)
	for _, r := range out.Results {
		assert.Equal(t, 1, rec.calls[r.TaskID], "task %s dispatched more than once", r.TaskID)
	}
	assert.Equal(t, 3, out.Results[3].Round)
}

func TestReadySetOrderedByPriority(t *testing.T) {
	low := task("a")
	high := task("b")
	high.Priority = 9
	out, err := New(newRecorder()).ExecuteWorkflow(context.Background(), []domain.Task{low, high})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"b", "a"}}, out.Rounds)
}

func TestFailedTaskStillUnblocksDependents(t *testing.T) {
	rec := newRecorder()
	rec.fail["script"] = errors.New("no skill")
	out, err := New(rec).ExecuteWorkflow(context.Background(), []domain.Task{task("script"), task("vision", "script")})
	require.NoError(t, err)
	require.Len(t, out.Results, 2)
	assert.False(t, out.Results[0].Success)
	assert.Equal(t, "no skill", out.Results[0].Feedback)
	assert.Equal(t, 1, rec.calls["vision"])
}

func TestCycleStalls(t *testing.T) {
	rec := newRecorder()
	out, err := New(rec).ExecuteWorkflow(context.Background(), []domain.Task{task("ok"), task("a", "b"), task("b", "a")})
	var stall *StallError
	require.ErrorAs(t, err, &stall)
	assert.Equal(t, []string{"a", "b"}, stall.TaskIDs)
	assert.Equal(t, []string{"a", "b"}, out.Stalled)
	assert.Equal(t, [][]string{{"ok"}}, out.Rounds)
	assert.Zero(t, rec.calls["a"])
}

func TestUnknownDependencyStalls(t *testing.T) {
	_, err := New(newRecorder()).ExecuteWorkflow(context.Background(), []domain.Task{task("vision", "ghost")})
	var stall *StallError
	require.ErrorAs(t, err, &stall)
}

func TestCompletedSeedSatisfiesDependencies(t *testing.T) {
	out, err := New(newRecorder(), WithCompleted("script")).ExecuteWorkflow(context.Background(), []domain.Task{task("shot-list", "script")})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"shot-list"}}, out.Rounds)
}

func TestDuplicateTaskRejected(t *testing.T) {
	_, err := New(newRecorder()).ExecuteWorkflow(context.Background(), []domain.Task{task("a"), task("a")})
	var dup *DuplicateTaskError
	require.ErrorAs(t, err, &dup)
}

func TestRoundRunsConcurrently(t *testing.T) {
	var active, peak int32
	d := DispatchFunc(func(_ context.Context, t domain.Task) (domain.TaskResult, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return domain.TaskResult{TaskID: t.ID, Success: true}, nil
	})
	_, err := New(d, WithMaxParallel(2)).ExecuteWorkflow(context.Background(), []domain.Task{task("a"), task("b"), task("c"), task("d")})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&peak))
}

func TestRoundHookAndPanicRecovery(t *testing.T) {
	var rounds []Round
	d := DispatchFunc(func(_ context.Context, t domain.Task) (domain.TaskResult, error) {
		if t.ID == "boom" {
			panic("kaboom")
		}
		return domain.TaskResult{TaskID: t.ID, Success: true}, nil
	})
	out, err := New(d, WithRoundHook(func(r Round) { rounds = append(rounds, r) })).
		ExecuteWorkflow(context.Background(), []domain.Task{task("boom"), task("after", "boom")})
	require.NoError(t, err)
	require.Len(t, rounds, 2)
	assert.False(t, out.Results[0].Success)
	assert.Contains(t, out.Results[0].Feedback, "kaboom")
	assert.True(t, out.Results[1].Success)
}

func TestEndToEndDevelopmentRounds(t *testing.T) {
	writing := domain.Task{ID: "writing", Department: domain.DeptWriting, Type: "script"}
	direction := domain.Task{ID: "direction", Department: domain.DeptDirection, Type: "vision", Dependencies: []string{"writing"}}
	out, err := New(newRecorder()).ExecuteWorkflow(context.Background(), []domain.Task{direction, writing})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"writing"}, {"direction"}}, out.Rounds)
}

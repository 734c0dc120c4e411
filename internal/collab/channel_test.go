package collab

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studioline/internal/domain"
)

type echo struct {
	dept     domain.Department
	approved bool
	got      []domain.CollaborationRequest
}

func (e *echo) Department() domain.Department { return e.dept }

func (e *echo) Collaborate(_ context.Context, req domain.CollaborationRequest) domain.CollaborationResponse {
	e.got = append(e.got, req)
	return domain.CollaborationResponse{From: e.dept, Approved: e.approved, Feedback: "seen"}
}

func TestSendRoutesToTarget(t *testing.T) {
	var observed []Exchange
	ch := NewChannel(WithObserver(func(ex Exchange) { observed = append(observed, ex) }))
	editing := &echo{dept: domain.DeptEditing, approved: true}
	audio := &echo{dept: domain.DeptAudio}
	ch.Join(editing)
	ch.Join(audio)

	resp, err := ch.Handoff(context.Background(), domain.DeptCinematography, domain.DeptEditing, []string{"a1"}, "dailies")
	require.NoError(t, err)
	assert.True(t, resp.Approved)
	require.Len(t, editing.got, 1)
	assert.Equal(t, domain.CollabHandoff, editing.got[0].Type)
	assert.Empty(t, audio.got)

	hist := ch.History()
	require.Len(t, hist, 1)
	assert.Equal(t, "dailies", hist[0].Request.Message)
	assert.Len(t, observed, 1)
}

func TestSendUnknownTarget(t *testing.T) {
	ch := NewChannel()
	_, err := ch.Send(context.Background(), domain.CollaborationRequest{To: domain.DeptAudio, Type: domain.CollabFeedback})
	var unk *UnknownAgentError
	require.ErrorAs(t, err, &unk)
	assert.Equal(t, domain.DeptAudio, unk.Department)
	assert.Empty(t, ch.History())
}

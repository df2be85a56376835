package countdown

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mcdev12/lobby/go/internal/countdown/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	joined    []string
	left      []string
	authority []string
	cancels   []CancelRequest
	states    []State
}

func (r *recordingListener) OnMemberJoined(_ context.Context, id string) {
	r.joined = append(r.joined, id)
}

func (r *recordingListener) OnMemberLeft(_ context.Context, id string) {
	r.left = append(r.left, id)
}

func (r *recordingListener) OnAuthorityChanged(_ context.Context, id string) {
	r.authority = append(r.authority, id)
}

func (r *recordingListener) OnCancelRequest(_ context.Context, req CancelRequest) {
	r.cancels = append(r.cancels, req)
}

func (r *recordingListener) OnStateUpdated(_ context.Context, st State) {
	r.states = append(r.states, st)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestHandleSessionEvent_Routes(t *testing.T) {
	ctx := context.Background()
	l := &recordingListener{}

	require.NoError(t, HandleSessionEvent(ctx, l, events.TypeMemberJoined,
		mustJSON(t, events.MemberJoinedPayload{MemberID: "m1"})))
	require.NoError(t, HandleSessionEvent(ctx, l, events.TypeMemberLeft,
		mustJSON(t, events.MemberLeftPayload{MemberID: "m2", Reason: "disconnect"})))
	require.NoError(t, HandleSessionEvent(ctx, l, events.TypeAuthorityChanged,
		mustJSON(t, events.AuthorityChangedPayload{AuthorityID: "m3", PreviousID: "m2"})))
	require.NoError(t, HandleSessionEvent(ctx, l, events.TypeStateUpdated,
		mustJSON(t, events.StateUpdatedPayload{StartedAt: 12.5, Duration: 15})))
	require.NoError(t, HandleSessionEvent(ctx, l, events.TypeCancelRequest,
		mustJSON(t, events.CancelRequestPayload{Kind: CancelRequestKind, SessionID: "s", Sender: "m1", SentAt: 13})))

	assert.Equal(t, []string{"m1"}, l.joined)
	assert.Equal(t, []string{"m2"}, l.left)
	assert.Equal(t, []string{"m3"}, l.authority)
	assert.Equal(t, []State{{StartedAt: 12.5, Duration: 15}}, l.states)
	assert.Equal(t, []CancelRequest{{Kind: CancelRequestKind, SessionID: "s", Sender: "m1", SentAt: 13}}, l.cancels)
}

func TestHandleSessionEvent_Malformed(t *testing.T) {
	l := &recordingListener{}
	err := HandleSessionEvent(context.Background(), l, events.TypeStateUpdated, []byte("{not json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "StateUpdated")
	assert.Empty(t, l.states)
}

func TestHandleSessionEvent_UnknownIgnored(t *testing.T) {
	l := &recordingListener{}
	require.NoError(t, HandleSessionEvent(context.Background(), l, "SomethingElse", []byte("{}")))
	assert.Empty(t, l.joined)
}

func TestCancelEnvelope(t *testing.T) {
	req := CancelRequest{Kind: CancelRequestKind, SessionID: "session-1", Sender: "member-a", SentAt: 42}

	env, err := CancelEnvelope(req)
	require.NoError(t, err)
	assert.Equal(t, events.TypeCancelRequest, env.EventType)
	assert.Equal(t, "session-1", env.SessionID)
	assert.NotEmpty(t, env.EventID)
	assert.False(t, env.Timestamp.IsZero())

	l := &recordingListener{}
	require.NoError(t, HandleSessionEvent(context.Background(), l, env.EventType, env.Payload))
	require.Len(t, l.cancels, 1)
	assert.Equal(t, req, l.cancels[0])
}

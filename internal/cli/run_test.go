package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/harun/ranya-runtime/internal/daemon"
	"github.com/harun/ranya-runtime/pkg/agent"
	"github.com/harun/ranya-runtime/pkg/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRunRequest(t *testing.T) {
	raw, err := buildRunRequest("hello there", "sess_1", "high")
	require.NoError(t, err)

	req, errResp := rpc.Validate(raw)
	require.Nil(t, errResp)
	assert.Equal(t, daemon.MethodRun, req.Method)
	assert.True(t, req.HasID())

	var params map[string]string
	require.NoError(t, req.DecodeParams(&params))
	assert.Equal(t, map[string]string{
		"input":            "hello there",
		"session_id":       "sess_1",
		"permission_level": "high",
	}, params)

	raw, err = buildRunRequest("hi", "", "")
	require.NoError(t, err)
	req, _ = rpc.Validate(raw)
	params = nil
	require.NoError(t, req.DecodeParams(&params))
	assert.Equal(t, map[string]string{"input": "hi"}, params)
}

func TestDecodeRunResponse(t *testing.T) {
	out, err := decodeRunResponse(rpc.NewResult(json.RawMessage(`1`), daemon.RunResponse{
		SessionID: "s",
		Output:    "42",
		State:     agent.StateDone,
	}))
	require.NoError(t, err)
	assert.Equal(t, "42", out.Output)
	assert.Equal(t, agent.StateDone, out.State)

	_, err = decodeRunResponse(rpc.NewErrorResponse(json.RawMessage(`1`), rpc.NewError(rpc.InvalidParams, "Invalid params: input is required", nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input is required")
}

func TestTurnReplier(t *testing.T) {
	var events bytes.Buffer
	r := newTurnReplier(&events)

	require.NoError(t, r.SendEvent(rpc.NewNotification(daemon.NotificationStart, map[string]string{"session_id": "s"})))
	assert.Contains(t, events.String(), `"method":"runtime.start"`)

	require.NoError(t, r.Send(rpc.NewResult(json.RawMessage(`1`), "ok")))
	assert.Error(t, r.Send(rpc.NewResult(json.RawMessage(`1`), "again")))

	resp, err := r.wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Result)

	quiet := newTurnReplier(nil)
	assert.NoError(t, quiet.SendEvent(rpc.NewNotification(daemon.NotificationEvent, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = quiet.wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dial opens a websocket to env as profile
func (e *testEnv) dial(t *testing.T, profile string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	header := http.Header{}
	if profile != "" {
		header.Set(profileHeader, profile)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) MessageEnvelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg MessageEnvelope
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func readProgress(t *testing.T, conn *websocket.Conn) ProgressView {
	t.Helper()
	msg := readEnvelope(t, conn)
	require.Equal(t, "progress", msg.Action, "unexpected message: %s", msg.Data)
	var view ProgressView
	require.NoError(t, json.Unmarshal(msg.Data, &view))
	return view
}

func sendAction(t *testing.T, conn *websocket.Conn, action string, data string) {
	t.Helper()
	msg := MessageEnvelope{Action: action}
	if data != "" {
		msg.Data = json.RawMessage(data)
	}
	require.NoError(t, conn.WriteJSON(msg))
}

func TestWebSocketInitialProgress(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, "POST", "/api/progress/experiments/attention/complete", learner, "", nil)

	conn := env.dial(t, learner)
	view := readProgress(t, conn)
	assert.Equal(t, learner, view.Profile)
	assert.Equal(t, uint64(1), view.Revision)
	assert.Equal(t, 12.5, view.Progress)
}

func TestWebSocketActions(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, learner)
	readProgress(t, conn)

	sendAction(t, conn, "complete", `{"id":"pattern-predictor"}`)
	view := readProgress(t, conn)
	assert.True(t, view.State.IsCompleted("pattern-predictor"))
	assert.Equal(t, uint64(1), view.Revision)

	sendAction(t, conn, "score", `{"id":"pattern-predictor","score":80}`)
	view = readProgress(t, conn)
	assert.Equal(t, 80, view.State.Scores["pattern-predictor"])

	sendAction(t, conn, "data", `{"id":"pattern-predictor","data":{"guess":[1,2,3]}}`)
	view = readProgress(t, conn)
	assert.JSONEq(t, `{"guess":[1,2,3]}`, string(view.State.GameData["pattern-predictor"]))

	sendAction(t, conn, "next", "")
	view = readProgress(t, conn)
	assert.Equal(t, 1, view.State.CurrentPageIndex)

	sendAction(t, conn, "page", `{"index":5}`)
	view = readProgress(t, conn)
	assert.Equal(t, 5, view.State.CurrentPageIndex)

	sendAction(t, conn, "previous", "")
	view = readProgress(t, conn)
	assert.Equal(t, 4, view.State.CurrentPageIndex)

	sendAction(t, conn, "reset", "")
	view = readProgress(t, conn)
	assert.Empty(t, view.State.CompletedExperiments)
	assert.Equal(t, 0, view.State.CurrentPageIndex)
	assert.Equal(t, uint64(7), view.Revision)

	sendAction(t, conn, "get", "")
	view = readProgress(t, conn)
	assert.Equal(t, uint64(7), view.Revision)
}

func TestWebSocketErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, learner)
	readProgress(t, conn)

	tests := []struct {
		name     string
		action   string
		data     string
		contains string
	}{
		{"unknown action", "explode", "", `unknown action "explode"`},
		{"complete without id", "complete", `{}`, "id is required"},
		{"score without value", "score", `{"id":"x"}`, "id and score are required"},
		{"page without index", "page", `{}`, "index is required"},
		{"data without data", "data", `{"id":"x"}`, "data must be valid JSON"},
		{"bad payload", "score", `{"score":"high"}`, "invalid score payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sendAction(t, conn, tt.action, tt.data)
			msg := readEnvelope(t, conn)
			require.Equal(t, "error", msg.Action)
			var body map[string]string
			require.NoError(t, json.Unmarshal(msg.Data, &body))
			assert.Contains(t, body["error"], tt.contains)
		})
	}
}

func TestWebSocketDataWithoutPayloadKeepsCheckpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, "PUT", "/api/progress/experiments/diffusion/data", learner, `{"step":4}`, nil)

	conn := env.dial(t, learner)
	readProgress(t, conn)

	sendAction(t, conn, "data", `{"id":"diffusion"}`)
	assert.Equal(t, "error", readEnvelope(t, conn).Action)

	var exp ExperimentProgress
	env.do(t, "GET", "/api/progress/experiments/diffusion", learner, "", &exp)
	assert.JSONEq(t, `{"step":4}`, string(exp.Data))
}

func TestWebSocketIDsSurviveReload(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	store, err := env.srv.Store(ctx, learner)
	require.NoError(t, err)

	// Invalid bytes are replaced while decoding, so the stored id is
	// always valid UTF-8.
	msg := []byte("{\"action\":\"complete\",\"data\":{\"id\":\"exp-\xff\"}}")
	require.NoError(t, env.srv.handleMessage(&client{profile: learner}, store, msg))
	ids := store.CompletedExperiments()
	require.Len(t, ids, 1)
	assert.True(t, utf8.ValidString(string(ids[0])))

	env.srv.profiles.cache.Invalidate(learner)
	reloaded, err := env.srv.Store(ctx, learner)
	require.NoError(t, err)
	assert.True(t, reloaded.IsExperimentCompleted(ids[0]))
}

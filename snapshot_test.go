package seminar

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeSnapshotWritesCurrentVersion(t *testing.T) {
	state := DefaultState()
	state.CurrentPageIndex = 2
	state.CompletedExperiments = []ExperimentID{"attention"}

	data, err := EncodeSnapshot(state, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, float64(CurrentSnapshotVersion), raw["version"])
	assert.Equal(t, "2026-01-02T03:04:05Z", raw["updatedAt"])

	inner := raw["state"].(map[string]any)
	assert.Equal(t, float64(2), inner["currentPageIndex"])
	assert.NotContains(t, inner, "currentPage")
}

func TestDecodeLegacyBrowserExport(t *testing.T) {
	// Shape written by the original client-side persistence layer.
	legacy := `{
		"state": {
			"currentPage": 3,
			"completedExperiments": ["pattern-predictor", "fix-the-model", "pattern-predictor"],
			"scores": {"pattern-predictor": 100},
			"gameData": {"group-the-data": {"level": 2}}
		},
		"version": 0
	}`

	snap, err := DecodeSnapshot(DefaultKey, []byte(legacy))
	require.NoError(t, err)

	assert.Equal(t, CurrentSnapshotVersion, snap.Version)
	assert.Equal(t, 3, snap.State.CurrentPageIndex)
	assert.Equal(t, []ExperimentID{"pattern-predictor", "fix-the-model"}, snap.State.CompletedExperiments)
	assert.Equal(t, 100, snap.State.Scores["pattern-predictor"])
	assert.JSONEq(t, `{"level":2}`, string(snap.State.GameData["group-the-data"]))
}

func TestDecodeBareStateObject(t *testing.T) {
	snap, err := DecodeSnapshot("k", []byte(`{"currentPage":1,"completedExperiments":["attention"]}`))
	require.NoError(t, err)

	assert.Equal(t, 1, snap.State.CurrentPageIndex)
	assert.True(t, snap.State.IsCompleted("attention"))
	assert.NotNil(t, snap.State.Scores)
	assert.NotNil(t, snap.State.GameData)
}

func TestDecodeNullCollections(t *testing.T) {
	snap, err := DecodeSnapshot("k", []byte(`{"version":1,"state":{"currentPageIndex":0,"completedExperiments":null,"scores":null,"gameData":null}}`))
	require.NoError(t, err)

	assert.NotNil(t, snap.State.CompletedExperiments)
	assert.NotNil(t, snap.State.Scores)
	assert.NotNil(t, snap.State.GameData)
}

func TestDecodeSnapshotErrors(t *testing.T) {
	tests := []struct {
		name        string
		data        string
		unsupported bool
		message     string
	}{
		{"not json", `{"version":`, false, "not valid JSON"},
		{"future version", `{"version":7,"state":{}}`, true, "version 7 is not supported"},
		{"negative version", `{"version":-1,"state":{}}`, true, "not supported"},
		{"state not object", `{"version":1,"state":[1,2]}`, false, "not an object"},
		{"fractional score", `{"version":1,"state":{"scores":{"a":1.5}}}`, false, "unexpected field types"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeSnapshot("learner", []byte(tt.data))
			require.Error(t, err)

			var snapErr *SnapshotError
			require.ErrorAs(t, err, &snapErr)
			assert.Equal(t, "learner", snapErr.Key)
			assert.Contains(t, snapErr.Message, tt.message)
			assert.Equal(t, tt.unsupported, errors.Is(err, ErrUnsupportedVersion))
		})
	}
}

func TestSnapshotErrorFormat(t *testing.T) {
	err := &SnapshotError{
		Key:     "ai-seminar-progress",
		Version: 9,
		Message: "snapshot version 9 is not supported",
		Hint:    "upgrade seminar to read this snapshot",
		Err:     ErrUnsupportedVersion,
	}

	out := err.Format()
	assert.Contains(t, out, "ai-seminar-progress")
	assert.Contains(t, out, "Version 9")
	assert.Contains(t, out, "💡 Tip: upgrade seminar")
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
	assert.Equal(t, `snapshot "ai-seminar-progress": snapshot version 9 is not supported: unsupported snapshot version`, err.Error())
}

package seminar

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type levelCheckpoint struct {
	Level int `json:"level"`
}

func TestPageSessionLifecycle(t *testing.T) {
	s := NewStore(context.Background())
	page := s.OpenPage(context.Background(), "group-the-data")
	defer page.Close()

	_, ok, err := page.Mount()
	require.NoError(t, err)
	assert.False(t, ok, "fresh store has nothing to resume")

	assert.Equal(t, PhaseIntro, page.Phase())
	require.NoError(t, page.Advance(PhaseInteraction))
	require.NoError(t, page.Checkpoint(levelCheckpoint{Level: 2}))
	require.NoError(t, page.Advance(PhaseFeedback))

	// Retry once, then succeed.
	require.NoError(t, page.Advance(PhaseInteraction))
	require.NoError(t, page.Advance(PhaseFeedback))
	require.NoError(t, page.Complete(100))

	assert.Equal(t, PhaseReveal, page.Phase())
	assert.True(t, page.Completed())
	assert.True(t, s.IsExperimentCompleted("group-the-data"))
	score, ok := s.GetScore("group-the-data")
	assert.True(t, ok)
	assert.Equal(t, 100, score)
}

func TestPageSessionCompleteOnce(t *testing.T) {
	s := NewStore(context.Background())
	var ops []string
	cancel := s.Subscribe(func(c Change) { ops = append(ops, c.Op) })
	defer cancel()

	page := s.OpenPage(context.Background(), "attention")
	require.NoError(t, page.Complete(100))
	require.NoError(t, page.Complete(50))

	assert.Equal(t, []string{"completeExperiment", "setScore"}, ops)
	score, _ := s.GetScore("attention")
	assert.Equal(t, 100, score)
}

func TestPageSessionSubscriberReadsSession(t *testing.T) {
	store := NewStore(context.Background())
	page := store.OpenPage(context.Background(), "attention")
	defer page.Close()

	var phases []Phase
	var completed []bool
	store.Subscribe(func(Change) {
		phases = append(phases, page.Phase())
		completed = append(completed, page.Completed())
	})

	done := make(chan error, 1)
	go func() {
		if err := page.Checkpoint(map[string]int{"step": 2}); err != nil {
			done <- err
			return
		}
		done <- page.Complete(90)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber reading the session deadlocked")
	}

	assert.Equal(t, []Phase{PhaseIntro, PhaseReveal, PhaseReveal}, phases)
	assert.Equal(t, []bool{false, true, true}, completed)
	score, ok := store.GetScore("attention")
	assert.True(t, ok)
	assert.Equal(t, 90, score)
}

func TestPageSessionResume(t *testing.T) {
	s := NewStore(context.Background())
	first := s.OpenPage(context.Background(), "diffusion")
	require.NoError(t, first.Checkpoint(levelCheckpoint{Level: 4}))
	first.Close()

	second := s.OpenPage(context.Background(), "diffusion")
	defer second.Close()

	var cp levelCheckpoint
	resumed, err := second.Resume(&cp)
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, 4, cp.Level)

	other := s.OpenPage(context.Background(), "attention")
	defer other.Close()
	resumed, err = other.Resume(&cp)
	require.NoError(t, err)
	assert.False(t, resumed)
}

func TestPageSessionResumeBadCheckpoint(t *testing.T) {
	s := NewStore(context.Background())
	s.SetGameData("diffusion", []byte(`"not an object"`))

	page := s.OpenPage(context.Background(), "diffusion")
	defer page.Close()

	var cp levelCheckpoint
	resumed, err := page.Resume(&cp)
	assert.True(t, resumed)
	assert.ErrorContains(t, err, "failed to decode checkpoint")
}

func TestPageSessionInvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []Phase
		to   Phase
	}{
		{"skip interaction", nil, PhaseFeedback},
		{"reveal from intro", nil, PhaseReveal},
		{"back to intro", []Phase{PhaseInteraction}, PhaseIntro},
		{"leave reveal", []Phase{PhaseInteraction, PhaseFeedback, PhaseReveal}, PhaseInteraction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(context.Background())
			page := s.OpenPage(context.Background(), "fix-the-model")
			defer page.Close()
			for _, p := range tt.path {
				require.NoError(t, page.Advance(p))
			}
			assert.ErrorIs(t, page.Advance(tt.to), ErrInvalidTransition)
		})
	}
}

func TestPageSessionClose(t *testing.T) {
	s := NewStore(context.Background())
	page := s.OpenPage(context.Background(), "context-switch")

	page.Close()
	page.Close()

	select {
	case <-page.Context().Done():
	default:
		t.Fatal("expected session context to be cancelled")
	}

	assert.ErrorIs(t, page.Checkpoint(levelCheckpoint{Level: 1}), ErrSessionClosed)
	assert.ErrorIs(t, page.Complete(100), ErrSessionClosed)
	assert.ErrorIs(t, page.Advance(PhaseInteraction), ErrSessionClosed)
	_, _, err := page.Mount()
	assert.ErrorIs(t, err, ErrSessionClosed)

	assert.False(t, s.IsExperimentCompleted("context-switch"))
	_, ok := s.GameDataFor("context-switch")
	assert.False(t, ok)
}

func TestPhaseStrings(t *testing.T) {
	for p := PhaseIntro; p <= PhaseReveal; p++ {
		parsed, err := ParsePhase(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
	_, err := ParsePhase("outro")
	assert.Error(t, err)
	assert.Equal(t, "phase(9)", Phase(9).String())
}

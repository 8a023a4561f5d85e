// Package seminar tracks a learner's progress through a sequence of
// interactive experiment pages.
//
// The central type is Store: a persisted container holding the current page
// cursor, the set of completed experiments, per-experiment scores and an
// opaque per-experiment game data blob. Pages interact with it directly or
// through a PageSession, which adds the page lifecycle (mount, checkpoint,
// complete, close) on top of the raw store operations.
package seminar

import (
	"encoding/json"
	"maps"
	"slices"
)

// ExperimentID identifies one experiment page (e.g. "pattern-predictor").
// Ids are chosen by the pages themselves; the store never validates them.
type ExperimentID string

// DefaultTotalSlots is the number of experiment slots progress is measured
// against when no explicit value is configured.
const DefaultTotalSlots = 8

// DefaultKey is the storage key the progress snapshot is written under.
const DefaultKey = "ai-seminar-progress"

// State is the durable progress of one learner.
type State struct {
	CurrentPageIndex int `json:"currentPageIndex"`

	// CompletedExperiments holds each id at most once, in completion order.
	CompletedExperiments []ExperimentID `json:"completedExperiments"`

	Scores map[ExperimentID]int `json:"scores"`

	// GameData is a page-private scratchpad. Values are stored as raw JSON
	// and never inspected; use PutGameData and GameData for typed access.
	GameData map[ExperimentID]json.RawMessage `json:"gameData"`
}

// DefaultState returns the state of a learner who has not started yet.
func DefaultState() State {
	return State{
		CompletedExperiments: []ExperimentID{},
		Scores:               make(map[ExperimentID]int),
		GameData:             make(map[ExperimentID]json.RawMessage),
	}
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	out := State{
		CurrentPageIndex:     s.CurrentPageIndex,
		CompletedExperiments: slices.Clone(s.CompletedExperiments),
		Scores:               maps.Clone(s.Scores),
		GameData:             make(map[ExperimentID]json.RawMessage, len(s.GameData)),
	}
	if out.CompletedExperiments == nil {
		out.CompletedExperiments = []ExperimentID{}
	}
	if out.Scores == nil {
		out.Scores = make(map[ExperimentID]int)
	}
	for id, raw := range s.GameData {
		out.GameData[id] = slices.Clone(raw)
	}
	return out
}

// IsCompleted reports whether id is in the completed set.
func (s State) IsCompleted(id ExperimentID) bool {
	return slices.Contains(s.CompletedExperiments, id)
}

// Progress returns the completed share of totalSlots as a percentage. A
// non-positive totalSlots falls back to DefaultTotalSlots.
func (s State) Progress(totalSlots int) float64 {
	if totalSlots < 1 {
		totalSlots = DefaultTotalSlots
	}
	return float64(len(s.CompletedExperiments)) / float64(totalSlots) * 100
}

// normalize fills nil collections and drops duplicate completions, which
// only older or hand-edited snapshots can contain.
func (s *State) normalize() {
	if s.Scores == nil {
		s.Scores = make(map[ExperimentID]int)
	}
	if s.GameData == nil {
		s.GameData = make(map[ExperimentID]json.RawMessage)
	}
	seen := make(map[ExperimentID]struct{}, len(s.CompletedExperiments))
	completed := make([]ExperimentID, 0, len(s.CompletedExperiments))
	for _, id := range s.CompletedExperiments {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		completed = append(completed, id)
	}
	s.CompletedExperiments = completed
}

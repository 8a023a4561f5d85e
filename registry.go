package seminar

import (
	"fmt"
	"slices"
)

// Experiment describes one routed page.
type Experiment struct {
	ID      ExperimentID `yaml:"id" json:"id"`
	Path    string       `yaml:"path" json:"path"`   // Route path (e.g., "/experiment/1")
	Title   string       `yaml:"title" json:"title"` // Menu label
	Icon    string       `yaml:"icon,omitempty" json:"icon,omitempty"`
	Summary string       `yaml:"summary,omitempty" json:"summary,omitempty"` // Markdown
	// Slot marks pages that count toward completion (experiments, as opposed
	// to the landing or reflection pages).
	Slot bool `yaml:"slot" json:"slot"`
}

// DefaultExperiments mirrors the routes of the seminar web client.
func DefaultExperiments() []Experiment {
	return []Experiment{
		{ID: "home", Path: "/", Title: "Home", Icon: "🏠"},
		{ID: "pattern-predictor", Path: "/experiment/1", Title: "Pattern Predictor", Icon: "🔮", Slot: true,
			Summary: "Draw the line that best continues the points, then watch **linear regression** do it."},
		{ID: "fix-the-model", Path: "/experiment/2", Title: "Fix The Model", Icon: "🔧", Slot: true,
			Summary: "Tune a model that *underfits* or *overfits* until the curve matches the data."},
		{ID: "group-the-data", Path: "/experiment/3", Title: "Group The Data", Icon: "🔴", Slot: true,
			Summary: "Sort points into groups by hand, then compare with **k-means** clustering."},
		{ID: "context-switch", Path: "/experiment/4", Title: "Context Switch", Icon: "📝", Slot: true,
			Summary: "See how the same word changes meaning with its context."},
		{ID: "attention", Path: "/experiment/5", Title: "Attention", Icon: "🔦", Slot: true,
			Summary: "Highlight the words a model should **attend** to."},
		{ID: "diffusion", Path: "/experiment/6", Title: "Diffusion", Icon: "🌫️", Slot: true,
			Summary: "Add noise to an image, then reverse the process step by step."},
		{ID: "reflection", Path: "/reflection", Title: "Reflection", Icon: "🧠"},
		{ID: "mini_ai", Path: "/bonus", Title: "Neural Playground", Icon: "🎮", Slot: true,
			Summary: "Train a tiny classifier and watch its decision boundary move."},
	}
}

// CompletionReader is the read side of a Store needed for unlock decisions.
type CompletionReader interface {
	IsExperimentCompleted(id ExperimentID) bool
}

// Registry is the ordered set of experiments a site exposes.
type Registry struct {
	experiments []Experiment
	byID        map[ExperimentID]int
	byPath      map[string]int
}

// NewRegistry builds a registry, rejecting empty or duplicate ids and paths.
func NewRegistry(experiments []Experiment) (*Registry, error) {
	r := &Registry{
		experiments: slices.Clone(experiments),
		byID:        make(map[ExperimentID]int, len(experiments)),
		byPath:      make(map[string]int, len(experiments)),
	}
	for i, e := range r.experiments {
		if e.ID == "" {
			return nil, fmt.Errorf("experiment %d: id is required", i)
		}
		if e.Path == "" {
			return nil, fmt.Errorf("experiment %q: path is required", e.ID)
		}
		if _, dup := r.byID[e.ID]; dup {
			return nil, fmt.Errorf("experiment %q: duplicate id", e.ID)
		}
		if prev, dup := r.byPath[e.Path]; dup {
			return nil, fmt.Errorf("experiment %q: path %q already used by %q", e.ID, e.Path, r.experiments[prev].ID)
		}
		r.byID[e.ID] = i
		r.byPath[e.Path] = i
	}
	return r, nil
}

// All returns the experiments in route order.
func (r *Registry) All() []Experiment {
	return slices.Clone(r.experiments)
}

// Len returns the number of registered experiments.
func (r *Registry) Len() int {
	return len(r.experiments)
}

// Lookup returns the experiment with the given id.
func (r *Registry) Lookup(id ExperimentID) (Experiment, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Experiment{}, false
	}
	return r.experiments[i], true
}

// ByPath returns the experiment routed at path.
func (r *Registry) ByPath(path string) (Experiment, bool) {
	i, ok := r.byPath[path]
	if !ok {
		return Experiment{}, false
	}
	return r.experiments[i], true
}

// Index returns the position of id, or -1.
func (r *Registry) Index(id ExperimentID) int {
	i, ok := r.byID[id]
	if !ok {
		return -1
	}
	return i
}

// At maps a page cursor to an experiment. The cursor is not validated by the
// store, so out-of-range values simply report false.
func (r *Registry) At(index int) (Experiment, bool) {
	if index < 0 || index >= len(r.experiments) {
		return Experiment{}, false
	}
	return r.experiments[index], true
}

// Next returns the experiment after id.
func (r *Registry) Next(id ExperimentID) (Experiment, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Experiment{}, false
	}
	return r.At(i + 1)
}

// Prev returns the experiment before id.
func (r *Registry) Prev(id ExperimentID) (Experiment, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Experiment{}, false
	}
	return r.At(i - 1)
}

// Slots counts the experiments that take part in progress. It is reported
// next to the configured total slots and never substituted for it.
func (r *Registry) Slots() int {
	n := 0
	for _, e := range r.experiments {
		if e.Slot {
			n++
		}
	}
	return n
}

// Unlocked reports whether id may be opened. Without sequential gating every
// registered experiment is open. With it, a slot experiment opens once the
// slot before it is completed; non-slot pages are always open.
func (r *Registry) Unlocked(progress CompletionReader, id ExperimentID, sequential bool) bool {
	i, ok := r.byID[id]
	if !ok {
		return false
	}
	if !sequential || !r.experiments[i].Slot {
		return true
	}
	for j := i - 1; j >= 0; j-- {
		if r.experiments[j].Slot {
			return progress.IsExperimentCompleted(r.experiments[j].ID)
		}
	}
	return true
}

package seminar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrSessionClosed is returned by writes on a page session after Close.
	ErrSessionClosed = errors.New("page session closed")

	// ErrInvalidTransition is returned when a phase change is not allowed.
	ErrInvalidTransition = errors.New("invalid phase transition")
)

// Phase is a step in a page's interaction cycle.
type Phase int

const (
	PhaseIntro Phase = iota
	PhaseInteraction
	PhaseFeedback
	PhaseReveal
)

func (p Phase) String() string {
	switch p {
	case PhaseIntro:
		return "intro"
	case PhaseInteraction:
		return "interaction"
	case PhaseFeedback:
		return "feedback"
	case PhaseReveal:
		return "reveal"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ParsePhase is the inverse of Phase.String.
func ParsePhase(s string) (Phase, error) {
	for p := PhaseIntro; p <= PhaseReveal; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}

// Feedback may send the learner back to interaction for another attempt.
var phaseTransitions = map[Phase][]Phase{
	PhaseIntro:       {PhaseInteraction},
	PhaseInteraction: {PhaseFeedback},
	PhaseFeedback:    {PhaseInteraction, PhaseReveal},
	PhaseReveal:      {},
}

// PageSession is one mounted run of an experiment page. It writes only the
// keys of its own experiment.
type PageSession struct {
	mu        sync.Mutex
	store     *Store
	id        ExperimentID
	phase     Phase
	completed bool
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
}

// OpenPage mounts a page session for id. The session context is derived
// from ctx and is cancelled by Close; page timers should stop with it.
func (s *Store) OpenPage(ctx context.Context, id ExperimentID) *PageSession {
	ctx, cancel := context.WithCancel(ctx)
	return &PageSession{
		store:  s,
		id:     id,
		phase:  PhaseIntro,
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID returns the experiment this session belongs to.
func (p *PageSession) ID() ExperimentID {
	return p.id
}

// Context is cancelled when the session closes.
func (p *PageSession) Context() context.Context {
	return p.ctx
}

// Phase returns the current phase.
func (p *PageSession) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// Completed reports whether this run-through has been completed.
func (p *PageSession) Completed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed
}

// Mount returns the checkpoint left by a previous run, if any. Whether to
// resume from it is the page's decision.
func (p *PageSession) Mount() (json.RawMessage, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, ErrSessionClosed
	}
	raw, ok := p.store.GameDataFor(p.id)
	return raw, ok, nil
}

// Resume decodes the stored checkpoint into v. It reports false when there
// is nothing to resume from.
func (p *PageSession) Resume(v any) (bool, error) {
	raw, ok, err := p.Mount()
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("experiment %q: failed to decode checkpoint: %w", p.id, err)
	}
	return true, nil
}

// Checkpoint stores v as the page's game data.
func (p *PageSession) Checkpoint(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("experiment %q: failed to encode checkpoint: %w", p.id, err)
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	p.store.SetGameData(p.id, data)
	return nil
}

// Advance moves the page to the next phase.
func (p *PageSession) Advance(to Phase) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrSessionClosed
	}
	if !slices.Contains(phaseTransitions[p.phase], to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.phase, to)
	}
	p.phase = to
	return nil
}

// Complete records a successful run-through: the experiment is marked
// completed and its score set, once. Later calls are no-ops.
func (p *PageSession) Complete(score int) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrSessionClosed
	}
	if p.completed {
		p.mu.Unlock()
		return nil
	}
	p.completed = true
	p.phase = PhaseReveal
	p.mu.Unlock()

	// Subscribers run synchronously and may read this session.
	p.store.CompleteExperiment(p.id)
	p.store.SetScore(p.id, score)
	return nil
}

// Close tears the session down. It is safe to call more than once.
func (p *PageSession) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cancel()
}

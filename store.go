package seminar

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// persistTimeout bounds a single backend write.
const persistTimeout = 5 * time.Second

// Backend is durable storage for snapshots. Load reports found=false when
// nothing is stored under key.
type Backend interface {
	Load(ctx context.Context, key string) (data []byte, found bool, err error)
	Save(ctx context.Context, key string, data []byte) error
}

// Change is delivered to subscribers after every effective mutation.
type Change struct {
	Op       string
	Revision uint64
	State    State
}

// Option configures a Store.
type Option func(*Store)

// WithBackend persists the store to b. Without a backend the store is
// memory-only.
func WithBackend(b Backend) Option {
	return func(s *Store) { s.backend = b }
}

// WithKey sets the storage key (default DefaultKey).
func WithKey(key string) Option {
	return func(s *Store) {
		if key != "" {
			s.key = key
		}
	}
}

// WithTotalSlots sets the denominator of Progress. Values below 1 are
// ignored.
func WithTotalSlots(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.totalSlots = n
		}
	}
}

// WithLogger sets the logger used to report persistence failures.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source used for snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is the single source of truth for one learner's progress.
//
// Every mutation is applied, persisted and announced to subscribers before
// the method returns. Persistence is best-effort: a failing backend leaves
// the in-memory state authoritative for the rest of the process and never
// surfaces as an error to the caller.
type Store struct {
	mu         sync.Mutex
	state      State
	revision   uint64
	persistErr error

	backend    Backend
	key        string
	totalSlots int
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time

	subMu  sync.Mutex
	subs   map[uint64]func(Change)
	nextID uint64
}

// NewStore creates a store and restores any snapshot found in the backend.
// A missing, unreadable or unsupported snapshot leaves the store at
// DefaultState; the reason is available from PersistErr.
func NewStore(ctx context.Context, opts ...Option) *Store {
	s := &Store{
		state:      DefaultState(),
		key:        DefaultKey,
		totalSlots: DefaultTotalSlots,
		logger:     zap.NewNop(),
		tracer:     otel.Tracer("github.com/livetemplate/seminar"),
		now:        time.Now,
		subs:       make(map[uint64]func(Change)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.load(ctx)
	return s
}

func (s *Store) load(ctx context.Context) {
	if s.backend == nil {
		return
	}

	ctx, span := s.tracer.Start(ctx, "seminar.load", trace.WithAttributes(attribute.String("seminar.key", s.key)))
	defer span.End()

	data, found, err := s.backend.Load(ctx, s.key)
	if err != nil {
		s.persistErr = err
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		s.logger.Warn("progress not restored, starting fresh", zap.String("key", s.key), zap.Error(err))
		return
	}
	if !found {
		return
	}

	snap, err := DecodeSnapshot(s.key, data)
	if err != nil {
		s.persistErr = err
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		s.logger.Warn("stored progress is unreadable, starting fresh", zap.String("key", s.key), zap.Error(err))
		return
	}
	s.state = snap.State
}

// update applies fn under the lock. fn reports whether it changed anything;
// only effective changes are persisted and announced.
func (s *Store) update(op string, fn func(st *State) bool) {
	s.mu.Lock()
	if !fn(&s.state) {
		s.mu.Unlock()
		return
	}
	s.revision++
	s.persistLocked(op)
	change := Change{Op: op, Revision: s.revision, State: s.state.Clone()}
	s.mu.Unlock()

	s.notify(change)
}

func (s *Store) persistLocked(op string) {
	if s.backend == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "seminar.persist", trace.WithAttributes(
		attribute.String("seminar.key", s.key),
		attribute.String("seminar.op", op),
	))
	defer span.End()

	data, err := EncodeSnapshot(s.state, s.now())
	if err == nil {
		err = s.backend.Save(ctx, s.key, data)
	}
	if err != nil {
		s.persistErr = err
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		s.logger.Warn("progress not saved", zap.String("key", s.key), zap.String("op", op), zap.Error(err))
		return
	}
	s.persistErr = nil
}

func (s *Store) notify(change Change) {
	s.subMu.Lock()
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}

// Subscribe registers fn to be called synchronously after every effective
// mutation, in subscription order. Under concurrent writers deliveries may
// arrive out of order; Change.Revision is strictly increasing per store.
// The returned function removes the subscription.
func (s *Store) Subscribe(fn func(Change)) (cancel func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.nextID++
	id := s.nextID
	s.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

// SetCurrentPage sets the cursor verbatim. Callers own its validity.
func (s *Store) SetCurrentPage(n int) {
	s.update("setCurrentPage", func(st *State) bool {
		st.CurrentPageIndex = n
		return true
	})
}

// NextPage advances the cursor by one.
func (s *Store) NextPage() {
	s.update("nextPage", func(st *State) bool {
		st.CurrentPageIndex++
		return true
	})
}

// PreviousPage moves the cursor back by one, never below zero.
func (s *Store) PreviousPage() {
	s.update("previousPage", func(st *State) bool {
		st.CurrentPageIndex = max(0, st.CurrentPageIndex-1)
		return true
	})
}

// CompleteExperiment marks id as completed. Completing an id twice is a
// no-op.
func (s *Store) CompleteExperiment(id ExperimentID) {
	s.update("completeExperiment", func(st *State) bool {
		if st.IsCompleted(id) {
			return false
		}
		st.CompletedExperiments = append(st.CompletedExperiments, id)
		return true
	})
}

// SetScore overwrites the score for id.
func (s *Store) SetScore(id ExperimentID, score int) {
	s.update("setScore", func(st *State) bool {
		st.Scores[id] = score
		return true
	})
}

// SetGameData overwrites the game data for id. Nested fields are never
// merged. A nil or empty data stores JSON null.
func (s *Store) SetGameData(id ExperimentID, data json.RawMessage) {
	stored := slices.Clone(data)
	if len(stored) == 0 {
		stored = json.RawMessage("null")
	}
	s.update("setGameData", func(st *State) bool {
		st.GameData[id] = stored
		return true
	})
}

// ResetProgress restores every field to its default and overwrites the
// persisted snapshot.
func (s *Store) ResetProgress() {
	s.update("resetProgress", func(st *State) bool {
		*st = DefaultState()
		return true
	})
}

// IsExperimentCompleted reports whether id has been completed.
func (s *Store) IsExperimentCompleted(id ExperimentID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.IsCompleted(id)
}

// GetScore returns the stored score for id. ok is false when no score was
// ever set, which is distinct from a score of zero.
func (s *Store) GetScore(id ExperimentID) (score int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	score, ok = s.state.Scores[id]
	return score, ok
}

// Progress returns the completed share of TotalSlots as a percentage.
// TotalSlots is configuration, not the number of registered experiments, so
// the result is not clamped to 100.
func (s *Store) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Progress(s.totalSlots)
}

// TotalSlots returns the configured progress denominator.
func (s *Store) TotalSlots() int {
	return s.totalSlots
}

// State returns a deep copy of the current state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// CurrentPage returns the cursor.
func (s *Store) CurrentPage() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.CurrentPageIndex
}

// CompletedExperiments returns the completed ids in completion order.
func (s *Store) CompletedExperiments() []ExperimentID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.state.CompletedExperiments)
}

// GameDataFor returns a copy of the stored game data for id.
func (s *Store) GameDataFor(id ExperimentID) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.state.GameData[id]
	if !ok {
		return nil, false
	}
	return slices.Clone(raw), true
}

// Revision returns the number of effective mutations applied so far.
func (s *Store) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// Key returns the storage key.
func (s *Store) Key() string {
	return s.key
}

// PersistErr returns the most recent load or save failure, or nil once a
// later save has succeeded.
func (s *Store) PersistErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistErr
}

// PutGameData marshals v and stores it as the game data for id.
func PutGameData[T any](s *Store, id ExperimentID, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.SetGameData(id, data)
	return nil
}

// GameData decodes the game data stored for id into a T.
func GameData[T any](s *Store, id ExperimentID) (T, bool, error) {
	var out T
	raw, ok := s.GameDataFor(id)
	if !ok {
		return out, false, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, true, err
	}
	return out, true, nil
}

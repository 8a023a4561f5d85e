package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/livetemplate/seminar"
)

// maxRequestBodySize limits the size of incoming request bodies (1MB)
const maxRequestBodySize = 1 << 20

// ProgressView is the JSON form of one profile's progress.
type ProgressView struct {
	Profile       string        `json:"profile"`
	Key           string        `json:"key"`
	State         seminar.State `json:"state"`
	Progress      float64       `json:"progress"`
	TotalSlots    int           `json:"totalSlots"`
	RegistrySlots int           `json:"registrySlots"`
	Revision      uint64        `json:"revision"`
	PersistError  string        `json:"persistError,omitempty"`
}

// ExperimentProgress is the JSON form of one experiment's stored progress.
type ExperimentProgress struct {
	ID        seminar.ExperimentID `json:"id"`
	Completed bool                 `json:"completed"`
	Score     *int                 `json:"score"` // null when never scored
	Data      json.RawMessage      `json:"data,omitempty"`
}

// ExperimentView is one registry entry annotated for the calling profile.
type ExperimentView struct {
	seminar.Experiment
	Index       int    `json:"index"`
	SummaryHTML string `json:"summaryHtml,omitempty"`
	Completed   bool   `json:"completed"`
	Unlocked    bool   `json:"unlocked"`
}

// storeHandler serves a request on behalf of one profile.
type storeHandler func(w http.ResponseWriter, r *http.Request, profileID string, store *seminar.Store)

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ws", s.serveWebSocket)

	mux.HandleFunc("GET /api/experiments", s.withStore(s.handleExperiments))

	mux.HandleFunc("GET /api/progress", s.withStore(s.handleGetProgress))
	mux.HandleFunc("DELETE /api/progress", s.withStore(s.handleReset))

	mux.HandleFunc("PUT /api/progress/page", s.withStore(s.handleSetPage))
	mux.HandleFunc("POST /api/progress/page/next", s.withStore(s.handleNextPage))
	mux.HandleFunc("POST /api/progress/page/previous", s.withStore(s.handlePreviousPage))

	mux.HandleFunc("GET /api/progress/experiments/{id}", s.withStore(experimentRoute(s.handleGetExperiment)))
	mux.HandleFunc("POST /api/progress/experiments/{id}/complete", s.withStore(experimentRoute(s.handleComplete)))
	mux.HandleFunc("GET /api/progress/experiments/{id}/score", s.withStore(experimentRoute(s.handleGetScore)))
	mux.HandleFunc("PUT /api/progress/experiments/{id}/score", s.withStore(experimentRoute(s.handleSetScore)))
	mux.HandleFunc("GET /api/progress/experiments/{id}/data", s.withStore(experimentRoute(s.handleGetData)))
	mux.HandleFunc("PUT /api/progress/experiments/{id}/data", s.withStore(experimentRoute(s.handleSetData)))
}

// withStore resolves the caller's profile and its store.
func (s *Server) withStore(h storeHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		profileID, err := resolveProfile(w, r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		store, err := s.profiles.get(r.Context(), profileID)
		if err != nil {
			s.logger.Error("profile unavailable", zap.String("profile", profileID), zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "profile unavailable")
			return
		}
		h(w, r, profileID, store)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"profiles": s.profiles.len(),
	})
}

// progressView builds the view of a profile from a state snapshot.
func (s *Server) progressView(profileID string, store *seminar.Store, state seminar.State, revision uint64) ProgressView {
	v := ProgressView{
		Profile:       profileID,
		Key:           store.Key(),
		State:         state,
		Progress:      state.Progress(store.TotalSlots()),
		TotalSlots:    store.TotalSlots(),
		RegistrySlots: s.Registry().Slots(),
		Revision:      revision,
	}
	if err := store.PersistErr(); err != nil {
		v.PersistError = err.Error()
	}
	return v
}

func (s *Server) currentView(profileID string, store *seminar.Store) ProgressView {
	// Revision first: a mutation racing this read can only make the state
	// newer than the revision reported, never older.
	rev := store.Revision()
	return s.progressView(profileID, store, store.State(), rev)
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request, profileID string, store *seminar.Store) {
	writeJSON(w, http.StatusOK, s.currentView(profileID, store))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request, profileID string, store *seminar.Store) {
	store.ResetProgress()
	writeJSON(w, http.StatusOK, s.currentView(profileID, store))
}

func (s *Server) handleSetPage(w http.ResponseWriter, r *http.Request, profileID string, store *seminar.Store) {
	var body struct {
		Index *int `json:"index"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Index == nil {
		writeError(w, http.StatusBadRequest, "index is required")
		return
	}
	store.SetCurrentPage(*body.Index)
	writeJSON(w, http.StatusOK, s.currentView(profileID, store))
}

func (s *Server) handleNextPage(w http.ResponseWriter, r *http.Request, profileID string, store *seminar.Store) {
	store.NextPage()
	writeJSON(w, http.StatusOK, s.currentView(profileID, store))
}

func (s *Server) handlePreviousPage(w http.ResponseWriter, r *http.Request, profileID string, store *seminar.Store) {
	store.PreviousPage()
	writeJSON(w, http.StatusOK, s.currentView(profileID, store))
}

func experimentProgress(store *seminar.Store, id seminar.ExperimentID) ExperimentProgress {
	p := ExperimentProgress{ID: id, Completed: store.IsExperimentCompleted(id)}
	if score, ok := store.GetScore(id); ok {
		p.Score = &score
	}
	if data, ok := store.GameDataFor(id); ok {
		p.Data = data
	}
	return p
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request, profileID string, store *seminar.Store) {
	writeJSON(w, http.StatusOK, experimentProgress(store, pathID(r)))
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request, profileID string, store *seminar.Store) {
	id := pathID(r)
	store.CompleteExperiment(id)
	writeJSON(w, http.StatusOK, experimentProgress(store, id))
}

func (s *Server) handleGetScore(w http.ResponseWriter, r *http.Request, profileID string, store *seminar.Store) {
	id := pathID(r)
	p := experimentProgress(store, id)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "score": p.Score})
}

func (s *Server) handleSetScore(w http.ResponseWriter, r *http.Request, profileID string, store *seminar.Store) {
	var body struct {
		Score *int `json:"score"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Score == nil {
		writeError(w, http.StatusBadRequest, "score is required")
		return
	}
	id := pathID(r)
	store.SetScore(id, *body.Score)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "score": *body.Score})
}

func (s *Server) handleGetData(w http.ResponseWriter, r *http.Request, profileID string, store *seminar.Store) {
	data, ok := store.GameDataFor(pathID(r))
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleSetData(w http.ResponseWriter, r *http.Request, profileID string, store *seminar.Store) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		writeBodyError(w, err)
		return
	}
	if !json.Valid(data) {
		writeError(w, http.StatusBadRequest, "game data must be valid JSON")
		return
	}
	id := pathID(r)
	store.SetGameData(id, data)
	writeJSON(w, http.StatusOK, experimentProgress(store, id))
}

func (s *Server) handleExperiments(w http.ResponseWriter, r *http.Request, profileID string, store *seminar.Store) {
	s.mu.RLock()
	reg := s.registry
	summaries := s.summaries
	cfg := s.config
	s.mu.RUnlock()

	all := reg.All()
	views := make([]ExperimentView, 0, len(all))
	for i, e := range all {
		views = append(views, ExperimentView{
			Experiment:  e,
			Index:       i,
			SummaryHTML: summaries[e.ID],
			Completed:   store.IsExperimentCompleted(e.ID),
			Unlocked:    reg.Unlocked(store, e.ID, cfg.Navigation.Sequential),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"title":       cfg.Title,
		"sequential":  cfg.Navigation.Sequential,
		"currentPage": store.CurrentPage(),
		"experiments": views,
	})
}

// validExperimentID rejects ids that would not survive a JSON round trip.
func validExperimentID(id seminar.ExperimentID) error {
	if !utf8.ValidString(string(id)) {
		return fmt.Errorf("experiment id must be valid UTF-8")
	}
	return nil
}

// experimentRoute answers 400 before h runs when the {id} path value is
// not a usable experiment id.
func experimentRoute(h storeHandler) storeHandler {
	return func(w http.ResponseWriter, r *http.Request, profileID string, store *seminar.Store) {
		if err := validExperimentID(pathID(r)); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h(w, r, profileID, store)
	}
}

func pathID(r *http.Request) seminar.ExperimentID {
	return seminar.ExperimentID(r.PathValue("id"))
}

// decodeBody decodes a JSON request body into v, answering 400 or 413 on
// failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeBodyError(w, err)
		return false
	}
	return true
}

func writeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "invalid JSON body")
}

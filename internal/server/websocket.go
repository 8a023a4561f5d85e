package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/livetemplate/seminar"
	"github.com/livetemplate/seminar/internal/security"
)

const writeWait = 10 * time.Second

// newUpgrader accepts same-origin pages and the configured CORS origins.
func newUpgrader(origins []string) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return security.OriginAllowed(r.Header.Get("Origin"), r.Host, origins)
		},
	}
}

// MessageEnvelope is one WebSocket message in either direction.
type MessageEnvelope struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// client is one open WebSocket. gorilla connections allow a single
// concurrent writer, so every write goes through mu.
type client struct {
	conn    *websocket.Conn
	profile string
	mu      sync.Mutex
}

func (c *client) send(env MessageEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) registerClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	set, ok := s.clients[c.profile]
	if !ok {
		set = make(map[*client]struct{})
		s.clients[c.profile] = set
	}
	set[c] = struct{}{}
}

func (s *Server) unregisterClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	set := s.clients[c.profile]
	delete(set, c)
	if len(set) == 0 {
		delete(s.clients, c.profile)
	}
}

func (s *Server) hasClients(profileID string) bool {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients[profileID]) > 0
}

func (s *Server) clientsOf(profileID string) []*client {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	out := make([]*client, 0, len(s.clients[profileID]))
	for c := range s.clients[profileID] {
		out = append(out, c)
	}
	return out
}

// pushProgress sends a profile's new state to every socket it has open.
func (s *Server) pushProgress(profileID string, store *seminar.Store, change seminar.Change) {
	clients := s.clientsOf(profileID)
	if len(clients) == 0 {
		return
	}

	view := s.progressView(profileID, store, change.State, change.Revision)
	data, err := json.Marshal(view)
	if err != nil {
		s.logger.Error("failed to marshal progress", zap.Error(err))
		return
	}
	env := MessageEnvelope{Action: "progress", Data: data}
	for _, c := range clients {
		if err := c.send(env); err != nil {
			s.logger.Debug("failed to push progress", zap.String("profile", profileID), zap.Error(err))
		}
	}
}

// BroadcastReload tells every connected page to reload.
func (s *Server) BroadcastReload(filePath string) {
	s.clientsMu.RLock()
	var all []*client
	for _, set := range s.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	s.clientsMu.RUnlock()

	if len(all) == 0 {
		return
	}

	data, _ := json.Marshal(map[string]string{"filePath": filePath})
	s.logger.Info("broadcasting reload", zap.String("file", filePath), zap.Int("connections", len(all)))
	for _, c := range all {
		if err := c.send(MessageEnvelope{Action: "reload", Data: data}); err != nil {
			s.logger.Debug("failed to send reload", zap.Error(err))
		}
	}
}

// serveWebSocket upgrades the connection, sends the current progress and
// then applies store actions sent by the page.
func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
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

	// The profile cookie set by resolveProfile travels with the upgrade
	// response.
	conn, err := s.upgrader.Upgrade(w, r, w.Header())
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	c := &client{conn: conn, profile: profileID}
	s.registerClient(c)
	defer s.unregisterClient(c)

	s.logger.Debug("websocket connected", zap.String("profile", profileID))

	if err := c.send(s.progressEnvelope(profileID, store)); err != nil {
		return
	}

	conn.SetReadLimit(maxRequestBodySize)
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed", zap.String("profile", profileID), zap.Error(err))
			}
			return
		}
		s.profiles.touch(profileID)

		if err := s.handleMessage(c, store, message); err != nil {
			data, _ := json.Marshal(map[string]string{"error": err.Error()})
			if c.send(MessageEnvelope{Action: "error", Data: data}) != nil {
				return
			}
		}
	}
}

func (s *Server) progressEnvelope(profileID string, store *seminar.Store) MessageEnvelope {
	data, _ := json.Marshal(s.currentView(profileID, store))
	return MessageEnvelope{Action: "progress", Data: data}
}

// actionPayload carries the arguments of every client action.
type actionPayload struct {
	ID    seminar.ExperimentID `json:"id"`
	Score *int                 `json:"score"`
	Index *int                 `json:"index"`
	Data  json.RawMessage      `json:"data"`
}

// handleMessage applies one client action to the store. The resulting state
// reaches the client through the store subscription.
func (s *Server) handleMessage(c *client, store *seminar.Store, message []byte) error {
	var env MessageEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	var p actionPayload
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", env.Action, err)
		}
		if err := validExperimentID(p.ID); err != nil {
			return fmt.Errorf("%s: %w", env.Action, err)
		}
	}

	switch env.Action {
	case "get":
		return c.send(s.progressEnvelope(c.profile, store))
	case "complete":
		if p.ID == "" {
			return fmt.Errorf("complete: id is required")
		}
		store.CompleteExperiment(p.ID)
	case "score":
		if p.ID == "" || p.Score == nil {
			return fmt.Errorf("score: id and score are required")
		}
		store.SetScore(p.ID, *p.Score)
	case "data":
		if p.ID == "" {
			return fmt.Errorf("data: id is required")
		}
		if len(p.Data) == 0 || !json.Valid(p.Data) {
			return fmt.Errorf("data: data must be valid JSON")
		}
		store.SetGameData(p.ID, p.Data)
	case "page":
		if p.Index == nil {
			return fmt.Errorf("page: index is required")
		}
		store.SetCurrentPage(*p.Index)
	case "next":
		store.NextPage()
	case "previous":
		store.PreviousPage()
	case "reset":
		store.ResetProgress()
	default:
		return fmt.Errorf("unknown action %q", env.Action)
	}
	return nil
}

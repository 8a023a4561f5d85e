package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/livetemplate/seminar"
	"github.com/livetemplate/seminar/internal/cache"
)

const (
	profileCookie = "seminar_profile"
	profileHeader = "X-Profile-ID"

	profileCookieMaxAge = 365 * 24 * 60 * 60
)

// ProfileKey returns the storage key of one learner profile under base.
func ProfileKey(base, profileID string) string {
	return base + ":" + profileID
}

// profile is one learner's live store.
type profile struct {
	id          string
	store       *seminar.Store
	unsubscribe func()
}

// profileSet keeps one store per learner in an idle-expiring cache. A store
// that has unsaved state or an open websocket is never evicted.
type profileSet struct {
	backend    seminar.Backend
	key        string
	totalSlots int
	ttl        time.Duration
	logger     *zap.Logger

	onChange   func(profileID string, store *seminar.Store, change seminar.Change)
	hasClients func(profileID string) bool

	cache *cache.MemoryCache[*profile]
}

type profileSetConfig struct {
	backend    seminar.Backend
	key        string
	totalSlots int
	ttl        time.Duration
	logger     *zap.Logger
	onChange   func(profileID string, store *seminar.Store, change seminar.Change)
	hasClients func(profileID string) bool
}

func newProfileSet(cfg profileSetConfig) *profileSet {
	p := &profileSet{
		backend:    cfg.backend,
		key:        cfg.key,
		totalSlots: cfg.totalSlots,
		ttl:        cfg.ttl,
		logger:     cfg.logger.Named("profiles"),
		onChange:   cfg.onChange,
		hasClients: cfg.hasClients,
	}
	p.cache = cache.NewMemoryCache(
		cache.WithCanEvict(p.canEvict),
		cache.WithOnEvict(p.evicted),
	)
	return p
}

func (p *profileSet) canEvict(id string, pr *profile) bool {
	if pr.store.PersistErr() != nil {
		return false
	}
	return p.hasClients == nil || !p.hasClients(id)
}

func (p *profileSet) evicted(id string, pr *profile) {
	pr.unsubscribe()
	p.logger.Debug("profile evicted", zap.String("profile", id))
}

// get returns the store of profileID, loading it from storage on first use.
func (p *profileSet) get(ctx context.Context, profileID string) (*seminar.Store, error) {
	pr, err := p.cache.GetOrCreate(profileID, p.ttl, func() (*profile, error) {
		// A cancelled request must not leave a store that loaded nothing
		// and would overwrite the saved snapshot on its first mutation.
		store := seminar.NewStore(context.WithoutCancel(ctx),
			seminar.WithBackend(p.backend),
			seminar.WithKey(ProfileKey(p.key, profileID)),
			seminar.WithTotalSlots(p.totalSlots),
			seminar.WithLogger(p.logger),
		)
		// An unreadable snapshot is replaced on the next save. A failed
		// read is not: caching that store would overwrite saved progress.
		if err := store.PersistErr(); err != nil {
			var snapErr *seminar.SnapshotError
			if !errors.As(err, &snapErr) {
				return nil, fmt.Errorf("load profile %s: %w", profileID, err)
			}
		}
		pr := &profile{id: profileID, store: store}
		pr.unsubscribe = store.Subscribe(func(c seminar.Change) {
			if p.onChange != nil {
				p.onChange(profileID, store, c)
			}
		})
		p.logger.Debug("profile loaded",
			zap.String("profile", profileID), zap.Uint64("revision", store.Revision()))
		return pr, nil
	})
	if err != nil {
		return nil, err
	}
	return pr.store, nil
}

// touch extends the idle lifetime of profileID
func (p *profileSet) touch(profileID string) {
	p.cache.Touch(profileID)
}

// len returns the number of live profiles
func (p *profileSet) len() int {
	return p.cache.Len()
}

// close stops the sweeper and detaches every store
func (p *profileSet) close() {
	p.cache.Stop()
	p.cache.Range(func(id string, pr *profile) bool {
		pr.unsubscribe()
		return true
	})
	p.cache.InvalidateAll()
}

// resolveProfile identifies the learner behind r. An explicit header wins
// over the cookie; a request with neither gets a fresh id and a cookie.
func resolveProfile(w http.ResponseWriter, r *http.Request) (string, error) {
	if h := r.Header.Get(profileHeader); h != "" {
		id, err := uuid.Parse(h)
		if err != nil {
			return "", fmt.Errorf("invalid %s header: %w", profileHeader, err)
		}
		return id.String(), nil
	}

	if c, err := r.Cookie(profileCookie); err == nil {
		if id, err := uuid.Parse(c.Value); err == nil {
			return id.String(), nil
		}
	}

	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     profileCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   profileCookieMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id, nil
}

package conversation

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/sqlchat/sqlchat/internal/database"
	"github.com/sqlchat/sqlchat/internal/observability"
)

// Store keeps sessions in memory with a sliding TTL. Expired or deleted
// sessions close the connection they own.
type Store struct {
	cache  *cache.Cache
	logger *slog.Logger
	now    func() time.Time
}

// NewStore starts go-cache's janitor when cleanup > 0.
func NewStore(ttl, cleanup time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		cache:  cache.New(ttl, cleanup),
		logger: logger,
		now:    time.Now,
	}
	s.cache.OnEvicted(s.evicted)
	return s
}

// Create registers a new session whose history starts with greeting. shared
// may be nil when no default database is configured.
func (s *Store) Create(owner, persona, greeting string, shared *database.Handle) *Session {
	now := s.now().UTC()
	session := &Session{
		ID:        uuid.NewString(),
		Owner:     owner,
		Persona:   persona,
		CreatedAt: now,
		History:   NewHistory(greeting, now),
	}
	if shared != nil {
		session.UseShared(shared)
	}
	s.cache.Set(session.ID, session, cache.DefaultExpiration)
	observability.SetActiveSessions(s.cache.ItemCount())
	return session
}

// Get returns the session and extends its lifetime.
func (s *Store) Get(id string) (*Session, bool) {
	value, ok := s.cache.Get(id)
	if !ok {
		return nil, false
	}
	session := value.(*Session)
	// Replace fails once a concurrent Delete has evicted the session.
	if err := s.cache.Replace(id, session, cache.DefaultExpiration); err != nil {
		return nil, false
	}
	return session, true
}

func (s *Store) Delete(id string) bool {
	if _, ok := s.cache.Get(id); !ok {
		return false
	}
	s.cache.Delete(id)
	return true
}

func (s *Store) Count() int {
	return s.cache.ItemCount()
}

// Sweep evicts expired sessions now instead of waiting for the janitor.
func (s *Store) Sweep() {
	s.cache.DeleteExpired()
}

// Close evicts every session.
func (s *Store) Close() {
	s.cache.DeleteExpired()
	for id := range s.cache.Items() {
		s.cache.Delete(id)
	}
}

func (s *Store) evicted(id string, value any) {
	session, ok := value.(*Session)
	if !ok {
		return
	}
	session.Lock()
	err := session.Release()
	session.Unlock()
	if err != nil {
		s.logger.Warn("close session connection failed", "session_id", id, "error", err)
	}
	s.logger.Debug("session evicted", "session_id", id)
	observability.SetActiveSessions(s.cache.ItemCount())
}

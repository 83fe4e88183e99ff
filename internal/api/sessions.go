package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/lkokila/insurance-demo-wso2-apim-is-mcp/internal/auth/wso2"
	"github.com/lkokila/insurance-demo-wso2-apim-is-mcp/internal/config"
	"github.com/lkokila/insurance-demo-wso2-apim-is-mcp/internal/session"
)

const sessionCookieName = "demo_sid"

// webSession binds one browser session to its auth controller and any
// pending step-up challenge.
type webSession struct {
	id         string
	controller *session.Controller

	mu        sync.Mutex
	challenge *wso2.ChallengeContext
	lastSeen  time.Time
}

func (s *webSession) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *webSession) setChallenge(c *wso2.ChallengeContext) {
	s.mu.Lock()
	s.challenge = c
	s.mu.Unlock()
}

func (s *webSession) pendingChallenge() *wso2.ChallengeContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.challenge
}

// BackendFactory builds the durable persistence backend for one browser
// session. A nil return keeps that session memory-only.
type BackendFactory func(sessionID string) session.Backend

// SessionManager hands out cookie-bound sessions, each with its own auth
// controller, and evicts sessions idle past the configured window.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*webSession

	cfg        *config.Config
	svc        *wso2.Service
	httpClient *http.Client
	backends   BackendFactory
	maxIdle    time.Duration
}

// NewSessionManager creates a manager for the given configuration. backends
// may be nil, in which case sessions are not persisted across restarts.
func NewSessionManager(cfg *config.Config, svc *wso2.Service, httpClient *http.Client, backends BackendFactory) *SessionManager {
	maxIdle := time.Duration(cfg.Session.IdleMinutes) * time.Minute
	if maxIdle <= 0 {
		maxIdle = 30 * time.Minute
	}
	return &SessionManager{
		sessions:   make(map[string]*webSession),
		cfg:        cfg,
		svc:        svc,
		httpClient: httpClient,
		backends:   backends,
		maxIdle:    maxIdle,
	}
}

// UpdateConfig swaps the configuration used for newly created sessions.
// Existing sessions keep the provider settings they were started with.
func (m *SessionManager) UpdateConfig(cfg *config.Config, svc *wso2.Service) {
	m.mu.Lock()
	m.cfg = cfg
	m.svc = svc
	m.mu.Unlock()
}

// Session returns the session bound to the request's cookie, creating one
// (and setting the cookie) when none exists.
func (m *SessionManager) Session(c *gin.Context) *webSession {
	if sid, err := c.Cookie(sessionCookieName); err == nil && sid != "" {
		m.mu.Lock()
		ws, ok := m.sessions[sid]
		m.mu.Unlock()
		if ok {
			ws.touch()
			return ws
		}
	}

	sid := uuid.NewString()
	ws := m.newSession(sid)
	c.SetCookie(sessionCookieName, sid, int(m.maxIdle.Seconds()), "/", "", false, true)
	return ws
}

// Peek returns the session bound to the request's cookie without creating
// one.
func (m *SessionManager) Peek(c *gin.Context) (*webSession, bool) {
	sid, err := c.Cookie(sessionCookieName)
	if err != nil || sid == "" {
		return nil, false
	}
	m.mu.Lock()
	ws, ok := m.sessions[sid]
	m.mu.Unlock()
	if ok {
		ws.touch()
	}
	return ws, ok
}

func (m *SessionManager) newSession(sid string) *webSession {
	m.mu.Lock()
	cfg := m.cfg
	svc := m.svc
	m.mu.Unlock()

	var backend session.Backend
	if m.backends != nil {
		backend = m.backends(sid)
	}
	store := session.NewStore(backend)
	ws := &webSession{
		id:         sid,
		controller: session.NewController(cfg, svc, store, m.httpClient),
		lastSeen:   time.Now(),
	}

	m.mu.Lock()
	m.sessions[sid] = ws
	m.mu.Unlock()
	log.Debugf("created session %s", sid)
	return ws
}

// Drop removes a session and clears its cookie.
func (m *SessionManager) Drop(c *gin.Context, ws *webSession) {
	m.mu.Lock()
	delete(m.sessions, ws.id)
	m.mu.Unlock()
	c.SetCookie(sessionCookieName, "", -1, "/", "", false, true)
}

// EvictIdle removes sessions whose last activity is older than the idle
// window. It returns the number of sessions evicted.
func (m *SessionManager) EvictIdle() int {
	cutoff := time.Now().Add(-m.maxIdle)
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for sid, ws := range m.sessions {
		ws.mu.Lock()
		stale := ws.lastSeen.Before(cutoff)
		ws.mu.Unlock()
		if stale {
			delete(m.sessions, sid)
			evicted++
		}
	}
	if evicted > 0 {
		log.Debugf("evicted %d idle sessions", evicted)
	}
	return evicted
}

// StartEvictions runs periodic idle eviction until stop is closed.
func (m *SessionManager) StartEvictions(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.EvictIdle()
			}
		}
	}()
}

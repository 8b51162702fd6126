package qwendirect

import (
	"crypto/md5"
	"encoding/hex"
	"sync"
	"time"

	"github.com/BaSui01/qwengate/llm"
	"go.uber.org/zap"
)

// Session defaults. Both are configurable per manager instance.
const (
	DefaultSessionTTL      = 30 * time.Minute
	DefaultCleanupInterval = 10 * time.Minute
)

// GenerateSessionID derives the conversation id from the first user
// message: 32-char lowercase hex MD5 of the UTF-8 content bytes. The
// value is wire-significant, it keys the upstream chat mapping.
func GenerateSessionID(content string) (string, error) {
	if content == "" {
		return "", llm.NewError(llm.ErrValidation, "cannot derive conversation id from empty message")
	}
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:]), nil
}

// Session is the per-conversation state: which upstream chat the
// conversation maps to and where the parent_id chain currently points.
type Session struct {
	ID           string
	ChatID       string
	ParentID     *string
	CreatedAt    int64 // ms
	LastAccessed int64 // ms
	MessageCount int
}

// Metrics is a point-in-time snapshot of manager counters.
type Metrics struct {
	Active       int   `json:"active"`
	TotalCreated int64 `json:"total_created"`
	TotalCleaned int64 `json:"total_cleaned"`
}

// SessionObserver receives session lifecycle telemetry, labeled by the
// owning provider id.
type SessionObserver interface {
	SetSessionsActive(provider string, active int)
	AddSessionsCreated(provider string, n float64)
	AddSessionsCleaned(provider string, n float64)
}

// SessionManager maps conversation ids to Sessions with TTL expiry and
// a periodic sweep. Each qwen_direct provider owns exactly one manager;
// destroying the provider shuts it down.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	ttl      time.Duration
	interval time.Duration

	totalCreated int64
	totalCleaned int64

	stopCh   chan struct{}
	stopOnce sync.Once
	started  bool

	observer SessionObserver
	provider string

	logger *zap.Logger
}

// NewSessionManager creates a manager. Zero durations take the
// defaults. The cleanup task is not started; call StartCleanup.
func NewSessionManager(ttl, interval time.Duration, logger *zap.Logger) *SessionManager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   logger.With(zap.String("component", "session_manager")),
	}
}

// WithObserver attaches a telemetry sink labeled with provider.
func (m *SessionManager) WithObserver(provider string, obs SessionObserver) *SessionManager {
	m.provider = provider
	m.observer = obs
	return m
}

// Create inserts a fresh session with a nil parent_id. An existing
// entry under the same id is replaced.
func (m *SessionManager) Create(sessionID, chatID string) *Session {
	now := time.Now().UnixMilli()
	s := &Session{
		ID:           sessionID,
		ChatID:       chatID,
		CreatedAt:    now,
		LastAccessed: now,
	}
	m.mu.Lock()
	m.sessions[sessionID] = s
	m.totalCreated++
	active := len(m.sessions)
	m.mu.Unlock()
	if m.observer != nil {
		m.observer.AddSessionsCreated(m.provider, 1)
		m.observer.SetSessionsActive(m.provider, active)
	}
	m.logger.Debug("session created",
		zap.String("session_id", sessionID), zap.String("chat_id", chatID))
	return snapshot(s)
}

// Get returns a snapshot of the session, or nil when absent or
// expired. An expired entry is removed as a side effect; a hit bumps
// last_accessed.
func (m *SessionManager) Get(sessionID string) *Session {
	now := time.Now().UnixMilli()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	if now-s.LastAccessed > m.ttl.Milliseconds() {
		delete(m.sessions, sessionID)
		m.totalCleaned++
		if m.observer != nil {
			m.observer.AddSessionsCleaned(m.provider, 1)
			m.observer.SetSessionsActive(m.provider, len(m.sessions))
		}
		m.logger.Debug("session expired on read", zap.String("session_id", sessionID))
		return nil
	}
	s.LastAccessed = now
	return snapshot(s)
}

// UpdateParentID advances the parent_id chain after a completed turn
// and increments the message count. Returns false if the session is
// gone.
func (m *SessionManager) UpdateParentID(sessionID, parentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	s.ParentID = &parentID
	s.MessageCount++
	s.LastAccessed = time.Now().UnixMilli()
	return true
}

// SetChatID overwrites the upstream chat id. Returns false if the
// session is gone.
func (m *SessionManager) SetChatID(sessionID, chatID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	s.ChatID = chatID
	s.LastAccessed = time.Now().UnixMilli()
	return true
}

// Delete removes a session. Returns whether it existed.
func (m *SessionManager) Delete(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return false
	}
	delete(m.sessions, sessionID)
	return true
}

// Cleanup drops every expired session and returns the count removed.
func (m *SessionManager) Cleanup() int {
	now := time.Now().UnixMilli()
	ttlMS := m.ttl.Milliseconds()
	m.mu.Lock()
	removed := 0
	for id, s := range m.sessions {
		if now-s.LastAccessed > ttlMS {
			delete(m.sessions, id)
			removed++
		}
	}
	m.totalCleaned += int64(removed)
	active := len(m.sessions)
	m.mu.Unlock()
	if removed > 0 {
		if m.observer != nil {
			m.observer.AddSessionsCleaned(m.provider, float64(removed))
			m.observer.SetSessionsActive(m.provider, active)
		}
		m.logger.Info("session sweep", zap.Int("removed", removed))
	}
	return removed
}

// StartCleanup launches the periodic sweep. Idempotent.
func (m *SessionManager) StartCleanup() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Cleanup()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// StopCleanup stops the periodic sweep. Safe to call more than once
// and without a prior StartCleanup.
func (m *SessionManager) StopCleanup() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Shutdown stops the sweep and drops all sessions.
func (m *SessionManager) Shutdown() {
	m.StopCleanup()
	m.mu.Lock()
	n := len(m.sessions)
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	if m.observer != nil {
		m.observer.SetSessionsActive(m.provider, 0)
	}
	if n > 0 {
		m.logger.Info("session manager shut down", zap.Int("dropped", n))
	}
}

// Metrics returns current counters.
func (m *SessionManager) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Metrics{
		Active:       len(m.sessions),
		TotalCreated: m.totalCreated,
		TotalCleaned: m.totalCleaned,
	}
}

func snapshot(s *Session) *Session {
	cp := *s
	if s.ParentID != nil {
		pid := *s.ParentID
		cp.ParentID = &pid
	}
	return &cp
}

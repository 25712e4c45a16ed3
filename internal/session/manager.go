package session

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tradeclass/simex/internal/config"
	"github.com/tradeclass/simex/internal/engine"
	"github.com/tradeclass/simex/internal/event"
	"github.com/tradeclass/simex/internal/model"
	"github.com/tradeclass/simex/pkg/errors"
)

// Manager tracks live sessions. Sessions share nothing but the broadcast
// hub and the audit writer; each holds its own engines.
type Manager struct {
	cfg         *config.Config
	pub         event.Publisher
	engineAudit engine.AuditSink
	cmdAudit    AuditSink
	logger      *zap.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

// NewManager creates the session manager.
func NewManager(cfg *config.Config, pub event.Publisher, engineAudit engine.AuditSink,
	cmdAudit AuditSink, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		pub:         pub,
		engineAudit: engineAudit,
		cmdAudit:    cmdAudit,
		logger:      logger,
		sessions:    make(map[uuid.UUID]*Session),
	}
}

// Create wires a new PENDING session from a lesson definition.
func (m *Manager) Create(lesson model.Lesson) (*Session, error) {
	if len(lesson.Securities) == 0 {
		return nil, errors.New(errors.CodeValidation, "lesson defines no securities")
	}
	s := New(lesson, m.cfg.Session, m.cfg.Market, m.pub, m.engineAudit, m.cmdAudit, m.logger)
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.logger.Info("session created",
		zap.String("session_id", s.ID.String()), zap.String("lesson", lesson.Name))
	return s, nil
}

// Get returns a session by id.
func (m *Manager) Get(id uuid.UUID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "session %s not found", id)
	}
	return s, nil
}

// List returns the lifecycle state of every known session, completed ones
// included.
func (m *Manager) List() []State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]State, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.State())
	}
	return out
}

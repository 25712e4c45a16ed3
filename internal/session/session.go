// Package session implements the session lifecycle state machine and the
// lesson command execution engine.
//
// A Session is the explicit context object every operation flows through: it
// is constructed at session start with its own market data store, matching
// engine, portfolio engine, privilege registry, and auction manager, so
// different sessions share no mutable state and there is no global lookup by
// session id inside the engines.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeclass/simex/internal/auction"
	"github.com/tradeclass/simex/internal/config"
	"github.com/tradeclass/simex/internal/engine"
	"github.com/tradeclass/simex/internal/event"
	"github.com/tradeclass/simex/internal/marketdata"
	"github.com/tradeclass/simex/internal/model"
	"github.com/tradeclass/simex/internal/portfolio"
	"github.com/tradeclass/simex/pkg/errors"
)

// AuditSink receives executed command history for the audit trail.
type AuditSink interface {
	RecordCommand(sessionID uuid.UUID, cmd model.LessonCommand)
}

// NopAudit discards command history.
type NopAudit struct{}

func (NopAudit) RecordCommand(uuid.UUID, model.LessonCommand) {}

// Session owns one live classroom session and everything scoped to it.
type Session struct {
	ID     uuid.UUID
	Lesson model.Lesson

	Store      *marketdata.Store
	Evolution  *marketdata.Evolution
	Engine     *engine.Engine
	Portfolios *portfolio.Engine
	Privileges *auction.Registry
	Auctions   *auction.Manager

	cfg    config.SessionConfig
	pub    event.Publisher
	audit  AuditSink
	logger *zap.Logger

	mu           sync.Mutex
	status       string
	startedAt    time.Time     // wall clock of the last (re)start
	elapsedBase  time.Duration // elapsed accumulated before the last pause
	executed     map[string]bool
	participants map[uuid.UUID]*model.Participant
	schedCancel  context.CancelFunc
	createdAt    time.Time
}

// New wires a session from a lesson. The session starts in PENDING; nothing
// runs until Start.
func New(lesson model.Lesson, cfg config.SessionConfig, mktCfg config.MarketConfig,
	pub event.Publisher, engineAudit engine.AuditSink, cmdAudit AuditSink, logger *zap.Logger) *Session {

	id := uuid.New()
	logger = logger.With(zap.String("session_id", id.String()))

	store := marketdata.NewStore(logger)
	evolution := marketdata.NewEvolution(store, mktCfg.TickInterval, mktCfg.Volatility, mktCfg.Seed, logger)
	policy := portfolio.NewFlatPolicy(cfg.Leverage, cfg.CommissionRate)
	portfolios := portfolio.NewEngine(id, policy, pub, logger)
	eng := engine.NewEngine(id, store, portfolios, pub, engineAudit, logger)
	registry := auction.NewRegistry()
	auctions := auction.NewManager(id, registry, pub, logger)

	// Price ticks drive P&L marks and the public market stream. Stop
	// evaluation is wired inside the matching engine.
	store.OnTick(portfolios.MarkPrice)
	store.OnTick(func(md model.MarketData) {
		pub.Publish(event.MarketTopic(id, md.Symbol), event.New(event.TypeMarketData, id, md))
	})

	s := &Session{
		ID:           id,
		Lesson:       lesson,
		Store:        store,
		Evolution:    evolution,
		Engine:       eng,
		Portfolios:   portfolios,
		Privileges:   registry,
		Auctions:     auctions,
		cfg:          cfg,
		pub:          pub,
		audit:        cmdAudit,
		logger:       logger,
		status:       model.SessionPending,
		executed:     make(map[string]bool),
		participants: make(map[uuid.UUID]*model.Participant),
		createdAt:    time.Now(),
	}

	for _, sec := range lesson.Securities {
		store.AddSecurity(model.Security{
			Symbol:   sec.Symbol,
			Name:     sec.Name,
			TickSize: sec.TickSize,
			Open:     sec.OpenAtStart,
		}, sec.OpenPrice)
		eng.AddSecurity(sec.Symbol)
		if sec.LiquidityTrader {
			if err := evolution.SetEnabled(sec.Symbol, true); err != nil {
				logger.Warn("liquidity trader enable failed", zap.String("symbol", sec.Symbol), zap.Error(err))
			}
		}
	}

	// Students trade by default; instructors run the session.
	registry.GrantRole(model.RoleStudent, model.PrivilegeTrade)
	registry.GrantRole(model.RoleInstructor, model.PrivilegeTrade)
	registry.GrantRole(model.RoleInstructor, model.PrivilegeRunSession)
	registry.GrantRole(model.RoleInstructor, model.PrivilegeManualCommand)
	registry.GrantRole(model.RoleAdmin, model.PrivilegeRunSession)
	registry.GrantRole(model.RoleAdmin, model.PrivilegeManualCommand)

	return s
}

// Status returns the lifecycle state.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Elapsed returns the session clock: time in IN_PROGRESS, excluding pauses.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsedLocked()
}

func (s *Session) elapsedLocked() time.Duration {
	if s.status == model.SessionInProgress {
		return s.elapsedBase + time.Since(s.startedAt)
	}
	return s.elapsedBase
}

// Start transitions PENDING to IN_PROGRESS: all "start" commands execute
// synchronously, then the clock, the command scheduler, and the price
// process begin.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.status != model.SessionPending {
		s.mu.Unlock()
		return errors.New(errors.CodeInvalidState, "cannot start session in %s", s.status)
	}
	s.mu.Unlock()

	// Start commands finish before the session is observable as IN_PROGRESS,
	// so the first accepted order already sees their market state.
	for _, cmd := range s.phaseCommands(model.PhaseStart) {
		if err := s.Execute(cmd); err != nil {
			s.logger.Error("start command failed", zap.String("command_id", cmd.ID), zap.Error(err))
		}
	}

	s.mu.Lock()
	if s.status != model.SessionPending {
		s.mu.Unlock()
		return errors.New(errors.CodeInvalidState, "cannot start session in %s", s.status)
	}
	s.status = model.SessionInProgress
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.startScheduler()
	s.Evolution.Start()
	s.publishLifecycle(event.TypeLessonStarted)
	s.logger.Info("session started", zap.String("lesson", s.Lesson.Name))
	return nil
}

// Pause freezes the session clock and suspends scheduled-command evaluation.
// Already-executed commands stay executed.
func (s *Session) Pause() error {
	s.mu.Lock()
	if s.status != model.SessionInProgress {
		s.mu.Unlock()
		return errors.New(errors.CodeInvalidState, "cannot pause session in %s", s.status)
	}
	s.elapsedBase += time.Since(s.startedAt)
	s.status = model.SessionPaused
	cancel := s.schedCancel
	s.schedCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.Evolution.Stop()
	s.publishLifecycle(event.TypeLessonPaused)
	s.logger.Info("session paused", zap.Duration("elapsed", s.Elapsed()))
	return nil
}

// Resume restarts the clock from the paused elapsed time and re-arms only
// timers that are not yet due.
func (s *Session) Resume() error {
	s.mu.Lock()
	if s.status != model.SessionPaused {
		s.mu.Unlock()
		return errors.New(errors.CodeInvalidState, "cannot resume session in %s", s.status)
	}
	s.status = model.SessionInProgress
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.startScheduler()
	s.Evolution.Start()
	s.publishLifecycle(event.TypeLessonResumed)
	s.logger.Info("session resumed", zap.Duration("elapsed", s.Elapsed()))
	return nil
}

// End executes "end" commands, optionally liquidates open positions, and
// transitions to COMPLETED. COMPLETED is terminal: no further command or
// order operation is accepted.
func (s *Session) End() error {
	s.mu.Lock()
	switch s.status {
	case model.SessionInProgress:
		s.elapsedBase += time.Since(s.startedAt)
	case model.SessionPaused:
	default:
		s.mu.Unlock()
		return errors.New(errors.CodeInvalidState, "cannot end session in %s", s.status)
	}
	// Clock stays frozen while end commands and liquidation run.
	s.status = model.SessionPaused
	cancel := s.schedCancel
	s.schedCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.Evolution.Stop()

	for _, cmd := range s.phaseCommands(model.PhaseEnd) {
		if err := s.Execute(cmd); err != nil {
			s.logger.Error("end command failed", zap.String("command_id", cmd.ID), zap.Error(err))
		}
	}

	if s.liquidateOnEnd() {
		s.Portfolios.CloseAll(func(symbol string) (decimal.Decimal, bool) {
			md, err := s.Store.Get(symbol)
			if err != nil {
				return decimal.Zero, false
			}
			return md.LastPrice, true
		})
	}

	s.Auctions.Shutdown()
	s.Engine.Close()

	s.mu.Lock()
	s.status = model.SessionCompleted
	s.mu.Unlock()

	s.publishLifecycle(event.TypeLessonEnded)
	s.logger.Info("session ended", zap.Duration("elapsed", s.Elapsed()))
	return nil
}

func (s *Session) liquidateOnEnd() bool {
	if s.Lesson.LiquidateOnEnd != nil {
		return *s.Lesson.LiquidateOnEnd
	}
	return s.cfg.LiquidateOnEnd
}

func (s *Session) publishLifecycle(evType string) {
	s.pub.Publish(event.SessionTopic(s.ID), event.New(evType, s.ID, s.State()))
}

// State is the lifecycle summary included in snapshots and lifecycle events.
type State struct {
	SessionID uuid.UUID     `json:"session_id"`
	LessonID  uuid.UUID     `json:"lesson_id"`
	Lesson    string        `json:"lesson"`
	Scenario  string        `json:"scenario"`
	Status    string        `json:"status"`
	Elapsed   time.Duration `json:"elapsed"`
}

// State returns the current lifecycle summary.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		SessionID: s.ID,
		LessonID:  s.Lesson.ID,
		Lesson:    s.Lesson.Name,
		Scenario:  s.Lesson.Scenario,
		Status:    s.status,
		Elapsed:   s.elapsedLocked(),
	}
}

// phaseCommands returns the lesson's commands for a phase in declaration
// order.
func (s *Session) phaseCommands(phase string) []model.LessonCommand {
	var out []model.LessonCommand
	for _, cmd := range s.Lesson.Commands {
		if cmd.Phase == phase {
			out = append(out, cmd)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

package session

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tradeclass/simex/internal/event"
	"github.com/tradeclass/simex/internal/model"
	"github.com/tradeclass/simex/pkg/errors"
	"github.com/tradeclass/simex/pkg/metrics"
)

// Execute applies one lesson command. A command id already recorded as
// executed is not re-applied, so timeline replay after resume is idempotent.
func (s *Session) Execute(cmd model.LessonCommand) error {
	s.mu.Lock()
	if s.status == model.SessionCompleted {
		s.mu.Unlock()
		return errors.New(errors.CodeSessionEnded, "session %s is completed", s.ID)
	}
	if cmd.ID != "" && s.executed[cmd.ID] {
		s.mu.Unlock()
		s.logger.Debug("command already executed", zap.String("command_id", cmd.ID))
		return nil
	}
	s.mu.Unlock()

	if err := s.apply(cmd); err != nil {
		return err
	}

	s.mu.Lock()
	if cmd.ID != "" {
		s.executed[cmd.ID] = true
	}
	s.mu.Unlock()

	metrics.CommandsExecuted.WithLabelValues(cmd.Type).Inc()
	s.audit.RecordCommand(s.ID, cmd)
	s.pub.Publish(event.SessionTopic(s.ID), event.New(event.TypeCommandExecuted, s.ID, map[string]any{
		"command_id": cmd.ID,
		"type":       cmd.Type,
	}))
	s.logger.Info("command executed", zap.String("command_id", cmd.ID), zap.String("type", cmd.Type))
	return nil
}

func (s *Session) apply(cmd model.LessonCommand) error {
	switch p := cmd.Params.(type) {
	case model.GrantPrivilegeParams:
		return s.applyGrant(p.Privilege, p.Role, p.UserID, true)
	case model.RevokePrivilegeParams:
		return s.applyGrant(p.Privilege, p.Role, p.UserID, false)
	case model.MarketParams:
		return s.applyMarket(p.Symbol, cmd.Type == model.CommandOpenMarket)
	case model.SetPriceParams:
		return s.Store.SetPrice(p.Symbol, p.Price)
	case model.CreateAuctionParams:
		_, err := s.Auctions.Create(p.Privilege, p.MinimumBid, p.Duration())
		return err
	case model.InjectNewsParams:
		s.pub.Publish(event.SessionTopic(s.ID), event.New(event.TypeNews, s.ID, p))
		if p.Symbol != "" && !p.Drift.IsZero() {
			return s.Evolution.SetDrift(p.Symbol, p.Drift)
		}
		return nil
	case model.SetLiquidityTraderParams:
		return s.Evolution.SetEnabled(p.Symbol, p.Enabled)
	case model.PauseResumeParams:
		if cmd.Type == model.CommandPauseSession {
			return s.Pause()
		}
		return s.Resume()
	default:
		return errors.New(errors.CodeValidation, "command %s has no params variant", cmd.Type)
	}
}

func (s *Session) applyGrant(privilege, role, userID string, grant bool) error {
	if role != "" {
		if grant {
			s.Privileges.GrantRole(role, privilege)
		} else {
			s.Privileges.RevokeRole(role, privilege)
		}
		s.publishGrant(model.PrivilegeGrant{Privilege: privilege, Role: role, Active: grant}, grant)
		return nil
	}
	id, err := parseUUID(userID)
	if err != nil {
		return err
	}
	if grant {
		s.Privileges.GrantUser(id, privilege)
	} else {
		s.Privileges.RevokeUser(id, privilege)
	}
	s.publishGrant(model.PrivilegeGrant{Privilege: privilege, UserID: id, Active: grant}, grant)
	return nil
}

func parseUUID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.Wrap(errors.CodeValidation, err, "bad user id %q", raw)
	}
	return id, nil
}

func (s *Session) publishGrant(g model.PrivilegeGrant, grant bool) {
	evType := event.TypePrivilegeGranted
	if !grant {
		evType = event.TypePrivilegeRevoked
	}
	s.pub.Publish(event.SessionTopic(s.ID), event.New(evType, s.ID, g))
}

func (s *Session) applyMarket(symbol string, open bool) error {
	was, err := s.Store.SetOpen(symbol, open)
	if err != nil {
		return err
	}
	if was && !open {
		// Day orders do not survive a market close.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Engine.ExpireDayOrders(ctx, symbol); err != nil {
			return err
		}
	}
	md, err := s.Store.Get(symbol)
	if err != nil {
		return err
	}
	s.pub.Publish(event.MarketTopic(s.ID, symbol), event.New(event.TypeMarketData, s.ID, md))
	return nil
}

// startScheduler launches the timed-command loop. Pending commands run in
// ascending offset order, ties broken by declaration order; re-arming after
// resume naturally skips everything already recorded as executed.
func (s *Session) startScheduler() {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.schedCancel = cancel
	s.mu.Unlock()
	go s.runScheduler(ctx)
}

func (s *Session) runScheduler(ctx context.Context) {
	pending := s.duePending()
	for _, cmd := range pending {
		wait := cmd.Offset - s.Elapsed()
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return
		}
		if err := s.Execute(cmd); err != nil {
			s.logger.Error("scheduled command failed",
				zap.String("command_id", cmd.ID), zap.Error(err))
		}
	}
}

// duePending returns timed commands not yet executed, sorted by offset then
// declaration order.
func (s *Session) duePending() []model.LessonCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.LessonCommand
	for _, cmd := range s.Lesson.Commands {
		if cmd.Phase != model.PhaseTimed {
			continue
		}
		if cmd.ID != "" && s.executed[cmd.ID] {
			continue
		}
		out = append(out, cmd)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Offset != out[j].Offset {
			return out[i].Offset < out[j].Offset
		}
		return out[i].Order < out[j].Order
	})
	return out
}

// SubmitOrder gates order flow on session status before handing the order to
// the matching engine. Whether a PAUSED session accepts orders is explicit
// policy, not inference.
func (s *Session) SubmitOrder(ctx context.Context, o *model.Order) error {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	switch status {
	case model.SessionCompleted:
		return errors.New(errors.CodeSessionEnded, "session %s has ended", s.ID)
	case model.SessionPending:
		return errors.New(errors.CodeInvalidState, "session %s has not started", s.ID)
	case model.SessionPaused:
		if !s.cfg.AcceptOrdersWhilePaused {
			return errors.New(errors.CodeInvalidState, "session %s is paused", s.ID)
		}
	}
	return s.Engine.Submit(ctx, o)
}

// Join registers a participant, lazily opening their portfolio.
func (s *Session) Join(userID uuid.UUID, name, role string) (*model.Participant, error) {
	s.mu.Lock()
	if s.status == model.SessionCompleted {
		s.mu.Unlock()
		return nil, errors.New(errors.CodeSessionEnded, "session %s has ended", s.ID)
	}
	p, ok := s.participants[userID]
	if !ok {
		p = &model.Participant{
			UserID:   userID,
			Name:     name,
			Role:     role,
			JoinedAt: time.Now(),
		}
		s.participants[userID] = p
	}
	p.Connected = true
	p.Privileges = s.Privileges.UserGrants(userID)
	cp := *p
	s.mu.Unlock()

	startCash := s.cfg.StartingCash
	if s.Lesson.StartingCash.IsPositive() {
		startCash = s.Lesson.StartingCash
	}
	s.Portfolios.CreateAccount(userID, startCash)

	s.pub.Publish(event.SessionTopic(s.ID), event.New(event.TypeUserJoined, s.ID, cp))
	return &cp, nil
}

// Leave marks a participant disconnected.
func (s *Session) Leave(userID uuid.UUID) {
	s.mu.Lock()
	p, ok := s.participants[userID]
	if ok {
		p.Connected = false
	}
	s.mu.Unlock()
	if ok {
		s.pub.Publish(event.SessionTopic(s.ID), event.New(event.TypeUserLeft, s.ID, map[string]any{
			"user_id": userID,
		}))
	}
}

// Participant returns a copy of one participant's record.
func (s *Session) Participant(userID uuid.UUID) (model.Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[userID]
	if !ok {
		return model.Participant{}, false
	}
	cp := *p
	return cp, true
}

// Snapshot is the consistent initial view a joining participant receives
// before any incremental event.
type Snapshot struct {
	Session    State                  `json:"session"`
	Securities []model.Security       `json:"securities"`
	MarketData []model.MarketData     `json:"market_data"`
	Portfolio  *model.Portfolio       `json:"portfolio,omitempty"`
	Auctions   []model.Auction        `json:"auctions"`
	Grants     []model.PrivilegeGrant `json:"grants"`
}

// Snapshot assembles the join-time view for one user.
func (s *Session) Snapshot(userID uuid.UUID) Snapshot {
	snap := Snapshot{
		Session:    s.State(),
		Securities: s.Store.Securities(),
		MarketData: s.Store.Snapshot(),
		Auctions:   s.Auctions.Active(),
		Grants:     s.Privileges.Grants(),
	}
	if p, err := s.Portfolios.Portfolio(userID); err == nil {
		snap.Portfolio = &p
	}
	return snap
}

package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tradeclass/simex/internal/config"
	"github.com/tradeclass/simex/internal/engine"
	"github.com/tradeclass/simex/internal/event"
	"github.com/tradeclass/simex/internal/model"
	"github.com/tradeclass/simex/pkg/errors"
)

func testConfig() *config.Config {
	return &config.Config{
		Session: config.SessionConfig{
			StartingCash:   decimal.NewFromInt(100_000),
			Leverage:       decimal.NewFromInt(1),
			LiquidateOnEnd: true,
		},
		Market: config.MarketConfig{
			TickInterval: time.Hour, // evolution effectively idle in tests
			Volatility:   decimal.NewFromFloat(0.002),
		},
	}
}

func testLesson(commands ...model.LessonCommand) model.Lesson {
	return model.Lesson{
		ID:       uuid.New(),
		Name:     "Market Basics",
		Scenario: "intro",
		Securities: []model.LessonSecurity{{
			Symbol:      "ACME",
			Name:        "Acme Corp",
			TickSize:    decimal.NewFromFloat(0.01),
			OpenPrice:   decimal.NewFromInt(50),
			OpenAtStart: true,
		}},
		Commands: commands,
	}
}

func newTestSession(t *testing.T, lesson model.Lesson) *Session {
	t.Helper()
	cfg := testConfig()
	s := New(lesson, cfg.Session, cfg.Market, event.NopPublisher{},
		engine.NopAudit{}, NopAudit{}, zaptest.NewLogger(t))
	t.Cleanup(func() {
		if s.Status() != model.SessionCompleted {
			_ = s.End()
		}
	})
	return s
}

func TestLifecycleTransitions(t *testing.T) {
	s := newTestSession(t, testLesson())
	assert.Equal(t, model.SessionPending, s.Status())

	require.Error(t, s.Pause(), "cannot pause before start")
	require.Error(t, s.Resume(), "cannot resume before start")

	require.NoError(t, s.Start())
	assert.Equal(t, model.SessionInProgress, s.Status())
	require.Error(t, s.Start(), "start is not repeatable")

	require.NoError(t, s.Pause())
	assert.Equal(t, model.SessionPaused, s.Status())
	require.NoError(t, s.Resume())
	assert.Equal(t, model.SessionInProgress, s.Status())

	require.NoError(t, s.End())
	assert.Equal(t, model.SessionCompleted, s.Status())
	require.Error(t, s.End(), "end is terminal")
	require.Error(t, s.Resume(), "completed never resumes")
}

func TestElapsedFreezesWhilePaused(t *testing.T) {
	s := newTestSession(t, testLesson())
	require.NoError(t, s.Start())
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Pause())

	frozen := s.Elapsed()
	assert.Greater(t, frozen, time.Duration(0))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, frozen, s.Elapsed(), "clock does not advance while paused")

	require.NoError(t, s.Resume())
	time.Sleep(20 * time.Millisecond)
	assert.Greater(t, s.Elapsed(), frozen)
}

func TestStartCommandsRunBeforeTrading(t *testing.T) {
	lesson := testLesson(model.LessonCommand{
		ID:     "grant-short",
		Type:   model.CommandGrantPrivilege,
		Phase:  model.PhaseStart,
		Params: model.GrantPrivilegeParams{Privilege: model.PrivilegeShortSell, Role: model.RoleStudent},
	})
	s := newTestSession(t, lesson)
	require.NoError(t, s.Start())

	assert.True(t, s.Privileges.Allowed(uuid.New(), model.RoleStudent, model.PrivilegeShortSell))
}

func TestStartCommandsFinishBeforeInProgress(t *testing.T) {
	lesson := testLesson(model.LessonCommand{
		ID:     "open-at-52",
		Type:   model.CommandSetPrice,
		Phase:  model.PhaseStart,
		Params: model.SetPriceParams{Symbol: "ACME", Price: decimal.NewFromInt(52)},
	})
	s := newTestSession(t, lesson)

	// The price set fires a tick; the session must not yet be observable as
	// running, so a concurrent submit cannot see pre-command market state.
	var statusAtTick string
	s.Store.OnTick(func(model.MarketData) {
		statusAtTick = s.Status()
	})

	require.NoError(t, s.Start())
	assert.Equal(t, model.SessionPending, statusAtTick)
	md, err := s.Store.Get("ACME")
	require.NoError(t, err)
	assert.True(t, md.LastPrice.Equal(decimal.NewFromInt(52)))
}

func TestCommandReplayIsIdempotent(t *testing.T) {
	s := newTestSession(t, testLesson())
	require.NoError(t, s.Start())

	cmd := model.LessonCommand{
		ID:     "close-acme",
		Type:   model.CommandCloseMarket,
		Phase:  model.PhaseManual,
		Params: model.MarketParams{Symbol: "ACME"},
	}
	require.NoError(t, s.Execute(cmd))
	assert.False(t, s.Store.IsOpen("ACME"))

	// Reopen out of band, then replay the same command id: a no-op.
	_, err := s.Store.SetOpen("ACME", true)
	require.NoError(t, err)
	require.NoError(t, s.Execute(cmd))
	assert.True(t, s.Store.IsOpen("ACME"), "replayed command must not re-apply")
}

func TestExecuteAfterEndRejected(t *testing.T) {
	s := newTestSession(t, testLesson())
	require.NoError(t, s.Start())
	require.NoError(t, s.End())

	err := s.Execute(model.LessonCommand{
		ID:     "late",
		Type:   model.CommandSetPrice,
		Params: model.SetPriceParams{Symbol: "ACME", Price: decimal.NewFromInt(60)},
	})
	require.Error(t, err)
	assert.Equal(t, errors.CodeSessionEnded, errors.CodeOf(err))
}

func TestTimedCommandsRunInOrder(t *testing.T) {
	lesson := testLesson(
		model.LessonCommand{
			ID:     "price-2",
			Type:   model.CommandSetPrice,
			Phase:  model.PhaseTimed,
			Offset: 40 * time.Millisecond,
			Order:  1,
			Params: model.SetPriceParams{Symbol: "ACME", Price: decimal.NewFromInt(60)},
		},
		model.LessonCommand{
			ID:     "price-1",
			Type:   model.CommandSetPrice,
			Phase:  model.PhaseTimed,
			Offset: 10 * time.Millisecond,
			Order:  0,
			Params: model.SetPriceParams{Symbol: "ACME", Price: decimal.NewFromInt(55)},
		},
	)
	s := newTestSession(t, lesson)
	require.NoError(t, s.Start())

	require.Eventually(t, func() bool {
		md, err := s.Store.Get("ACME")
		return err == nil && md.LastPrice.Equal(decimal.NewFromInt(60))
	}, 2*time.Second, 5*time.Millisecond, "later offset applies last")
}

func TestResumeSkipsExecutedCommands(t *testing.T) {
	lesson := testLesson(
		model.LessonCommand{
			ID:     "early",
			Type:   model.CommandSetPrice,
			Phase:  model.PhaseTimed,
			Offset: 10 * time.Millisecond,
			Params: model.SetPriceParams{Symbol: "ACME", Price: decimal.NewFromInt(55)},
		},
		model.LessonCommand{
			ID:     "late",
			Type:   model.CommandSetPrice,
			Phase:  model.PhaseTimed,
			Offset: time.Hour,
			Params: model.SetPriceParams{Symbol: "ACME", Price: decimal.NewFromInt(70)},
		},
	)
	s := newTestSession(t, lesson)
	require.NoError(t, s.Start())

	require.Eventually(t, func() bool {
		md, err := s.Store.Get("ACME")
		return err == nil && md.LastPrice.Equal(decimal.NewFromInt(55))
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Pause())
	require.NoError(t, s.Resume())

	// The early command stays executed, the far-future one stays pending.
	due := s.duePending()
	require.Len(t, due, 1)
	assert.Equal(t, "late", due[0].ID)
}

func TestEndPhaseCommandsRun(t *testing.T) {
	lesson := testLesson(model.LessonCommand{
		ID:     "final-price",
		Type:   model.CommandSetPrice,
		Phase:  model.PhaseEnd,
		Params: model.SetPriceParams{Symbol: "ACME", Price: decimal.NewFromInt(42)},
	})
	s := newTestSession(t, lesson)
	require.NoError(t, s.Start())
	require.NoError(t, s.End())

	md, err := s.Store.Get("ACME")
	require.NoError(t, err)
	assert.True(t, md.LastPrice.Equal(decimal.NewFromInt(42)))
}

func TestOrderFlowGatedByStatus(t *testing.T) {
	s := newTestSession(t, testLesson())
	ctx := context.Background()
	user := uuid.New()

	order := func() *model.Order {
		return &model.Order{
			UserID:   user,
			Symbol:   "ACME",
			Side:     model.OrderSideBuy,
			Type:     model.OrderTypeLimit,
			Quantity: decimal.NewFromInt(10),
			Price:    decimal.NewFromInt(50),
		}
	}

	err := s.SubmitOrder(ctx, order())
	require.Error(t, err, "no orders before start")
	assert.Equal(t, errors.CodeInvalidState, errors.CodeOf(err))

	require.NoError(t, s.Start())
	_, err = s.Join(user, "alice", model.RoleStudent)
	require.NoError(t, err)
	require.NoError(t, s.SubmitOrder(ctx, order()))

	require.NoError(t, s.Pause())
	err = s.SubmitOrder(ctx, order())
	require.Error(t, err, "paused sessions reject orders by default")
	assert.Equal(t, errors.CodeInvalidState, errors.CodeOf(err))

	require.NoError(t, s.Resume())
	require.NoError(t, s.End())
	err = s.SubmitOrder(ctx, order())
	require.Error(t, err)
	assert.Equal(t, errors.CodeSessionEnded, errors.CodeOf(err))
}

func TestOrdersWhilePausedWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Session.AcceptOrdersWhilePaused = true
	lesson := testLesson()
	s := New(lesson, cfg.Session, cfg.Market, event.NopPublisher{},
		engine.NopAudit{}, NopAudit{}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = s.End() })

	user := uuid.New()
	require.NoError(t, s.Start())
	_, err := s.Join(user, "alice", model.RoleStudent)
	require.NoError(t, err)
	require.NoError(t, s.Pause())

	err = s.SubmitOrder(context.Background(), &model.Order{
		UserID:   user,
		Symbol:   "ACME",
		Side:     model.OrderSideBuy,
		Type:     model.OrderTypeLimit,
		Quantity: decimal.NewFromInt(10),
		Price:    decimal.NewFromInt(50),
	})
	require.NoError(t, err)
}

func TestJoinAndRejoin(t *testing.T) {
	s := newTestSession(t, testLesson())
	user := uuid.New()

	p, err := s.Join(user, "alice", model.RoleStudent)
	require.NoError(t, err)
	assert.True(t, p.Connected)

	pf, err := s.Portfolios.Portfolio(user)
	require.NoError(t, err)
	assert.True(t, pf.Cash.Equal(decimal.NewFromInt(100_000)))

	s.Leave(user)
	got, ok := s.Participant(user)
	require.True(t, ok)
	assert.False(t, got.Connected)

	// Rejoin reconnects without resetting the portfolio.
	_, err = s.Join(user, "alice", model.RoleStudent)
	require.NoError(t, err)
	got, _ = s.Participant(user)
	assert.True(t, got.Connected)
}

func TestLessonStartingCashOverride(t *testing.T) {
	lesson := testLesson()
	lesson.StartingCash = decimal.NewFromInt(5000)
	s := newTestSession(t, lesson)

	user := uuid.New()
	_, err := s.Join(user, "bob", model.RoleStudent)
	require.NoError(t, err)

	pf, err := s.Portfolios.Portfolio(user)
	require.NoError(t, err)
	assert.True(t, pf.Cash.Equal(decimal.NewFromInt(5000)))
}

func TestEndLiquidatesPositions(t *testing.T) {
	s := newTestSession(t, testLesson())
	ctx := context.Background()
	buyer := uuid.New()
	seller := uuid.New()

	require.NoError(t, s.Start())
	_, err := s.Join(buyer, "alice", model.RoleStudent)
	require.NoError(t, err)
	_, err = s.Join(seller, "bob", model.RoleStudent)
	require.NoError(t, err)

	require.NoError(t, s.SubmitOrder(ctx, &model.Order{
		UserID: buyer, Symbol: "ACME", Side: model.OrderSideBuy,
		Type: model.OrderTypeLimit, Quantity: decimal.NewFromInt(100), Price: decimal.NewFromInt(50),
	}))
	require.NoError(t, s.SubmitOrder(ctx, &model.Order{
		UserID: seller, Symbol: "ACME", Side: model.OrderSideSell,
		Type: model.OrderTypeLimit, Quantity: decimal.NewFromInt(100), Price: decimal.NewFromInt(50),
	}))

	require.NoError(t, s.End())

	pos, err := s.Portfolios.Position(buyer, "ACME")
	require.NoError(t, err)
	assert.True(t, pos.Quantity.IsZero(), "end of session flattens positions")

	pf, err := s.Portfolios.Portfolio(buyer)
	require.NoError(t, err)
	assert.True(t, pf.Cash.Equal(decimal.NewFromInt(100_000)), "flat round trip at one price restores cash")
}

func TestSnapshotContents(t *testing.T) {
	s := newTestSession(t, testLesson())
	user := uuid.New()
	_, err := s.Join(user, "alice", model.RoleStudent)
	require.NoError(t, err)

	snap := s.Snapshot(user)
	assert.Equal(t, s.ID, snap.Session.SessionID)
	require.Len(t, snap.Securities, 1)
	require.Len(t, snap.MarketData, 1)
	assert.True(t, snap.MarketData[0].LastPrice.Equal(decimal.NewFromInt(50)))
	require.NotNil(t, snap.Portfolio)
	assert.True(t, snap.Portfolio.Cash.Equal(decimal.NewFromInt(100_000)))
	assert.NotEmpty(t, snap.Grants, "default role grants are visible")
}

func TestManagerCreateAndList(t *testing.T) {
	m := NewManager(testConfig(), event.NopPublisher{}, engine.NopAudit{}, NopAudit{}, zaptest.NewLogger(t))

	_, err := m.Create(model.Lesson{Name: "empty"})
	require.Error(t, err, "a lesson needs at least one security")

	s, err := m.Create(testLesson())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.End() })

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	_, err = m.Get(uuid.New())
	require.Error(t, err)
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(err))

	assert.Len(t, m.List(), 1)
}

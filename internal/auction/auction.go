package auction

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeclass/simex/internal/event"
	"github.com/tradeclass/simex/internal/model"
	"github.com/tradeclass/simex/pkg/errors"
)

// Manager runs the session's English auctions. Bid acceptance is an atomic
// check-and-set under the manager lock, so concurrent bidders race cleanly:
// exactly one of two equal raises wins, the other gets a conflict.
//
// Auctions end strictly at their wall-clock deadline. A bid arriving after
// the deadline is rejected even if its timer has not fired yet, and no bid
// ever extends the deadline.
type Manager struct {
	sessionID uuid.UUID
	registry  *Registry
	pub       event.Publisher
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	auctions map[uuid.UUID]*model.Auction
	timers   map[uuid.UUID]*time.Timer
}

// NewManager creates the auction manager bound to the session's privilege
// registry.
func NewManager(sessionID uuid.UUID, registry *Registry, pub event.Publisher, logger *zap.Logger) *Manager {
	return &Manager{
		sessionID: sessionID,
		registry:  registry,
		pub:       pub,
		logger:    logger,
		now:       time.Now,
		auctions:  make(map[uuid.UUID]*model.Auction),
		timers:    make(map[uuid.UUID]*time.Timer),
	}
}

// Create opens an active auction for a privilege and arms its deadline
// timer.
func (m *Manager) Create(privilege string, minimumBid decimal.Decimal, duration time.Duration) (*model.Auction, error) {
	if privilege == "" {
		return nil, errors.New(errors.CodeValidation, "auction requires a privilege code")
	}
	if duration <= 0 {
		return nil, errors.New(errors.CodeValidation, "auction duration must be positive")
	}
	if minimumBid.IsNegative() {
		return nil, errors.New(errors.CodeValidation, "minimum bid cannot be negative")
	}

	now := m.now()
	a := &model.Auction{
		ID:         uuid.New(),
		SessionID:  m.sessionID,
		Privilege:  privilege,
		MinimumBid: minimumBid,
		EndsAt:     now.Add(duration),
		Status:     model.AuctionActive,
		CreatedAt:  now,
	}

	m.mu.Lock()
	m.auctions[a.ID] = a
	m.timers[a.ID] = time.AfterFunc(duration, func() { m.close(a.ID) })
	cp := *a
	m.mu.Unlock()

	m.pub.Publish(event.SessionTopic(m.sessionID),
		event.New(event.TypeAuctionStarted, m.sessionID, cp))
	m.logger.Info("auction started",
		zap.String("auction_id", a.ID.String()),
		zap.String("privilege", privilege),
		zap.Time("ends_at", a.EndsAt))
	return &cp, nil
}

// PlaceBid validates and records a bid. Acceptance requires the auction
// still active, the deadline not passed, and the amount at least
// max(minimumBid, highest+1).
func (m *Manager) PlaceBid(auctionID, bidder uuid.UUID, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.auctions[auctionID]
	if !ok {
		return errors.New(errors.CodeNotFound, "auction %s not found", auctionID)
	}
	if a.Status != model.AuctionActive || !m.now().Before(a.EndsAt) {
		return errors.New(errors.CodeAuctionClosed, "auction %s is closed", auctionID)
	}

	floor := a.MinimumBid
	if highest := a.HighestBid(); highest != nil {
		raise := highest.Amount.Add(decimal.NewFromInt(1))
		if raise.GreaterThan(floor) {
			floor = raise
		}
	}
	if amount.LessThan(floor) {
		return errors.New(errors.CodeBidTooLow, "bid %s below required %s", amount, floor)
	}

	a.Bids = append(a.Bids, model.Bid{Bidder: bidder, Amount: amount, CreatedAt: m.now()})
	return nil
}

// close settles an auction at its deadline: highest bid wins (ties to the
// earliest bid), granting the privilege; no bids leaves it expired.
func (m *Manager) close(auctionID uuid.UUID) {
	m.mu.Lock()
	a, ok := m.auctions[auctionID]
	if !ok || a.Status != model.AuctionActive {
		m.mu.Unlock()
		return
	}
	winner := a.HighestBid()
	if winner != nil {
		a.Status = model.AuctionCompleted
		w := *winner
		a.Winner = &w
	} else {
		a.Status = model.AuctionExpired
	}
	delete(m.timers, auctionID)
	cp := *a
	m.mu.Unlock()

	if winner != nil {
		m.registry.GrantUser(winner.Bidder, a.Privilege)
		m.pub.Publish(event.SessionTopic(m.sessionID),
			event.New(event.TypePrivilegeGranted, m.sessionID, model.PrivilegeGrant{
				Privilege: a.Privilege,
				UserID:    winner.Bidder,
				Active:    true,
			}))
	}
	m.pub.Publish(event.SessionTopic(m.sessionID),
		event.New(event.TypeAuctionEnded, m.sessionID, cp))
	m.logger.Info("auction ended",
		zap.String("auction_id", auctionID.String()),
		zap.String("status", cp.Status),
		zap.Int("bids", len(cp.Bids)))
}

// Cancel stops an active auction with no winner.
func (m *Manager) Cancel(auctionID uuid.UUID) error {
	m.mu.Lock()
	a, ok := m.auctions[auctionID]
	if !ok {
		m.mu.Unlock()
		return errors.New(errors.CodeNotFound, "auction %s not found", auctionID)
	}
	if a.Status != model.AuctionActive {
		m.mu.Unlock()
		return errors.New(errors.CodeInvalidState, "auction %s is %s", auctionID, a.Status)
	}
	a.Status = model.AuctionExpired
	if t := m.timers[auctionID]; t != nil {
		t.Stop()
		delete(m.timers, auctionID)
	}
	cp := *a
	m.mu.Unlock()

	m.pub.Publish(event.SessionTopic(m.sessionID),
		event.New(event.TypeAuctionEnded, m.sessionID, cp))
	return nil
}

// Get returns a copy of one auction.
func (m *Manager) Get(auctionID uuid.UUID) (model.Auction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.auctions[auctionID]
	if !ok {
		return model.Auction{}, errors.New(errors.CodeNotFound, "auction %s not found", auctionID)
	}
	return *a, nil
}

// Active returns every auction still running, for the join snapshot.
func (m *Manager) Active() []model.Auction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Auction
	for _, a := range m.auctions {
		if a.Status == model.AuctionActive {
			out = append(out, *a)
		}
	}
	return out
}

// Shutdown cancels every running auction; called at session end.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	var ids []uuid.UUID
	for id, a := range m.auctions {
		if a.Status == model.AuctionActive {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.Cancel(id); err != nil {
			m.logger.Warn("auction cancel at shutdown failed", zap.Error(err))
		}
	}
}

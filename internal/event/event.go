// Package event defines the engine-to-broadcast event contract. Engines
// publish through the Publisher interface and never see connected
// subscribers; the broadcast layer is the only transport-aware component.
package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event payload kinds.
const (
	TypeOrderUpdate        = "order_update"
	TypeTradeExecuted      = "trade_executed"
	TypePositionUpdate     = "position_update"
	TypePortfolioUpdate    = "portfolio_update"
	TypeMarketData         = "market_data"
	TypeStopOrderTriggered = "stop_order_triggered"
	TypeAuctionStarted     = "auction_started"
	TypeAuctionEnded       = "auction_ended"
	TypePrivilegeGranted   = "privilege_granted"
	TypePrivilegeRevoked   = "privilege_revoked"
	TypeNews               = "news"
	TypeLessonStarted      = "lesson_started"
	TypeLessonPaused       = "lesson_paused"
	TypeLessonResumed      = "lesson_resumed"
	TypeLessonEnded        = "lesson_ended"
	TypeCommandExecuted    = "command_executed"
	TypeUserJoined         = "user_joined"
	TypeUserLeft           = "user_left"
)

// Event is one broadcastable state change. Seq is assigned by the broadcast
// layer per topic.
type Event struct {
	Type      string    `json:"type"`
	SessionID uuid.UUID `json:"session_id"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Data      any       `json:"data"`
}

// Publisher fans an event out to everyone subscribed to a topic. Delivery is
// at-least-once and ordered within a topic.
type Publisher interface {
	Publish(topic string, ev Event)
}

// New builds an event stamped with the current time.
func New(evType string, sessionID uuid.UUID, data any) Event {
	return Event{
		Type:      evType,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// SessionTopic is the stream of session-wide events.
func SessionTopic(sessionID uuid.UUID) string {
	return fmt.Sprintf("session:%s", sessionID)
}

// UserTopic is one participant's private stream (orders, positions,
// portfolio).
func UserTopic(sessionID, userID uuid.UUID) string {
	return fmt.Sprintf("user:%s:%s", sessionID, userID)
}

// MarketTopic is one security's public stream (ticks, trades, depth).
func MarketTopic(sessionID uuid.UUID, symbol string) string {
	return fmt.Sprintf("market:%s:%s", sessionID, symbol)
}

// NopPublisher discards events; used by tests that exercise engines alone.
type NopPublisher struct{}

func (NopPublisher) Publish(string, Event) {}

package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tradeclass/simex/internal/broadcast"
	"github.com/tradeclass/simex/internal/config"
	"github.com/tradeclass/simex/internal/engine"
	"github.com/tradeclass/simex/internal/model"
	"github.com/tradeclass/simex/internal/session"
)

type apiFixture struct {
	t          *testing.T
	server     *httptest.Server
	sessions   *session.Manager
	instructor uuid.UUID
	student    uuid.UUID
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := &config.Config{
		HTTP: config.HTTPConfig{
			Host:            "127.0.0.1",
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: time.Second,
		},
		WS: config.WSConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			SendQueueSize:   16,
			PingInterval:    30 * time.Second,
			PongTimeout:     time.Minute,
			WriteTimeout:    time.Second,
		},
		Session: config.SessionConfig{
			StartingCash: decimal.NewFromInt(100_000),
			Leverage:     decimal.NewFromInt(1),
		},
		Market: config.MarketConfig{
			TickInterval: time.Hour,
		},
	}

	hub := broadcast.NewHub(cfg.WS, logger)
	sessions := session.NewManager(cfg, hub, engine.NopAudit{}, session.NopAudit{}, logger)
	srv := New(cfg.HTTP, sessions, hub, logger)

	ts := httptest.NewServer(srv.router())
	t.Cleanup(ts.Close)

	return &apiFixture{
		t:          t,
		server:     ts,
		sessions:   sessions,
		instructor: uuid.New(),
		student:    uuid.New(),
	}
}

// request performs a JSON API call and decodes the response body.
func (f *apiFixture) request(method, path string, asUser uuid.UUID, body any) (int, map[string]any) {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(f.t, err)
	req.Header.Set("Content-Type", "application/json")
	if asUser != uuid.Nil {
		req.Header.Set("X-User-ID", asUser.String())
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

// newSession creates a one-security session and joins the fixture's
// instructor and student.
func (f *apiFixture) newSession() string {
	f.t.Helper()
	status, body := f.request(http.MethodPost, "/api/v1/sessions", uuid.Nil, map[string]any{
		"name": "Market Basics",
		"securities": []map[string]any{{
			"symbol":        "ACME",
			"name":          "Acme Corp",
			"tick_size":     "0.01",
			"open_price":    "50",
			"open_at_start": true,
		}},
	})
	require.Equal(f.t, http.StatusCreated, status, "%v", body)
	id := body["session_id"].(string)

	for user, role := range map[uuid.UUID]string{
		f.instructor: model.RoleInstructor,
		f.student:    model.RoleStudent,
	} {
		status, body = f.request(http.MethodPost, "/api/v1/sessions/"+id+"/join", uuid.Nil, map[string]any{
			"user_id": user.String(),
			"name":    "user-" + user.String()[:8],
			"role":    role,
		})
		require.Equal(f.t, http.StatusOK, status, "%v", body)
	}
	return id
}

func (f *apiFixture) start(id string) {
	f.t.Helper()
	status, body := f.request(http.MethodPost, "/api/v1/sessions/"+id+"/start", f.instructor, nil)
	require.Equal(f.t, http.StatusOK, status, "%v", body)
}

func errCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	status, body := f.request(http.MethodGet, "/healthz", uuid.Nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestCreateSessionValidation(t *testing.T) {
	f := newAPIFixture(t)

	status, body := f.request(http.MethodPost, "/api/v1/sessions", uuid.Nil, map[string]any{
		"name": "no securities",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation_error", errCode(body))

	// A command with an unknown type is rejected at the boundary.
	status, body = f.request(http.MethodPost, "/api/v1/sessions", uuid.Nil, map[string]any{
		"name": "bad command",
		"securities": []map[string]any{{
			"symbol": "ACME", "tick_size": "0.01", "open_price": "50", "open_at_start": true,
		}},
		"commands": []map[string]any{{
			"type": "FORMAT_DISK", "phase": "start",
		}},
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation_error", errCode(body))
}

func TestLifecycleRequiresRunSession(t *testing.T) {
	f := newAPIFixture(t)
	id := f.newSession()

	status, body := f.request(http.MethodPost, "/api/v1/sessions/"+id+"/start", f.student, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "privilege_required", errCode(body))

	f.start(id)

	status, body = f.request(http.MethodPost, "/api/v1/sessions/"+id+"/pause", f.instructor, nil)
	require.Equal(t, http.StatusOK, status, "%v", body)
	assert.Equal(t, model.SessionPaused, body["status"])

	status, _ = f.request(http.MethodPost, "/api/v1/sessions/"+id+"/resume", f.instructor, nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = f.request(http.MethodPost, "/api/v1/sessions/"+id+"/end", f.instructor, nil)
	require.Equal(t, http.StatusOK, status)
}

func TestOrderRoundTrip(t *testing.T) {
	f := newAPIFixture(t)
	id := f.newSession()
	f.start(id)

	status, body := f.request(http.MethodPost, "/api/v1/sessions/"+id+"/orders", f.student, map[string]any{
		"symbol": "ACME", "side": "BUY", "type": "LIMIT",
		"quantity": "100", "price": "50",
	})
	require.Equal(t, http.StatusCreated, status, "%v", body)
	assert.Equal(t, model.OrderStatusPending, body["status"])
	orderID := body["id"].(string)

	status, body = f.request(http.MethodGet, "/api/v1/sessions/"+id+"/orderbook/ACME", uuid.Nil, nil)
	require.Equal(t, http.StatusOK, status)
	bids := body["bids"].([]any)
	require.Len(t, bids, 1)

	status, body = f.request(http.MethodDelete, "/api/v1/sessions/"+id+"/orders/"+orderID, f.student, nil)
	require.Equal(t, http.StatusOK, status, "%v", body)
	assert.Equal(t, model.OrderStatusCancelled, body["status"])
}

func TestOrderRejectedBeforeJoin(t *testing.T) {
	f := newAPIFixture(t)
	id := f.newSession()
	f.start(id)

	stranger := uuid.New()
	status, body := f.request(http.MethodPost, "/api/v1/sessions/"+id+"/orders", stranger, map[string]any{
		"symbol": "ACME", "side": "BUY", "type": "LIMIT",
		"quantity": "10", "price": "50",
	})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", errCode(body))
}

func TestShortSellRequiresPrivilege(t *testing.T) {
	f := newAPIFixture(t)
	id := f.newSession()
	f.start(id)

	status, body := f.request(http.MethodPost, "/api/v1/sessions/"+id+"/orders", f.student, map[string]any{
		"symbol": "ACME", "side": "SELL", "type": "LIMIT",
		"quantity": "10", "price": "50",
	})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "privilege_required", errCode(body))

	// The instructor grants SHORT_SELL to the student's role; the sell passes.
	status, body = f.request(http.MethodPost, "/api/v1/sessions/"+id+"/commands", f.instructor, map[string]any{
		"type":   "GRANT_PRIVILEGE",
		"params": map[string]any{"privilege": "SHORT_SELL", "role": "STUDENT"},
	})
	require.Equal(t, http.StatusOK, status, "%v", body)

	status, body = f.request(http.MethodPost, "/api/v1/sessions/"+id+"/orders", f.student, map[string]any{
		"symbol": "ACME", "side": "SELL", "type": "LIMIT",
		"quantity": "10", "price": "50",
	})
	assert.Equal(t, http.StatusCreated, status, "%v", body)
}

func TestPortfolioAndPosition(t *testing.T) {
	f := newAPIFixture(t)
	id := f.newSession()
	f.start(id)

	base := fmt.Sprintf("/api/v1/sessions/%s", id)
	status, body := f.request(http.MethodGet, base+"/portfolio/"+f.student.String(), uuid.Nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "100000", body["cash"])

	status, body = f.request(http.MethodGet, base+"/positions/"+f.student.String()+"/ACME", uuid.Nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ACME", body["symbol"])

	status, _ = f.request(http.MethodGet, base+"/portfolio/"+uuid.New().String(), uuid.Nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAuctionFlow(t *testing.T) {
	f := newAPIFixture(t)
	id := f.newSession()
	f.start(id)
	base := fmt.Sprintf("/api/v1/sessions/%s", id)

	// Students cannot create auctions.
	status, body := f.request(http.MethodPost, base+"/auctions", f.student, map[string]any{
		"privilege": "INSIDER_FEED", "minimum_bid": "100", "duration_sec": 3600,
	})
	assert.Equal(t, http.StatusForbidden, status)

	status, body = f.request(http.MethodPost, base+"/auctions", f.instructor, map[string]any{
		"privilege": "INSIDER_FEED", "minimum_bid": "100", "duration_sec": 3600,
	})
	require.Equal(t, http.StatusCreated, status, "%v", body)
	auctionID := body["id"].(string)

	status, body = f.request(http.MethodPost, base+"/auctions/"+auctionID+"/bids", f.student, map[string]any{
		"amount": "50",
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "bid_too_low", errCode(body))

	status, body = f.request(http.MethodPost, base+"/auctions/"+auctionID+"/bids", f.student, map[string]any{
		"amount": "150",
	})
	require.Equal(t, http.StatusOK, status, "%v", body)

	status, body = f.request(http.MethodGet, base+"/auctions/"+auctionID, uuid.Nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["bids"].([]any), 1)
}

func TestManualCommandGated(t *testing.T) {
	f := newAPIFixture(t)
	id := f.newSession()
	f.start(id)

	status, body := f.request(http.MethodPost, "/api/v1/sessions/"+id+"/commands", f.student, map[string]any{
		"type":   "SET_PRICE",
		"params": map[string]any{"symbol": "ACME", "price": "60"},
	})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "privilege_required", errCode(body))

	status, body = f.request(http.MethodPost, "/api/v1/sessions/"+id+"/commands", f.instructor, map[string]any{
		"type":   "SET_PRICE",
		"params": map[string]any{"symbol": "ACME", "price": "60"},
	})
	require.Equal(t, http.StatusOK, status, "%v", body)

	sess, err := f.sessions.Get(uuid.MustParse(id))
	require.NoError(t, err)
	md, err := sess.Store.Get("ACME")
	require.NoError(t, err)
	assert.Equal(t, "60", md.LastPrice.String())
}

func TestLeaderboardAndSessionList(t *testing.T) {
	f := newAPIFixture(t)
	id := f.newSession()

	status, body := f.request(http.MethodGet, "/api/v1/sessions", uuid.Nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["sessions"].([]any), 1)

	status, body = f.request(http.MethodGet, "/api/v1/sessions/"+id+"/leaderboard", uuid.Nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["leaderboard"].([]any), 2)
}

func TestUnknownSessionIs404(t *testing.T) {
	f := newAPIFixture(t)
	status, body := f.request(http.MethodGet, "/api/v1/sessions/"+uuid.NewString()+"/orderbook/ACME", uuid.Nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", errCode(body))

	status, body = f.request(http.MethodGet, "/api/v1/sessions/not-a-uuid/leaderboard", uuid.Nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeclass/simex/internal/event"
	"github.com/tradeclass/simex/internal/model"
	"github.com/tradeclass/simex/internal/session"
	"github.com/tradeclass/simex/pkg/errors"
)

type commandRequest struct {
	ID        string          `json:"id"`
	Type      string          `json:"type" binding:"required"`
	Phase     string          `json:"phase" binding:"omitempty,oneof=start timed end manual"`
	OffsetSec float64         `json:"offset_sec" binding:"gte=0"`
	Params    json.RawMessage `json:"params"`
}

type lessonRequest struct {
	Name           string                 `json:"name" binding:"required"`
	Scenario       string                 `json:"scenario"`
	Securities     []model.LessonSecurity `json:"securities" binding:"required,min=1"`
	Commands       []commandRequest       `json:"commands" binding:"dive"`
	StartingCash   decimal.Decimal        `json:"starting_cash"`
	LiquidateOnEnd *bool                  `json:"liquidate_on_end"`
}

type joinRequest struct {
	UserID string `json:"user_id" binding:"required,uuid"`
	Name   string `json:"name" binding:"required"`
	Role   string `json:"role" binding:"required,oneof=STUDENT INSTRUCTOR ADMIN"`
}

type orderRequest struct {
	Symbol      string          `json:"symbol" binding:"required"`
	Side        string          `json:"side" binding:"required,oneof=BUY SELL"`
	Type        string          `json:"type" binding:"required,oneof=MARKET LIMIT STOP STOP_LIMIT"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	StopPrice   decimal.Decimal `json:"stop_price"`
	TimeInForce string          `json:"time_in_force" binding:"tif"`
}

type createAuctionRequest struct {
	Privilege   string          `json:"privilege" binding:"required"`
	MinimumBid  decimal.Decimal `json:"minimum_bid"`
	DurationSec float64         `json:"duration_sec" binding:"required,gt=0"`
}

type placeBidRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func secondsToDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}

func abortErr(c *gin.Context, err error) {
	c.AbortWithStatusJSON(errors.HTTPStatus(err), gin.H{
		"error": gin.H{"code": errors.CodeOf(err), "detail": err.Error()},
	})
}

func abortBinding(c *gin.Context, err error) {
	abortErr(c, errors.Wrap(errors.CodeValidation, err, "invalid request body"))
}

func userIDFrom(c *gin.Context) (uuid.UUID, bool) {
	raw := c.GetHeader("X-User-ID")
	if raw == "" {
		abortErr(c, errors.New(errors.CodeValidation, "missing X-User-ID header"))
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		abortErr(c, errors.New(errors.CodeValidation, "malformed X-User-ID header"))
		return uuid.Nil, false
	}
	return id, true
}

func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		abortErr(c, errors.New(errors.CodeValidation, "malformed %s", name))
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) sessionFrom(c *gin.Context) (*session.Session, bool) {
	id, ok := pathUUID(c, "sessionID")
	if !ok {
		return nil, false
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		abortErr(c, err)
		return nil, false
	}
	return sess, true
}

// require resolves the caller and checks the privilege against their role and
// per-user grants. Every mutating endpoint goes through here.
func (s *Server) require(c *gin.Context, sess *session.Session, privilege string) (uuid.UUID, bool) {
	userID, ok := userIDFrom(c)
	if !ok {
		return uuid.Nil, false
	}
	part, ok := sess.Participant(userID)
	if !ok {
		abortErr(c, errors.New(errors.CodeNotFound, "user %s has not joined this session", userID))
		return uuid.Nil, false
	}
	if privilege != "" && !sess.Privileges.Allowed(userID, part.Role, privilege) {
		abortErr(c, errors.New(errors.CodePrivilegeRequired, "%s privilege required", privilege))
		return uuid.Nil, false
	}
	return userID, true
}

func (s *Server) createSession(c *gin.Context) {
	var req lessonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBinding(c, err)
		return
	}
	lesson := model.Lesson{
		ID:             uuid.New(),
		Name:           req.Name,
		Scenario:       req.Scenario,
		Securities:     req.Securities,
		StartingCash:   req.StartingCash,
		LiquidateOnEnd: req.LiquidateOnEnd,
	}
	for i, cr := range req.Commands {
		cmd, err := buildCommand(cr, i)
		if err != nil {
			abortErr(c, err)
			return
		}
		lesson.Commands = append(lesson.Commands, cmd)
	}
	sess, err := s.sessions.Create(lesson)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess.State())
}

func buildCommand(cr commandRequest, order int) (model.LessonCommand, error) {
	params, err := model.DecodeCommandParams(cr.Type, cr.Params)
	if err != nil {
		return model.LessonCommand{}, err
	}
	if cr.ID == "" {
		cr.ID = uuid.NewString()
	}
	if cr.Phase == "" {
		cr.Phase = model.PhaseManual
	}
	return model.LessonCommand{
		ID:     cr.ID,
		Type:   cr.Type,
		Phase:  cr.Phase,
		Offset: secondsToDuration(cr.OffsetSec),
		Order:  order,
		Params: params,
	}, nil
}

func (s *Server) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.List()})
}

func (s *Server) join(c *gin.Context) {
	sess, ok := s.sessionFrom(c)
	if !ok {
		return
	}
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBinding(c, err)
		return
	}
	userID, _ := uuid.Parse(req.UserID)
	part, err := sess.Join(userID, req.Name, req.Role)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, part)
}

// lifecycle adapts the four session transitions into handlers. The caller
// must hold RUN_SESSION.
func (s *Server) lifecycle(transition func(*session.Session) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := s.sessionFrom(c)
		if !ok {
			return
		}
		if _, ok := s.require(c, sess, model.PrivilegeRunSession); !ok {
			return
		}
		if err := transition(sess); err != nil {
			abortErr(c, err)
			return
		}
		c.JSON(http.StatusOK, sess.State())
	}
}

func (s *Server) submitOrder(c *gin.Context) {
	sess, ok := s.sessionFrom(c)
	if !ok {
		return
	}
	userID, ok := s.require(c, sess, model.PrivilegeTrade)
	if !ok {
		return
	}
	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBinding(c, err)
		return
	}
	if req.Side == model.OrderSideSell {
		if err := s.checkShortSell(sess, userID, req); err != nil {
			abortErr(c, err)
			return
		}
	}
	o := &model.Order{
		UserID:      userID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Quantity:    req.Quantity,
		Price:       req.Price,
		StopPrice:   req.StopPrice,
		TimeInForce: req.TimeInForce,
	}
	if err := sess.SubmitOrder(c.Request.Context(), o); err != nil {
		abortErr(c, err)
		return
	}
	order, _ := sess.Engine.Order(o.ID)
	c.JSON(http.StatusCreated, order)
}

// checkShortSell gates sells that would take the position below flat behind
// the SHORT_SELL privilege.
func (s *Server) checkShortSell(sess *session.Session, userID uuid.UUID, req orderRequest) error {
	held := decimal.Zero
	if pos, err := sess.Portfolios.Position(userID, req.Symbol); err == nil {
		held = pos.Quantity
	}
	if req.Quantity.LessThanOrEqual(held) {
		return nil
	}
	part, _ := sess.Participant(userID)
	if sess.Privileges.Allowed(userID, part.Role, model.PrivilegeShortSell) {
		return nil
	}
	return errors.New(errors.CodePrivilegeRequired,
		"selling %s %s exceeds held %s and requires SHORT_SELL",
		req.Quantity, req.Symbol, held)
}

func (s *Server) cancelOrder(c *gin.Context) {
	sess, ok := s.sessionFrom(c)
	if !ok {
		return
	}
	userID, ok := s.require(c, sess, "")
	if !ok {
		return
	}
	orderID, ok := pathUUID(c, "orderID")
	if !ok {
		return
	}
	if err := sess.Engine.Cancel(c.Request.Context(), orderID, userID); err != nil {
		abortErr(c, err)
		return
	}
	order, _ := sess.Engine.Order(orderID)
	c.JSON(http.StatusOK, order)
}

func (s *Server) getOrderBook(c *gin.Context) {
	sess, ok := s.sessionFrom(c)
	if !ok {
		return
	}
	levels := 10
	if raw := c.Query("levels"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			abortErr(c, errors.New(errors.CodeValidation, "levels must be a positive integer"))
			return
		}
		levels = n
	}
	depth, err := sess.Engine.Depth(c.Param("symbol"), levels)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, depth)
}

func (s *Server) getPosition(c *gin.Context) {
	sess, ok := s.sessionFrom(c)
	if !ok {
		return
	}
	userID, ok := pathUUID(c, "userID")
	if !ok {
		return
	}
	pos, err := sess.Portfolios.Position(userID, c.Param("symbol"))
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (s *Server) getPortfolio(c *gin.Context) {
	sess, ok := s.sessionFrom(c)
	if !ok {
		return
	}
	userID, ok := pathUUID(c, "userID")
	if !ok {
		return
	}
	pf, err := sess.Portfolios.Portfolio(userID)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, pf)
}

func (s *Server) leaderboard(c *gin.Context) {
	sess, ok := s.sessionFrom(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": sess.Portfolios.Leaderboard()})
}

func (s *Server) createAuction(c *gin.Context) {
	sess, ok := s.sessionFrom(c)
	if !ok {
		return
	}
	if _, ok := s.require(c, sess, model.PrivilegeManualCommand); !ok {
		return
	}
	var req createAuctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBinding(c, err)
		return
	}
	a, err := sess.Auctions.Create(req.Privilege, req.MinimumBid, secondsToDuration(req.DurationSec))
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (s *Server) getAuction(c *gin.Context) {
	sess, ok := s.sessionFrom(c)
	if !ok {
		return
	}
	auctionID, ok := pathUUID(c, "auctionID")
	if !ok {
		return
	}
	a, err := sess.Auctions.Get(auctionID)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) placeBid(c *gin.Context) {
	sess, ok := s.sessionFrom(c)
	if !ok {
		return
	}
	userID, ok := s.require(c, sess, "")
	if !ok {
		return
	}
	auctionID, ok := pathUUID(c, "auctionID")
	if !ok {
		return
	}
	var req placeBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBinding(c, err)
		return
	}
	if err := sess.Auctions.PlaceBid(auctionID, userID, req.Amount); err != nil {
		abortErr(c, err)
		return
	}
	a, err := sess.Auctions.Get(auctionID)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) executeCommand(c *gin.Context) {
	sess, ok := s.sessionFrom(c)
	if !ok {
		return
	}
	userID, ok := s.require(c, sess, model.PrivilegeManualCommand)
	if !ok {
		return
	}
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBinding(c, err)
		return
	}
	req.Phase = model.PhaseManual
	cmd, err := buildCommand(req, 0)
	if err != nil {
		abortErr(c, err)
		return
	}
	s.logger.Info("manual command",
		zap.String("session_id", sess.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("type", cmd.Type))
	if err := sess.Execute(cmd); err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"command_id": cmd.ID, "executed": true})
}

// serveWS upgrades the connection and streams every event the caller is
// entitled to: the session stream, their private stream, and one market
// stream per security. The snapshot is delivered before any live event.
func (s *Server) serveWS(c *gin.Context) {
	sess, ok := s.sessionFrom(c)
	if !ok {
		return
	}
	userID, err := uuid.Parse(c.Query("user_id"))
	if err != nil {
		abortErr(c, errors.New(errors.CodeValidation, "malformed user_id query parameter"))
		return
	}
	if _, ok := sess.Participant(userID); !ok {
		abortErr(c, errors.New(errors.CodeNotFound, "user %s has not joined this session", userID))
		return
	}

	topics := []string{
		event.SessionTopic(sess.ID),
		event.UserTopic(sess.ID, userID),
	}
	for _, sec := range sess.Lesson.Securities {
		topics = append(topics, event.MarketTopic(sess.ID, sec.Symbol))
	}

	snapshot := sess.Snapshot(userID)
	if err := s.hub.Serve(c.Writer, c.Request, topics, snapshot, func() { sess.Leave(userID) }); err != nil {
		s.logger.Warn("websocket upgrade failed",
			zap.String("session_id", sess.ID.String()),
			zap.String("user_id", userID.String()), zap.Error(err))
	}
}

package model

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeclass/simex/pkg/errors"
)

// Lesson command types. Each type maps to exactly one params variant.
const (
	CommandGrantPrivilege     = "GRANT_PRIVILEGE"
	CommandRevokePrivilege    = "REVOKE_PRIVILEGE"
	CommandOpenMarket         = "OPEN_MARKET"
	CommandCloseMarket        = "CLOSE_MARKET"
	CommandSetPrice           = "SET_PRICE"
	CommandCreateAuction      = "CREATE_AUCTION"
	CommandInjectNews         = "INJECT_NEWS"
	CommandSetLiquidityTrader = "SET_LIQUIDITY_TRADER"
	CommandPauseSession       = "PAUSE_SESSION"
	CommandResumeSession      = "RESUME_SESSION"
)

// Command phases control when a scheduled command runs relative to the
// session clock.
const (
	PhaseStart  = "start"  // runs synchronously inside startSession
	PhaseTimed  = "timed"  // runs when the session clock reaches Offset
	PhaseEnd    = "end"    // runs synchronously inside endSession
	PhaseManual = "manual" // runs only when the instructor triggers it
)

// CommandParams is the closed set of per-type parameter variants. Payloads
// are decoded and validated once, at the lesson/API boundary, before a
// command enters the engine.
type CommandParams interface {
	commandParams()
}

type GrantPrivilegeParams struct {
	Privilege string `json:"privilege"`
	Role      string `json:"role,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

type RevokePrivilegeParams struct {
	Privilege string `json:"privilege"`
	Role      string `json:"role,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

type MarketParams struct {
	Symbol string `json:"symbol"`
}

type SetPriceParams struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

type CreateAuctionParams struct {
	Privilege   string          `json:"privilege"`
	MinimumBid  decimal.Decimal `json:"minimum_bid"`
	DurationSec float64         `json:"duration_sec"`
}

// Duration converts the wire seconds into a timer duration.
func (p CreateAuctionParams) Duration() time.Duration {
	return time.Duration(p.DurationSec * float64(time.Second))
}

type InjectNewsParams struct {
	Headline string          `json:"headline"`
	Body     string          `json:"body,omitempty"`
	Symbol   string          `json:"symbol,omitempty"`
	Drift    decimal.Decimal `json:"drift,omitempty"` // per-tick price drift applied to Symbol
}

type SetLiquidityTraderParams struct {
	Symbol  string `json:"symbol"`
	Enabled bool   `json:"enabled"`
}

// PauseResumeParams is shared by PAUSE_SESSION and RESUME_SESSION, which
// carry no parameters.
type PauseResumeParams struct{}

func (GrantPrivilegeParams) commandParams()     {}
func (RevokePrivilegeParams) commandParams()    {}
func (MarketParams) commandParams()             {}
func (SetPriceParams) commandParams()           {}
func (CreateAuctionParams) commandParams()      {}
func (InjectNewsParams) commandParams()         {}
func (SetLiquidityTraderParams) commandParams() {}
func (PauseResumeParams) commandParams()        {}

// LessonCommand is one entry in the instructor-authored timeline.
type LessonCommand struct {
	ID     string        `json:"id"`
	Type   string        `json:"type"`
	Phase  string        `json:"phase"`
	Offset time.Duration `json:"offset"` // from session start, for PhaseTimed
	Order  int           `json:"order"`  // declaration order, breaks offset ties
	Params CommandParams `json:"params"`
}

// DecodeCommandParams validates a raw payload against the command type and
// returns the typed variant. Unknown types and malformed payloads are
// rejected here so engines only ever see well-formed commands.
func DecodeCommandParams(cmdType string, raw json.RawMessage) (CommandParams, error) {
	strict := func(v any) error {
		if len(raw) == 0 {
			raw = []byte("{}")
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		return dec.Decode(v)
	}

	switch cmdType {
	case CommandGrantPrivilege:
		var p GrantPrivilegeParams
		if err := strict(&p); err != nil {
			return nil, errors.Wrap(errors.CodeValidation, err, "bad %s params", cmdType)
		}
		if p.Privilege == "" || (p.Role == "" && p.UserID == "") {
			return nil, errors.New(errors.CodeValidation, "%s requires privilege and a role or user scope", cmdType)
		}
		return p, nil
	case CommandRevokePrivilege:
		var p RevokePrivilegeParams
		if err := strict(&p); err != nil {
			return nil, errors.Wrap(errors.CodeValidation, err, "bad %s params", cmdType)
		}
		if p.Privilege == "" || (p.Role == "" && p.UserID == "") {
			return nil, errors.New(errors.CodeValidation, "%s requires privilege and a role or user scope", cmdType)
		}
		return p, nil
	case CommandOpenMarket, CommandCloseMarket:
		var p MarketParams
		if err := strict(&p); err != nil {
			return nil, errors.Wrap(errors.CodeValidation, err, "bad %s params", cmdType)
		}
		if p.Symbol == "" {
			return nil, errors.New(errors.CodeValidation, "%s requires a symbol", cmdType)
		}
		return p, nil
	case CommandSetPrice:
		var p SetPriceParams
		if err := strict(&p); err != nil {
			return nil, errors.Wrap(errors.CodeValidation, err, "bad %s params", cmdType)
		}
		if p.Symbol == "" || p.Price.LessThanOrEqual(decimal.Zero) {
			return nil, errors.New(errors.CodeValidation, "%s requires a symbol and a positive price", cmdType)
		}
		return p, nil
	case CommandCreateAuction:
		var p CreateAuctionParams
		if err := strict(&p); err != nil {
			return nil, errors.Wrap(errors.CodeValidation, err, "bad %s params", cmdType)
		}
		if p.Privilege == "" || p.DurationSec <= 0 {
			return nil, errors.New(errors.CodeValidation, "%s requires a privilege and a positive duration", cmdType)
		}
		if p.MinimumBid.IsNegative() {
			return nil, errors.New(errors.CodeValidation, "%s minimum bid cannot be negative", cmdType)
		}
		return p, nil
	case CommandInjectNews:
		var p InjectNewsParams
		if err := strict(&p); err != nil {
			return nil, errors.Wrap(errors.CodeValidation, err, "bad %s params", cmdType)
		}
		if p.Headline == "" {
			return nil, errors.New(errors.CodeValidation, "%s requires a headline", cmdType)
		}
		return p, nil
	case CommandSetLiquidityTrader:
		var p SetLiquidityTraderParams
		if err := strict(&p); err != nil {
			return nil, errors.Wrap(errors.CodeValidation, err, "bad %s params", cmdType)
		}
		if p.Symbol == "" {
			return nil, errors.New(errors.CodeValidation, "%s requires a symbol", cmdType)
		}
		return p, nil
	case CommandPauseSession, CommandResumeSession:
		var p PauseResumeParams
		if err := strict(&p); err != nil {
			return nil, errors.Wrap(errors.CodeValidation, err, "bad %s params", cmdType)
		}
		return p, nil
	default:
		return nil, errors.New(errors.CodeValidation, "unknown command type %q", cmdType)
	}
}

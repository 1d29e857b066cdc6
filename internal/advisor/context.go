package advisor

import (
	"time"

	"fib-pocket-bot-go/internal/fibonacci"
	"fib-pocket-bot-go/internal/models"
)

// Context is the document the advisor sees. It is built fresh for every consultation
// and discarded when the call is cancelled.
type Context struct {
	Trigger          models.Trigger         `json:"trigger"`
	Timestamp        time.Time              `json:"timestamp"`
	Market           MarketState            `json:"market_state"`
	Position         PositionState          `json:"position_state"`
	Account          AccountState           `json:"account_state"`
	Fibonacci        FibonacciState         `json:"fibonacci_levels"`
	AdjustmentsToday int                    `json:"adjustments_today"`
	AllowedDecisions []Decision             `json:"allowed_decisions"`
	AlgoProposal     *models.ProposedAction `json:"algo_proposal,omitempty"`
}

// MarketState is the price and sentiment snapshot. Nil fields are unavailable, not zero.
type MarketState struct {
	CurrentPrice   float64  `json:"current_price"`
	FearGreed      *float64 `json:"fear_greed"`
	FundingRate    *float64 `json:"funding_rate"`
	LongShortRatio *float64 `json:"ls_ratio"`
}

// PositionState describes the open position. Percentages are in percent, not fractions.
type PositionState struct {
	HasPosition  bool    `json:"has_position"`
	Size         float64 `json:"size"`
	AvgEntry     float64 `json:"avg_entry"`
	Leverage     int     `json:"leverage"`
	ScaleInCount int     `json:"scale_in_count"`
	PnLPct       float64 `json:"pnl_pct"`
	ROIPct       float64 `json:"roi_pct"`
	ExitProgress float64 `json:"exit_progress"`
}

// AccountState surfaces available margin. AddPossible is false when nothing is available to trade.
type AccountState struct {
	TotalCapital     float64 `json:"total_capital"`
	DeployedCapital  float64 `json:"deployed_capital"`
	AvailableToTrade float64 `json:"available_to_trade"`
	AddPossible      bool    `json:"add_possible"`
	Note             string  `json:"note,omitempty"`
}

// FibonacciState places the current price relative to the tracked level sets.
type FibonacciState struct {
	CurrentZone       string  `json:"current_zone"`
	InGoldenPocket    bool    `json:"in_golden_pocket"`
	NearestSupport    float64 `json:"nearest_support,omitempty"`
	NearestResistance float64 `json:"nearest_resistance,omitempty"`
}

// ContextInput carries the snapshots a Context is built from.
type ContextInput struct {
	Trigger          models.Trigger
	Now              time.Time
	Price            float64
	Position         models.Position
	Sentiment        models.Sentiment
	Account          models.AccountSnapshot
	AdjustmentsToday int
	LevelSets        []*fibonacci.LevelSet
	ZoneBuffer       float64
	Proposal         *models.ProposedAction
}

// BuildContext assembles the advisor document.
func BuildContext(in ContextInput) Context {
	c := Context{
		Trigger:   in.Trigger,
		Timestamp: in.Now,
		Market: MarketState{
			CurrentPrice:   in.Price,
			FearGreed:      in.Sentiment.FearGreed,
			FundingRate:    in.Sentiment.FundingRate,
			LongShortRatio: in.Sentiment.LongShortRatio,
		},
		Account: AccountState{
			TotalCapital:     in.Account.TotalCapital,
			DeployedCapital:  in.Account.DeployedCapital,
			AvailableToTrade: in.Account.AvailableToTrade,
			AddPossible:      in.Account.AvailableToTrade > 0,
		},
		AdjustmentsToday: in.AdjustmentsToday,
		AlgoProposal:     in.Proposal,
	}
	if !c.Account.AddPossible {
		c.Account.Note = "available_to_trade is 0: ADD is structurally impossible"
	}

	pos := in.Position
	if pos.IsOpen() {
		c.Position = PositionState{
			HasPosition:  true,
			Size:         pos.Size,
			AvgEntry:     pos.AveragePrice,
			Leverage:     pos.Leverage,
			ScaleInCount: pos.ScaleInCount,
			ROIPct:       pos.ROI(in.Price) * 100,
			ExitProgress: pos.ExitProgress,
		}
		if pos.AveragePrice > 0 {
			c.Position.PnLPct = (in.Price - pos.AveragePrice) / pos.AveragePrice * 100
		}
	}

	c.Fibonacci = fibState(in.Price, in.LevelSets, in.ZoneBuffer)
	c.AllowedDecisions = allowedDecisions(pos.IsOpen(), c.Account.AddPossible)
	return c
}

func fibState(price float64, sets []*fibonacci.LevelSet, buffer float64) FibonacciState {
	st := FibonacciState{CurrentZone: "none"}
	for _, set := range sets {
		if set == nil {
			continue
		}
		if set.GoldenPocket.Contains(price, buffer) {
			st.InGoldenPocket = true
			st.CurrentZone = "golden_pocket_" + set.Timeframe
		}
		for _, l := range set.Levels {
			if l.Price < price && l.Price > st.NearestSupport {
				st.NearestSupport = l.Price
			}
			if l.Price > price && (st.NearestResistance == 0 || l.Price < st.NearestResistance) {
				st.NearestResistance = l.Price
			}
		}
	}
	return st
}

func allowedDecisions(hasPosition, addPossible bool) []Decision {
	if !hasPosition {
		return []Decision{DecisionApprove, DecisionAdjust, DecisionReject, DecisionHold}
	}
	out := []Decision{DecisionHold, DecisionReduce, DecisionEmergencyExit, DecisionApprove, DecisionAdjust, DecisionReject}
	if addPossible {
		out = append(out, DecisionAdd)
	}
	return out
}

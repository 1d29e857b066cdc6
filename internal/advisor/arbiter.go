// Package advisor consults the external strategy advisor and turns its reply
// into a ProposedAction. The advisor has no authority of its own: whatever it
// answers is handed back to the caller for the same safety validation as an
// algorithmic action, and every failure resolves to a deterministic fallback.
package advisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fib-pocket-bot-go/internal/models"

	"go.uber.org/zap"
)

const defaultTimeout = 30 * time.Second

const systemPrompt = `You supervise a leveraged long-only BTC futures strategy that buys Fibonacci golden pocket retracements.
Capital preservation comes first. Every decision you make is re-checked by hard risk limits.
Answer with one JSON object and nothing else:
{"decision": "APPROVE|ADJUST|REJECT|HOLD|ADD|REDUCE|EMERGENCY_EXIT", "size_or_amount": <fraction 0-1>, "reasoning": "<short>", "confidence": <0-1>}
Only use a decision listed in allowed_decisions. When account_state.add_possible is false, ADD is impossible.`

// Request is one consultation.
type Request struct {
	Context  Context
	Proposal *models.ProposedAction // algorithmic proposal, nil for reviews
	Fallback models.ProposedAction  // used on timeout, transport or schema failure
}

// Outcome is the resolved action and how it was reached.
type Outcome struct {
	Action    models.ProposedAction `json:"action"`
	Response  *Response             `json:"response,omitempty"`
	Consulted bool                  `json:"consulted"`
	FellBack  bool                  `json:"fell_back"`
	Err       error                 `json:"-"`
	Latency   time.Duration         `json:"latency"`
}

// Arbiter 封装一次带超时的顾问咨询
type Arbiter struct {
	client  Client
	enabled bool
	timeout time.Duration
	logger  *zap.Logger
}

// NewArbiter 创建仲裁器。client 为 nil 或配置未启用时直接采用算法提议
func NewArbiter(cfg models.Advisor, client Client, logger *zap.Logger) *Arbiter {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Arbiter{
		client:  client,
		enabled: cfg.Enabled && client != nil,
		timeout: timeout,
		logger:  logger,
	}
}

// Enabled reports whether consultations reach the advisor.
func (a *Arbiter) Enabled() bool { return a.enabled }

// Arbitrate asks the advisor and maps its reply to an action. It returns an
// error only when the parent context is cancelled; every other failure is
// reported through Outcome.FellBack and Outcome.Err.
func (a *Arbiter) Arbitrate(ctx context.Context, req Request) (Outcome, error) {
	if !a.enabled {
		if req.Proposal != nil {
			return Outcome{Action: *req.Proposal}, nil
		}
		return Outcome{Action: req.Fallback}, nil
	}

	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	prompt, err := userPrompt(req.Context)
	if err != nil {
		return a.fallback(req, err, start), nil
	}
	text, err := a.client.Complete(cctx, systemPrompt, prompt)
	if err != nil {
		if ctx.Err() != nil {
			// 关闭时取消，已构建的上下文直接丢弃
			return Outcome{}, ctx.Err()
		}
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			err = &TimeoutError{Trigger: req.Context.Trigger, After: a.timeout}
		}
		return a.fallback(req, err, start), nil
	}

	resp, err := ParseResponse(text)
	if err != nil {
		return a.fallback(req, err, start), nil
	}

	out := Outcome{
		Action:    a.mapDecision(req, resp),
		Response:  &resp,
		Consulted: true,
		Latency:   time.Since(start),
	}
	a.logger.Info("顾问决策",
		zap.String("trigger", string(req.Context.Trigger)),
		zap.String("decision", string(resp.Decision)),
		zap.Float64("amount", resp.SizeOrAmount),
		zap.Float64("confidence", resp.Confidence),
		zap.String("mapped", string(out.Action.Kind)),
		zap.Duration("latency", out.Latency))
	return out, nil
}

func (a *Arbiter) fallback(req Request, err error, start time.Time) Outcome {
	act := req.Fallback
	act.Conviction = 0
	act.Rationale = fmt.Sprintf("advisor fallback (%v): %s", err, act.Rationale)
	a.logger.Warn("顾问不可用，采用默认决策",
		zap.String("trigger", string(req.Context.Trigger)),
		zap.String("fallback", string(act.Kind)),
		zap.Error(err))
	return Outcome{
		Action:    act,
		Consulted: true,
		FellBack:  true,
		Err:       err,
		Latency:   time.Since(start),
	}
}

func (a *Arbiter) mapDecision(req Request, resp Response) models.ProposedAction {
	c := req.Context
	hold := func(why string) models.ProposedAction {
		act := models.Hold(models.SourceAdvisor, c.Trigger, why)
		act.Conviction = resp.Confidence
		return act
	}
	if !allowed(c.AllowedDecisions, resp.Decision) {
		if resp.Decision == DecisionAdd && !c.Account.AddPossible {
			return hold("ADD requested but available_to_trade is 0: " + resp.Reasoning)
		}
		return hold(fmt.Sprintf("%s not allowed for %s: %s", resp.Decision, c.Trigger, resp.Reasoning))
	}

	act := models.ProposedAction{
		Source:     models.SourceAdvisor,
		Trigger:    c.Trigger,
		Rationale:  resp.Reasoning,
		Conviction: resp.Confidence,
	}
	switch resp.Decision {
	case DecisionApprove, DecisionAdjust:
		if req.Proposal == nil || req.Proposal.Kind == models.ActionHold {
			return hold(resp.Reasoning)
		}
		act.Kind = req.Proposal.Kind
		act.Amount = req.Proposal.Amount
		act.Leverage = req.Proposal.Leverage
		act.ExitReason = req.Proposal.ExitReason
		if resp.Decision == DecisionAdjust && resp.SizeOrAmount > 0 {
			act.Amount = resp.SizeOrAmount
		}
	case DecisionReject, DecisionHold:
		return hold(resp.Reasoning)
	case DecisionAdd:
		if resp.SizeOrAmount <= 0 {
			return hold(resp.Reasoning)
		}
		act.Kind = models.ActionAdd
		act.Amount = resp.SizeOrAmount
		act.Leverage = c.Position.Leverage
	case DecisionReduce:
		if resp.SizeOrAmount <= 0 {
			return hold(resp.Reasoning)
		}
		act.Kind = models.ActionReduce
		act.Amount = resp.SizeOrAmount
		act.ExitReason = req.Fallback.ExitReason
		if act.ExitReason == "" {
			act.ExitReason = models.ExitProfitTarget
		}
	case DecisionEmergencyExit:
		act.Kind = models.ActionEmergencyExit
		act.Amount = 1
		act.ExitReason = models.ExitEmergency
	}
	return act
}

func allowed(list []Decision, d Decision) bool {
	for _, x := range list {
		if x == d {
			return true
		}
	}
	return false
}

func userPrompt(c Context) (string, error) {
	doc, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s\n\nContext:\n%s", question(c.Trigger), doc), nil
}

func question(t models.Trigger) string {
	switch t {
	case models.TriggerEntrySignal:
		return "The algorithm proposes an entry (algo_proposal). APPROVE, ADJUST the capital fraction, or REJECT."
	case models.TriggerFibResistance:
		return "Price reached a Fibonacci resistance level. How much of the position should be taken off (REDUCE 25-100%), or HOLD?"
	case models.TriggerProfitTarget:
		return "A profit target was hit. How much profit should we take (REDUCE 25-100%)?"
	case models.TriggerScheduledReview:
		return "Scheduled position review. HOLD, REDUCE at most 20%, ADD at most 5% of capital, or EMERGENCY_EXIT."
	default:
		return "Review the situation and decide."
	}
}

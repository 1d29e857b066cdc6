package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fib-pocket-bot-go/internal/exchange"
	"fib-pocket-bot-go/internal/models"
	"fib-pocket-bot-go/internal/storage"

	"go.uber.org/zap"
)

// PendingResult lists what happened to the journal rows left SUBMITTED by a
// previous run.
type PendingResult struct {
	Filled     []storage.OrderRecord // 交易所确认已成交
	Failed     []storage.OrderRecord // 交易所不认识或未成交
	Unresolved []storage.OrderRecord // 查询失败，保持 SUBMITTED
}

// ResolvePending asks the exchange about every SUBMITTED journal row by client
// order id and settles the row. Fills that landed are marked processed in state
// so they are never applied again; the position itself already comes from the
// exchange via Reconcile. Lookup failures leave the row pending for the next start.
func (r *Reconciler) ResolvePending(ctx context.Context, journal storage.OrderJournal, state *models.EngineState, now time.Time) (*PendingResult, error) {
	rows, err := journal.PendingOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pending orders: %w", err)
	}
	if state.ProcessedFills == nil {
		state.ProcessedFills = make(map[string]time.Time)
	}
	res := &PendingResult{}
	for _, row := range rows {
		fill, err := r.ex.LookupOrder(ctx, models.OrderRequest{
			Side:          row.Side,
			Quantity:      row.Quantity,
			Leverage:      row.Leverage,
			ReduceOnly:    row.ReduceOnly,
			ClientOrderID: row.ClientOrderID,
		})
		switch {
		case err == nil:
			row.ExchangeOrderID = fill.OrderID
			row.Quantity = fill.Quantity
			row.Price = fill.Price
			if fill.Leverage > 0 {
				row.Leverage = fill.Leverage
			}
			row.Status = storage.OrderStatusFilled
			row.Error = ""
			if _, seen := state.ProcessedFills[fill.OrderID]; !seen && fill.OrderID != "" {
				at := fill.Time
				if at.IsZero() {
					at = now
				}
				state.ProcessedFills[fill.OrderID] = at
			}
			r.logger.Warn("上次运行遗留的订单已成交",
				zap.String("clientOrderId", row.ClientOrderID),
				zap.String("orderId", fill.OrderID),
				zap.String("kind", string(row.Kind)),
				zap.Float64("quantity", fill.Quantity),
				zap.Float64("price", fill.Price))
			res.Filled = append(res.Filled, row)
		case errors.Is(err, exchange.ErrOrderUnknown), errors.Is(err, exchange.ErrOrderNotFilled):
			row.Status = storage.OrderStatusFailed
			row.Error = err.Error()
			r.logger.Info("上次运行遗留的订单未成交", zap.String("clientOrderId", row.ClientOrderID), zap.Error(err))
			res.Failed = append(res.Failed, row)
		default:
			r.logger.Error("查询遗留订单失败，保持待定", zap.String("clientOrderId", row.ClientOrderID), zap.Error(err))
			res.Unresolved = append(res.Unresolved, row)
			continue
		}
		row.UpdatedAt = now
		if err := journal.RecordOrder(ctx, row); err != nil {
			return res, fmt.Errorf("settle order %s: %w", row.ClientOrderID, err)
		}
	}
	return res, nil
}

package engine

import (
	"strings"

	"fib-pocket-bot-go/internal/reporter"
)

// View 把状态快照转换为报表视图
func (s Status) View() reporter.StatusView {
	return reporter.StatusView{
		Time:             s.Time,
		Symbol:           s.Symbol,
		Running:          s.Running,
		Price:            s.Price.Price,
		Position:         s.Position,
		ROI:              s.ROI,
		LiquidationPrice: s.LiquidationPrice,
		Account:          s.Account,
		Sentiment:        s.Sentiment,
		Paused:           s.Paused,
		PauseReason:      s.PauseReason,
		PeakEquity:       s.PeakEquity,
		AdjustmentsToday: s.AdjustmentsToday,
		LevelSets:        s.LevelSets,
	}
}

// printStatus 打印机器人当前状态
func (e *Engine) printStatus() {
	out := reporter.RenderStatus(e.Status().View())
	e.logger.Info("========== 机器人状态 ==========")
	for _, line := range strings.Split(out, "\n") {
		e.logger.Info(line)
	}
}

package reporter

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"fib-pocket-bot-go/internal/fibonacci"
	"fib-pocket-bot-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Metrics 存储根据已平仓仓位计算出的历史绩效指标
type Metrics struct {
	InitialBalance   float64 `json:"initial_balance"`
	FinalBalance     float64 `json:"final_balance"`
	TotalRealized    float64 `json:"total_realized"`
	ProfitPercentage float64 `json:"profit_percentage"`
	TotalTrades      int     `json:"total_trades"`
	WinningTrades    int     `json:"winning_trades"`
	LosingTrades     int     `json:"losing_trades"`
	WinRate          float64 `json:"win_rate"`
	AvgProfitLoss    float64 `json:"avg_profit_loss"`
	MaxDrawdown      float64 `json:"max_drawdown"` // 已实现盈亏曲线的最大回撤 (%)
	AvgScaleIns      float64 `json:"avg_scale_ins"`
	StartTime        time.Time
	EndTime          time.Time
}

// StatusView 是渲染状态表所需的数据
type StatusView struct {
	Time             time.Time
	Symbol           string
	Running          bool
	Price            float64
	Position         models.Position
	ROI              float64
	LiquidationPrice float64
	Account          models.AccountSnapshot
	Sentiment        models.Sentiment
	Paused           bool
	PauseReason      string
	PeakEquity       float64
	AdjustmentsToday int
	LevelSets        []*fibonacci.LevelSet
}

// CalculateMetrics 按平仓时间顺序统计胜率、累计已实现盈亏和最大回撤
func CalculateMetrics(closed []models.Position, initialBalance float64) Metrics {
	m := Metrics{InitialBalance: initialBalance}
	sorted := append([]models.Position(nil), closed...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ClosedAt.Before(sorted[j].ClosedAt) })
	m.TotalTrades = len(sorted)

	var totalProfit, totalLoss float64
	scaleIns := 0
	curve := make([]float64, 0, len(sorted)+1)
	curve = append(curve, initialBalance)
	for i, p := range sorted {
		if i == 0 {
			m.StartTime = p.OpenedAt
		}
		m.EndTime = p.ClosedAt
		if p.RealizedPnL > 0 {
			m.WinningTrades++
			totalProfit += p.RealizedPnL
		} else {
			m.LosingTrades++
			totalLoss += p.RealizedPnL
		}
		scaleIns += p.ScaleInCount
		m.TotalRealized += p.RealizedPnL
		curve = append(curve, initialBalance+m.TotalRealized)
	}

	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
		m.AvgScaleIns = float64(scaleIns) / float64(m.TotalTrades)
	}
	if m.LosingTrades > 0 && m.WinningTrades > 0 && totalLoss != 0 {
		avgWin := totalProfit / float64(m.WinningTrades)
		avgLoss := math.Abs(totalLoss / float64(m.LosingTrades))
		m.AvgProfitLoss = avgWin / avgLoss
	}
	m.FinalBalance = initialBalance + m.TotalRealized
	if initialBalance != 0 {
		m.ProfitPercentage = m.TotalRealized / initialBalance * 100
	}
	m.MaxDrawdown = calculateMaxDrawdown(curve) * 100
	return m
}

func calculateMaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}

func newTable(title string) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle(title)
	return t
}

// RenderStatus 渲染仓位、斐波那契水平与情绪三张表
func RenderStatus(v StatusView) string {
	var b strings.Builder

	state := "运行中"
	if !v.Running {
		state = "已停止"
	}
	if v.Paused {
		state = text.FgRed.Sprint("已暂停: " + v.PauseReason)
	}
	acct := newTable(fmt.Sprintf("%s  %s", v.Symbol, v.Time.Format("2006-01-02 15:04:05")))
	acct.AppendRows([]table.Row{
		{"状态", state},
		{"当前价格", fmt.Sprintf("%.2f", v.Price)},
		{"账户权益", fmt.Sprintf("%.2f", v.Account.TotalCapital)},
		{"已用保证金", fmt.Sprintf("%.2f (%.1f%%)", v.Account.DeployedCapital, v.Account.DeployedFraction()*100)},
		{"可用保证金", fmt.Sprintf("%.2f", v.Account.AvailableToTrade)},
		{"峰值权益", fmt.Sprintf("%.2f", v.PeakEquity)},
		{"24小时调整次数", v.AdjustmentsToday},
	})
	b.WriteString(acct.Render())
	b.WriteString("\n")

	pos := newTable("持仓")
	p := v.Position
	if p.IsOpen() {
		roi := fmt.Sprintf("%.2f%%", v.ROI*100)
		if v.ROI < 0 {
			roi = text.FgRed.Sprint(roi)
		} else {
			roi = text.FgGreen.Sprint(roi)
		}
		pos.AppendHeader(table.Row{"数量", "首次入场", "均价", "杠杆", "加仓次数", "已退出", "杠杆收益率", "已实现盈亏", "强平价"})
		pos.AppendRow(table.Row{
			fmt.Sprintf("%.4f", p.Size),
			fmt.Sprintf("%.2f", p.EntryPrice),
			fmt.Sprintf("%.2f", p.AveragePrice),
			fmt.Sprintf("%dx", p.Leverage),
			p.ScaleInCount,
			fmt.Sprintf("%.0f%%", p.ExitProgress*100),
			roi,
			fmt.Sprintf("%.2f", p.RealizedPnL),
			fmt.Sprintf("%.2f", v.LiquidationPrice),
		})
	} else {
		pos.AppendRow(table.Row{"当前无持仓。"})
	}
	b.WriteString(pos.Render())
	b.WriteString("\n")

	if len(v.LevelSets) > 0 {
		b.WriteString(RenderLevels(v.LevelSets, v.Price))
		b.WriteString("\n")
	}

	sent := newTable("市场情绪")
	sent.AppendHeader(table.Row{"恐惧贪婪", "资金费率", "多空比"})
	sent.AppendRow(table.Row{optional(v.Sentiment.FearGreed, "%.0f"), optional(v.Sentiment.FundingRate, "%.5f"), optional(v.Sentiment.LongShortRatio, "%.3f")})
	b.WriteString(sent.Render())
	return b.String()
}

// RenderLevels 每个周期一列，标出价格所在的黄金口袋
func RenderLevels(sets []*fibonacci.LevelSet, price float64) string {
	t := newTable("斐波那契水平")
	header := table.Row{"比例"}
	for _, s := range sets {
		header = append(header, s.Timeframe)
	}
	t.AppendHeader(header)
	for _, r := range fibonacci.DefaultRatios {
		row := table.Row{fmt.Sprintf("%.1f%%", r*100)}
		for _, s := range sets {
			lvl, ok := s.Level(r)
			if !ok {
				row = append(row, "-")
				continue
			}
			cell := fmt.Sprintf("%.2f", lvl)
			if r == fibonacci.RatioGoldenUpper || r == fibonacci.RatioGoldenLower {
				cell = text.FgYellow.Sprint(cell)
			}
			row = append(row, cell)
		}
		t.AppendRow(row)
	}
	footer := table.Row{"口袋"}
	for _, s := range sets {
		mark := ""
		if s.GoldenPocket.Contains(price, 0) {
			mark = " *"
		}
		footer = append(footer, fmt.Sprintf("[%.2f, %.2f]%s", s.GoldenPocket.Lower, s.GoldenPocket.Upper, mark))
	}
	t.AppendFooter(footer)
	return t.Render()
}

// RenderHistory 渲染已平仓仓位列表与汇总指标
func RenderHistory(closed []models.Position, m Metrics) string {
	var b strings.Builder
	t := newTable("历史仓位")
	t.AppendHeader(table.Row{"开仓", "平仓", "首次入场", "均价", "最大杠杆", "加仓", "原因", "已实现盈亏"})
	for _, p := range closed {
		t.AppendRow(table.Row{
			p.OpenedAt.Format("01-02 15:04"),
			p.ClosedAt.Format("01-02 15:04"),
			fmt.Sprintf("%.2f", p.EntryPrice),
			fmt.Sprintf("%.2f", p.AveragePrice),
			fmt.Sprintf("%dx", p.Leverage),
			p.ScaleInCount,
			string(p.ExitReason),
			fmt.Sprintf("%.2f", p.RealizedPnL),
		})
	}
	b.WriteString(t.Render())
	b.WriteString("\n")

	s := newTable("绩效汇总")
	s.AppendRows([]table.Row{
		{"总交易次数", m.TotalTrades},
		{"盈利次数", m.WinningTrades},
		{"亏损次数", m.LosingTrades},
		{"胜率", fmt.Sprintf("%.2f%%", m.WinRate)},
		{"平均盈亏比", fmt.Sprintf("%.2f", m.AvgProfitLoss)},
		{"累计已实现盈亏", fmt.Sprintf("%.2f USDT", m.TotalRealized)},
		{"收益率", fmt.Sprintf("%.2f%%", m.ProfitPercentage)},
		{"最大回撤", fmt.Sprintf("%.2f%%", m.MaxDrawdown)},
		{"平均加仓次数", fmt.Sprintf("%.2f", m.AvgScaleIns)},
	})
	b.WriteString(s.Render())
	return b.String()
}

func optional(v *float64, format string) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf(format, *v)
}

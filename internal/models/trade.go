package models

import (
	"fmt"
	"time"
)

// TradeSide is the direction of an executed trade.
type TradeSide string

const (
	// SideBuy is a buy execution.
	SideBuy TradeSide = "buy"
	// SideSell is a sell execution.
	SideSell TradeSide = "sell"
)

// Valid reports whether the side is buy or sell.
func (s TradeSide) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Mode identifies how orders are executed.
type Mode string

const (
	// ModePaper simulates fills locally.
	ModePaper Mode = "paper"
	// ModeLive places real orders on the exchange.
	ModeLive Mode = "live"
	// ModeBacktest replays historical bars deterministically.
	ModeBacktest Mode = "backtest"
)

// Valid reports whether the mode is one of the defined constants.
func (m Mode) Valid() bool {
	switch m {
	case ModePaper, ModeLive, ModeBacktest:
		return true
	default:
		return false
	}
}

// Trade is an immutable record of one fill. Sell trades carry realized PnL;
// buy trades leave it nil.
type Trade struct {
	Timestamp     time.Time `json:"timestamp"`
	Symbol        string    `json:"symbol"`
	Side          TradeSide `json:"side"`
	Shares        int       `json:"shares"`
	Price         float64   `json:"price"`
	Fees          float64   `json:"fees"`
	PnL           *float64  `json:"pnl,omitempty"`
	Mode          Mode      `json:"mode"`
	Confidence    float64   `json:"confidence"`
	Sector        string    `json:"sector,omitempty"`
	CashAfter     float64   `json:"cash_balance_after"`
	ATR           float64   `json:"atr,omitempty"`
	TradingDay    string    `json:"trading_day"`
	Reason        string    `json:"reason,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
}

// Validate checks structural validity of the record.
func (t Trade) Validate() error {
	if !t.Side.Valid() {
		return fmt.Errorf("trade %s: invalid side %q", t.Symbol, t.Side)
	}
	if t.Shares <= 0 {
		return fmt.Errorf("trade %s: non-positive shares %d", t.Symbol, t.Shares)
	}
	if t.Price <= 0 {
		return fmt.Errorf("trade %s: non-positive price %.2f", t.Symbol, t.Price)
	}
	if t.Fees < 0 {
		return fmt.Errorf("trade %s: negative fees %.2f", t.Symbol, t.Fees)
	}
	if t.TradingDay == "" {
		return fmt.Errorf("trade %s: missing trading day", t.Symbol)
	}
	return nil
}

// DailySummary aggregates one trading day's results for the archive.
type DailySummary struct {
	TradingDay  string  `json:"trading_day"`
	TotalTrades int     `json:"total_trades"`
	BuyTrades   int     `json:"buy_trades"`
	SellTrades  int     `json:"sell_trades"`
	Winners     int     `json:"winners"`
	Losers      int     `json:"losers"`
	TotalPnL    float64 `json:"total_pnl"`
	Best        float64 `json:"best"`
	Worst       float64 `json:"worst"`
	OpeningCash float64 `json:"opening_cash"`
	ClosingCash float64 `json:"closing_cash"`
}

// PerformanceCounters track cumulative closed-trade results.
type PerformanceCounters struct {
	Total    int     `json:"total"`
	Wins     int     `json:"wins"`
	Losses   int     `json:"losses"`
	Best     float64 `json:"best"`
	Worst    float64 `json:"worst"`
	TotalPnL float64 `json:"total_pnl"`
}

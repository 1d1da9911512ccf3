package models

import (
	"fmt"
	"time"
)

// ProductType is the broker product classification for a position.
type ProductType string

const (
	// ProductDelivery is cash-and-carry equity (CNC).
	ProductDelivery ProductType = "CNC"
	// ProductIntraday is margin intraday (MIS).
	ProductIntraday ProductType = "MIS"
	// ProductNormal is overnight derivatives margin (NRML).
	ProductNormal ProductType = "NRML"
)

// Valid reports whether the product type is one of the defined constants.
func (p ProductType) Valid() bool {
	switch p {
	case ProductDelivery, ProductIntraday, ProductNormal:
		return true
	default:
		return false
	}
}

// Position is a single long holding owned exclusively by the portfolio.
// StopLoss may only ratchet upward after entry (trailing); all other fields
// are fixed at entry except Shares, which decrements on partial sells.
type Position struct {
	ID         string      `json:"id"`
	Symbol     string      `json:"symbol"`
	Shares     int         `json:"shares"`
	EntryPrice float64     `json:"entry_price"`
	EntryTime  time.Time   `json:"entry_time"`
	StopLoss   float64     `json:"stop_loss"`
	TakeProfit float64     `json:"take_profit"`
	Confidence float64     `json:"confidence"`
	Sector     string      `json:"sector,omitempty"`
	ATR        float64     `json:"atr,omitempty"`
	LotSize    int         `json:"lot_size,omitempty"`
	Product    ProductType `json:"product_type"`
}

// Validate enforces the position invariants: positive shares and
// stop_loss < entry_price < take_profit for longs.
func (p *Position) Validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("position: empty symbol")
	}
	if p.Shares <= 0 {
		return fmt.Errorf("position %s: non-positive shares %d", p.Symbol, p.Shares)
	}
	if p.EntryPrice <= 0 {
		return fmt.Errorf("position %s: non-positive entry price %.2f", p.Symbol, p.EntryPrice)
	}
	if p.StopLoss <= 0 || p.StopLoss >= p.EntryPrice {
		return fmt.Errorf("position %s: stop loss %.2f must be in (0, entry %.2f)",
			p.Symbol, p.StopLoss, p.EntryPrice)
	}
	if p.TakeProfit <= p.EntryPrice {
		return fmt.Errorf("position %s: take profit %.2f must exceed entry %.2f",
			p.Symbol, p.TakeProfit, p.EntryPrice)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("position %s: confidence %.3f out of [0,1]", p.Symbol, p.Confidence)
	}
	if p.LotSize > 0 && p.Shares%p.LotSize != 0 {
		return fmt.Errorf("position %s: shares %d not a multiple of lot size %d",
			p.Symbol, p.Shares, p.LotSize)
	}
	return nil
}

// UnrealizedPnL returns the mark-to-market gain at the given price, gross of fees.
func (p *Position) UnrealizedPnL(price float64) float64 {
	return (price - p.EntryPrice) * float64(p.Shares)
}

// OptionLeg is one leg of a structured option position.
type OptionLeg struct {
	Contract   OptionContract `json:"contract"`
	Side       TradeSide      `json:"side"`
	Lots       int            `json:"lots"`
	EntryPrice float64        `json:"entry_price"`
	OrderID    string         `json:"order_id,omitempty"`
}

// Quantity returns the leg size in units (lots × lot size).
func (l OptionLeg) Quantity() int {
	return l.Lots * l.Contract.LotSize
}

// StructuredPosition is a multi-leg option structure treated atomically for
// entry and exit but marked to market per leg. All legs share a transaction ID
// so the archive can reconstruct the group.
type StructuredPosition struct {
	TransactionID string      `json:"transaction_id"`
	Underlying    string      `json:"underlying"`
	Strategy      string      `json:"strategy"`
	Legs          []OptionLeg `json:"legs"`
	MaxLoss       float64     `json:"max_loss"`
	NetPremium    float64     `json:"net_premium"`
	EntryTime     time.Time   `json:"entry_time"`
}

// Validate checks the structure and each leg.
func (s *StructuredPosition) Validate() error {
	if s.TransactionID == "" {
		return fmt.Errorf("structured position %s: missing transaction id", s.Underlying)
	}
	if len(s.Legs) == 0 {
		return fmt.Errorf("structured position %s: no legs", s.Underlying)
	}
	for i, leg := range s.Legs {
		if err := leg.Contract.Validate(); err != nil {
			return fmt.Errorf("leg %d: %w", i, err)
		}
		if !leg.Side.Valid() {
			return fmt.Errorf("leg %d: invalid side %q", i, leg.Side)
		}
		if leg.Lots <= 0 {
			return fmt.Errorf("leg %d: non-positive lots %d", i, leg.Lots)
		}
		if leg.EntryPrice < 0 {
			return fmt.Errorf("leg %d: negative entry price %.2f", i, leg.EntryPrice)
		}
	}
	return nil
}

// MarkToMarket values the structure per leg at the given premium map, keyed by
// trading symbol. Legs without a quote fall back to their entry price.
func (s *StructuredPosition) MarkToMarket(premiums map[string]float64) float64 {
	total := 0.0
	for _, leg := range s.Legs {
		px, ok := premiums[leg.Contract.TradingSymbol()]
		if !ok {
			px = leg.EntryPrice
		}
		value := px * float64(leg.Quantity())
		if leg.Side == SideBuy {
			total += value
		} else {
			total -= value
		}
	}
	return total
}

package models

import (
	"fmt"
	"strings"
	"time"
)

// Exchange identifies an Indian exchange segment.
type Exchange string

const (
	// ExchangeNSE is the NSE cash segment.
	ExchangeNSE Exchange = "NSE"
	// ExchangeBSE is the BSE cash segment.
	ExchangeBSE Exchange = "BSE"
	// ExchangeNFO is the NSE futures & options segment.
	ExchangeNFO Exchange = "NFO"
	// ExchangeBFO is the BSE futures & options segment.
	ExchangeBFO Exchange = "BFO"
)

// Valid reports whether the exchange is one of the defined segments.
func (e Exchange) Valid() bool {
	switch e {
	case ExchangeNSE, ExchangeBSE, ExchangeNFO, ExchangeBFO:
		return true
	default:
		return false
	}
}

// OptionRight distinguishes calls from puts.
type OptionRight string

const (
	// RightCall is a call option (CE in NSE nomenclature).
	RightCall OptionRight = "CE"
	// RightPut is a put option (PE in NSE nomenclature).
	RightPut OptionRight = "PE"
)

// Valid reports whether the right is CE or PE.
func (r OptionRight) Valid() bool {
	return r == RightCall || r == RightPut
}

// ValidEquitySymbol reports whether s is a well-formed cash-segment symbol:
// 2 to 20 uppercase alphanumerics.
func ValidEquitySymbol(s string) bool {
	if len(s) < 2 || len(s) > 20 {
		return false
	}
	for _, c := range s {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// IsOptionSymbol reports whether s looks like a derivatives trading symbol:
// ends in CE or PE and embeds expiry digits. Cash symbols with digits
// (3MINDIA, 63MOONS) never end in CE/PE.
func IsOptionSymbol(s string) bool {
	if !strings.HasSuffix(s, string(RightCall)) && !strings.HasSuffix(s, string(RightPut)) {
		return false
	}
	for _, c := range s {
		if c >= '0' && c <= '9' {
			return true
		}
	}
	return false
}

// OptionContract identifies a single listed option.
type OptionContract struct {
	Underlying string      `json:"underlying"`
	Expiry     time.Time   `json:"expiry"`
	Strike     float64     `json:"strike"`
	Right      OptionRight `json:"right"`
	Exchange   Exchange    `json:"exchange"`
	LotSize    int         `json:"lot_size"`
}

// TradingSymbol returns the canonical broker symbol, e.g. NIFTY28AUG2524500CE.
func (c OptionContract) TradingSymbol() string {
	return fmt.Sprintf("%s%s%d%s",
		c.Underlying,
		strings.ToUpper(c.Expiry.Format("02Jan06")),
		int(c.Strike),
		c.Right)
}

// Validate checks structural validity of the contract.
func (c OptionContract) Validate() error {
	if !ValidEquitySymbol(c.Underlying) {
		return fmt.Errorf("option contract: invalid underlying %q", c.Underlying)
	}
	if c.Expiry.IsZero() {
		return fmt.Errorf("option contract %s: zero expiry", c.Underlying)
	}
	if c.Strike <= 0 {
		return fmt.Errorf("option contract %s: non-positive strike %.2f", c.Underlying, c.Strike)
	}
	if !c.Right.Valid() {
		return fmt.Errorf("option contract %s: invalid right %q", c.Underlying, c.Right)
	}
	if c.Exchange != ExchangeNFO && c.Exchange != ExchangeBFO {
		return fmt.Errorf("option contract %s: exchange %q is not a derivatives segment", c.Underlying, c.Exchange)
	}
	if c.LotSize <= 0 {
		return fmt.Errorf("option contract %s: non-positive lot size %d", c.Underlying, c.LotSize)
	}
	return nil
}

package models

import "fmt"

// Direction is a raw strategy vote: -1 sell, 0 hold, +1 buy.
type Direction int

const (
	// DirectionSell votes for selling the symbol.
	DirectionSell Direction = -1
	// DirectionHold abstains.
	DirectionHold Direction = 0
	// DirectionBuy votes for buying the symbol.
	DirectionBuy Direction = 1
)

// Signal is a single strategy's output for one symbol.
type Signal struct {
	Direction Direction `json:"direction"`
	Strength  float64   `json:"strength"`
	Reason    string    `json:"reason"`
}

// Hold returns a zero-strength hold signal with the given reason. Strategies
// return this on insufficient data instead of propagating errors.
func Hold(reason string) Signal {
	return Signal{Direction: DirectionHold, Strength: 0, Reason: reason}
}

// Validate enforces strength bounds and the hold⇒zero-strength rule.
func (s Signal) Validate() error {
	if s.Direction < DirectionSell || s.Direction > DirectionBuy {
		return fmt.Errorf("signal direction %d out of range", s.Direction)
	}
	if s.Strength < 0 || s.Strength > 1 {
		return fmt.Errorf("signal strength %.3f out of [0,1]", s.Strength)
	}
	if s.Direction == DirectionHold && s.Strength != 0 {
		return fmt.Errorf("hold signal must have zero strength, got %.3f", s.Strength)
	}
	return nil
}

// Action is an aggregated trading decision.
type Action string

const (
	// ActionBuy opens or adds to a long position.
	ActionBuy Action = "buy"
	// ActionSell closes or reduces a long position.
	ActionSell Action = "sell"
	// ActionHold does nothing.
	ActionHold Action = "hold"
)

// Valid reports whether the action is one of the defined constants.
func (a Action) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionHold:
		return true
	default:
		return false
	}
}

// AggregatedSignal is the multi-strategy consensus for one symbol.
type AggregatedSignal struct {
	Symbol     string   `json:"symbol"`
	Action     Action   `json:"action"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons"`
	ATR        float64  `json:"atr,omitempty"`
	LastClose  float64  `json:"last_close,omitempty"`
}

// Validate enforces confidence bounds and the hold⇒zero-confidence rule.
func (a AggregatedSignal) Validate() error {
	if !a.Action.Valid() {
		return fmt.Errorf("invalid action %q", a.Action)
	}
	if a.Confidence < 0 || a.Confidence > 1 {
		return fmt.Errorf("confidence %.3f out of [0,1]", a.Confidence)
	}
	if a.Action == ActionHold && a.Confidence != 0 {
		return fmt.Errorf("hold decision must have zero confidence, got %.3f", a.Confidence)
	}
	return nil
}

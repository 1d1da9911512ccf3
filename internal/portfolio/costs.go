package portfolio

import (
	"math"

	"github.com/niranjank/dalalbot/internal/models"
)

// FeeBreakdown itemizes transaction costs for one fill.
type FeeBreakdown struct {
	Brokerage  float64
	TxnCharges float64
	GST        float64
	STT        float64
}

// Total sums all components.
func (f FeeBreakdown) Total() float64 {
	return f.Brokerage + f.TxnCharges + f.GST + f.STT
}

// EquityFees applies the cash-segment discount-broker schedule. STT applies
// on the sell side only.
func EquityFees(amount float64, side models.TradeSide) FeeBreakdown {
	f := FeeBreakdown{
		Brokerage:  math.Min(amount*0.0002, 20),
		TxnCharges: amount * 3.25e-5,
	}
	f.GST = (f.Brokerage + f.TxnCharges) * 0.18
	if side == models.SideSell {
		f.STT = amount * 0.001
	}
	return f
}

// OptionFees applies the options schedule on the premium amount: flat
// brokerage per order, STT on the sell side of the premium only.
func OptionFees(premiumAmount float64, side models.TradeSide) FeeBreakdown {
	f := FeeBreakdown{
		Brokerage:  20,
		TxnCharges: premiumAmount * 0.00053,
	}
	f.GST = (f.Brokerage + f.TxnCharges) * 0.18
	if side == models.SideSell {
		f.STT = premiumAmount * 0.000625
	}
	return f
}

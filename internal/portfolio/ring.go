package portfolio

import "github.com/niranjank/dalalbot/internal/models"

// tradeRing keeps the most recent trades in a fixed-capacity ring so a long
// session cannot grow memory without bound.
type tradeRing struct {
	buf   []models.Trade
	start int
	size  int
}

func newTradeRing(capacity int) *tradeRing {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &tradeRing{buf: make([]models.Trade, capacity)}
}

func (r *tradeRing) Append(t models.Trade) {
	idx := (r.start + r.size) % len(r.buf)
	r.buf[idx] = t
	if r.size < len(r.buf) {
		r.size++
	} else {
		r.start = (r.start + 1) % len(r.buf)
	}
}

func (r *tradeRing) Len() int { return r.size }

// All returns the trades oldest-first.
func (r *tradeRing) All() []models.Trade {
	out := make([]models.Trade, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

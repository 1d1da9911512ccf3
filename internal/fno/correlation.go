package fno

import (
	"sync"

	"gonum.org/v1/gonum/stat"
)

// CorrelationMatrix holds pairwise return correlations between indices. It is
// seeded with long-run estimates and can be refreshed from daily return
// series.
type CorrelationMatrix struct {
	mu  sync.RWMutex
	rho map[[2]string]float64
}

// NewCorrelationMatrix seeds the matrix with static long-run pairwise
// correlations between the index families.
func NewCorrelationMatrix() *CorrelationMatrix {
	m := &CorrelationMatrix{rho: make(map[[2]string]float64)}
	seed := []struct {
		a, b string
		rho  float64
	}{
		{"NIFTY", "SENSEX", 0.98},
		{"NIFTY", "BANKNIFTY", 0.85},
		{"NIFTY", "FINNIFTY", 0.90},
		{"NIFTY", "MIDCPNIFTY", 0.78},
		{"NIFTY", "BANKEX", 0.82},
		{"SENSEX", "BANKNIFTY", 0.83},
		{"SENSEX", "FINNIFTY", 0.88},
		{"SENSEX", "MIDCPNIFTY", 0.75},
		{"SENSEX", "BANKEX", 0.84},
		{"BANKNIFTY", "BANKEX", 0.97},
		{"BANKNIFTY", "FINNIFTY", 0.93},
		{"BANKNIFTY", "MIDCPNIFTY", 0.70},
		{"FINNIFTY", "BANKEX", 0.90},
		{"FINNIFTY", "MIDCPNIFTY", 0.72},
		{"MIDCPNIFTY", "BANKEX", 0.68},
	}
	for _, s := range seed {
		m.Set(s.a, s.b, s.rho)
	}
	return m
}

func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// Rho returns the correlation between two indices; 1 for identical symbols,
// 0 for unknown pairs.
func (m *CorrelationMatrix) Rho(a, b string) float64 {
	if a == b {
		return 1
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rho[pairKey(a, b)]
}

// Set stores a pairwise correlation.
func (m *CorrelationMatrix) Set(a, b string, rho float64) {
	m.mu.Lock()
	m.rho[pairKey(a, b)] = rho
	m.mu.Unlock()
}

// RefreshFromReturns recomputes every pair present in the return series.
// Series shorter than 20 observations, or of mismatched length, leave the
// seeded value in place.
func (m *CorrelationMatrix) RefreshFromReturns(returns map[string][]float64) {
	symbols := make([]string, 0, len(returns))
	for s := range returns {
		symbols = append(symbols, s)
	}
	for i := 0; i < len(symbols); i++ {
		for j := i + 1; j < len(symbols); j++ {
			a, b := returns[symbols[i]], returns[symbols[j]]
			if len(a) < 20 || len(a) != len(b) {
				continue
			}
			m.Set(symbols[i], symbols[j], stat.Correlation(a, b, nil))
		}
	}
}

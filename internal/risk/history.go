package risk

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"
)

const DefaultHistorySize = 1000

type Sample struct {
	Merchant string
	Amount   *big.Int
	At       time.Time
	Approved bool
}

type failure struct {
	merchant string
	at       time.Time
}

// History keeps the newest evaluated requests and reported failures.
// Readers share the lock; appends take it exclusively.
type History struct {
	mu       sync.RWMutex
	size     int
	samples  []Sample
	failures []failure
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{size: size}
}

func (h *History) Append(s Sample) {
	s.Merchant = strings.ToLower(s.Merchant)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.samples = append(h.samples, s)
	if over := len(h.samples) - h.size; over > 0 {
		h.samples = append(h.samples[:0:0], h.samples[over:]...)
	}
}

// RecordFailure notes a failed attempt for merchant.
func (h *History) RecordFailure(merchant string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.failures = append(h.failures, failure{merchant: strings.ToLower(merchant), at: at})
	if over := len(h.failures) - h.size; over > 0 {
		h.failures = append(h.failures[:0:0], h.failures[over:]...)
	}
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.samples)
}

// AmountStats returns mean and population standard deviation over the last
// window amounts, and how many samples contributed.
func (h *History) AmountStats(window int) (mean, stddev float64, n int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	start := 0
	if window > 0 && len(h.samples) > window {
		start = len(h.samples) - window
	}
	recent := h.samples[start:]
	if len(recent) == 0 {
		return 0, 0, 0
	}

	values := make([]float64, len(recent))
	var sum float64
	for i, s := range recent {
		values[i] = toFloat(s.Amount)
		sum += values[i]
	}
	mean = sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values))), len(values)
}

// MerchantCount counts requests to merchant at or after since.
func (h *History) MerchantCount(merchant string, since time.Time) int {
	merchant = strings.ToLower(merchant)

	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, s := range h.samples {
		if s.Merchant == merchant && !s.At.Before(since) {
			count++
		}
	}
	return count
}

// FailureCount counts failures reported for merchant at or after since.
func (h *History) FailureCount(merchant string, since time.Time) int {
	merchant = strings.ToLower(merchant)

	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, f := range h.failures {
		if f.merchant == merchant && !f.at.Before(since) {
			count++
		}
	}
	return count
}

func toFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

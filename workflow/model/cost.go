package model

import (
	"sync"
	"time"
)

// Pricing is the price of a model in USD per million tokens.
type Pricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// DefaultPricing covers the adapters' default models and their common
// siblings. Prices change; override with CostTracker.SetPricing.
var DefaultPricing = map[string]Pricing{
	"claude-sonnet-4-5": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-opus-4-1":   {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-haiku-4-5":  {InputPer1M: 1.00, OutputPer1M: 5.00},
	"gpt-4o":            {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":       {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gemini-2.5-pro":    {InputPer1M: 1.25, OutputPer1M: 10.00},
	"gemini-2.5-flash":  {InputPer1M: 0.30, OutputPer1M: 2.50},
}

// CallCost is one recorded call.
type CallCost struct {
	Usage
	ExecutorID string
	CostUSD    float64
	At         time.Time
}

// CostTracker accumulates token usage and cost across calls. Calls to models
// without pricing are recorded at zero cost. It is safe for concurrent use.
type CostTracker struct {
	mu      sync.RWMutex
	pricing map[string]Pricing
	calls   []CallCost
	byModel map[string]float64
	total   float64
	input   int64
	output  int64
}

// NewCostTracker returns a tracker using DefaultPricing.
func NewCostTracker() *CostTracker {
	pricing := make(map[string]Pricing, len(DefaultPricing))
	for k, v := range DefaultPricing {
		pricing[k] = v
	}
	return &CostTracker{pricing: pricing, byModel: make(map[string]float64)}
}

// SetPricing sets or replaces the price of a model.
func (t *CostTracker) SetPricing(modelName string, p Pricing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pricing[modelName] = p
}

// Record adds a call made by executorID and returns its cost.
func (t *CostTracker) Record(executorID string, u Usage) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.pricing[u.Model]
	cost := float64(u.InputTokens)/1e6*p.InputPer1M + float64(u.OutputTokens)/1e6*p.OutputPer1M
	t.calls = append(t.calls, CallCost{Usage: u, ExecutorID: executorID, CostUSD: cost, At: time.Now()})
	t.byModel[u.Model] += cost
	t.total += cost
	t.input += int64(u.InputTokens)
	t.output += int64(u.OutputTokens)
	return cost
}

// Total returns the cost of every recorded call.
func (t *CostTracker) Total() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total
}

// ByModel returns the cost per model.
func (t *CostTracker) ByModel() map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]float64, len(t.byModel))
	for k, v := range t.byModel {
		out[k] = v
	}
	return out
}

// Tokens returns the input and output token totals.
func (t *CostTracker) Tokens() (input, output int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.input, t.output
}

// Calls returns a copy of the recorded calls in order.
func (t *CostTracker) Calls() []CallCost {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]CallCost(nil), t.calls...)
}

// Reset clears recorded calls. Pricing is kept.
func (t *CostTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = nil
	t.byModel = make(map[string]float64)
	t.total, t.input, t.output = 0, 0, 0
}

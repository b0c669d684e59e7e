package ai

import "sync"

// TokenTracker tracks token usage across provider calls.
type TokenTracker struct {
	mu        sync.Mutex
	inputTok  int64
	outputTok int64
	calls     int
}

func NewTokenTracker() *TokenTracker {
	return &TokenTracker{}
}

// Add records token usage from one call.
func (t *TokenTracker) Add(input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTok += input
	t.outputTok += output
	t.calls++
}

func (t *TokenTracker) Total() (input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inputTok, t.outputTok
}

func (t *TokenTracker) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// Cost estimates USD spend with Sonnet list pricing ($3/1M in, $15/1M out).
func (t *TokenTracker) Cost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return float64(t.inputTok)/1_000_000*3.0 + float64(t.outputTok)/1_000_000*15.0
}

// Snapshot is a point-in-time copy of tracked usage.
type Snapshot struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Calls        int     `json:"calls"`
	CostUSD      float64 `json:"cost_usd"`
}

func (t *TokenTracker) Snapshot() Snapshot {
	in, out := t.Total()
	return Snapshot{InputTokens: in, OutputTokens: out, Calls: t.Calls(), CostUSD: t.Cost()}
}

// Sub returns usage accumulated since an earlier snapshot.
func (s Snapshot) Sub(earlier Snapshot) Snapshot {
	return Snapshot{
		InputTokens:  s.InputTokens - earlier.InputTokens,
		OutputTokens: s.OutputTokens - earlier.OutputTokens,
		Calls:        s.Calls - earlier.Calls,
		CostUSD:      s.CostUSD - earlier.CostUSD,
	}
}
